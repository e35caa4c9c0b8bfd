package main

import (
	"context"
	"debug/elf"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackprobe/stackprobe/pkg/config"
	"github.com/stackprobe/stackprobe/pkg/objectfile"
	"github.com/stackprobe/stackprobe/pkg/session"
	"github.com/stackprobe/stackprobe/pkg/unwind"
)

type runCmd struct {
	config.Config
}

func (c *runCmd) Run(logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sess, err := session.New(logger, reg, &c.Config)
	if err != nil {
		return fmt.Errorf("constructing session: %w", err)
	}
	defer sess.Close()

	var g run.Group

	if c.Config.MetricsAddress != "" {
		srv := &http.Server{Addr: c.Config.MetricsAddress, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting metrics server", "address", c.Config.MetricsAddress)
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}, func(error) {
			srv.Close()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		defer cancel()
		folded, err := sess.Run(ctx)
		if err != nil {
			return err
		}
		return session.WriteFolded(os.Stdout, folded)
	}, func(error) {
		cancel()
	})

	return g.Run()
}

type ehFrameCmd struct {
	Executable string `kong:"arg,help='Path to the executable to print the compiled unwind table for.'"`
}

func (c *ehFrameCmd) Run(logger log.Logger) error {
	pool := objectfile.NewPool(logger, nil, 1)
	defer pool.Close()

	obj, err := pool.Open(c.Executable)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.Executable, err)
	}
	if !obj.HasTextSection() {
		return fmt.Errorf("%s has no .text section", c.Executable)
	}

	metrics := unwind.NewMetrics(nil)
	table, arch, err := unwind.Compile(logger, metrics, obj, 1<<20)
	if err != nil {
		return fmt.Errorf("compiling unwind table: %w", err)
	}
	if arch != elf.EM_X86_64 {
		fmt.Fprintf(os.Stderr, "warning: %s is %s, not x86_64; every row will be unsupported\n", c.Executable, arch)
	}
	return unwind.PrintTable(os.Stdout, table)
}

var cli struct {
	LogLevel string  `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	Run      runCmd     `kong:"cmd,default='1',help='Spawn or attach to a target and capture stacks.'"`
	EhFrame  ehFrameCmd `kong:"cmd,help='Print the compiled unwind table for one executable.'"`
}

func main() {
	kctx := kong.Parse(&cli)

	logger := newLogger(cli.LogLevel)

	if err := kctx.Run(logger); err != nil {
		level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(l, opt)
}
