// Package session wires every component (§2) into one run: load the
// in-kernel program, bring a target under the Address-Map Tracker,
// attach the configured probes, release the target, wait for it to exit,
// and symbolize and fold the resulting stacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackprobe/stackprobe/pkg/addressmap"
	"github.com/stackprobe/stackprobe/pkg/config"
	"github.com/stackprobe/stackprobe/pkg/kernelmaps"
	"github.com/stackprobe/stackprobe/pkg/kernelmaps/bpfprogram"
	"github.com/stackprobe/stackprobe/pkg/objectfile"
	"github.com/stackprobe/stackprobe/pkg/registry"
	"github.com/stackprobe/stackprobe/pkg/symbolize"
	"github.com/stackprobe/stackprobe/pkg/unwind"
)

// Session owns every resource one profiling run creates: the loaded BPF
// program, the object-file pool, and the address-map tracker. Close
// releases all of them regardless of which state the run stopped in,
// per §9's "Session exclusively owns every kernel map" rule.
type Session struct {
	logger log.Logger
	cfg    *config.Config

	registry *registry.Registry
	objPool  *objectfile.Pool
	maps     *kernelmaps.Maps
	tracker  *addressmap.Tracker
	reducer  *symbolize.Reducer
}

// New loads the in-kernel program and constructs every collaborator, but
// does not yet spawn or attach to a target. Any error here is
// setup-fatal (§7).
func New(logger log.Logger, promReg prometheus.Registerer, cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	programBytes, err := bpfprogram.Open()
	if err != nil {
		return nil, fmt.Errorf("loading in-kernel unwinder program: %w", err)
	}

	maps, err := kernelmaps.Load(logger, promReg, programBytes, cfg.Capacities())
	if err != nil {
		return nil, fmt.Errorf("loading kernel maps: %w", err)
	}

	reg := registry.New(logger)
	objPool := objectfile.NewPool(logger, promReg, cfg.ObjectFilePoolSize)
	unwindMetrics := unwind.NewMetrics(promReg)

	tracker, err := addressmap.New(logger, reg, objPool, unwindMetrics, maps, cfg.MaxRowsPerObject)
	if err != nil {
		maps.Close()
		objPool.Close()
		return nil, fmt.Errorf("constructing address-map tracker: %w", err)
	}

	return &Session{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		objPool:  objPool,
		maps:     maps,
		tracker:  tracker,
		reducer:  symbolize.NewReducer(logger, reg, objPool),
	}, nil
}

// Close releases every resource this session holds, in reverse order of
// acquisition. It is safe to call multiple times and after a failed Run.
func (s *Session) Close() error {
	var err error
	if s.objPool != nil {
		err = s.objPool.Close()
		s.objPool = nil
	}
	if s.maps != nil {
		if cErr := s.maps.Close(); cErr != nil && err == nil {
			err = cErr
		}
		s.maps = nil
	}
	return err
}

// Run drives the whole session to completion: bring up the target,
// install probes, release it, wait for exit while optionally draining
// diagnostics, then symbolize the stacks and return them folded; writing
// them out is left to the caller (see WriteFolded).
func (s *Session) Run(ctx context.Context) ([]symbolize.FoldedStack, error) {
	probes, err := s.cfg.ParseProbes()
	if err != nil {
		return nil, fmt.Errorf("parsing probe specs: %w", err)
	}

	pid, err := s.bringUpTarget()
	if err != nil {
		return nil, err
	}

	for _, spec := range probes {
		if err := s.maps.Attach(spec, pid); err != nil {
			return nil, fmt.Errorf("attaching probe %q: %w", spec.Raw, err)
		}
	}

	if err := s.tracker.Release(); err != nil {
		return nil, fmt.Errorf("releasing target: %w", err)
	}

	if err := s.waitWithDiagnostics(ctx); err != nil {
		return nil, err
	}

	return s.reducer.Reduce(s.maps)
}

func (s *Session) bringUpTarget() (int, error) {
	if s.cfg.TargetPID != 0 {
		return s.tracker.AttachExisting(s.cfg.TargetPID)
	}
	return s.tracker.Run(s.cfg.TargetExecutable, s.cfg.TargetArgs)
}

// waitWithDiagnostics runs the target-wait loop and, if the loaded
// program exposes an EVENTS map, the diagnostic drain loop side by side,
// cancelling whichever is still running as soon as the other finishes
// (§5's two run-group goroutines).
func (s *Session) waitWithDiagnostics(ctx context.Context) error {
	var g okrun.Group

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Add(func() error {
		_, err := s.tracker.Wait()
		return err
	}, func(error) {
		cancel()
	})

	diagnostics, _, err := s.maps.StartEvents(s.cfg.EventsBufferPages)
	if err != nil {
		if !errors.Is(err, kernelmaps.ErrEventsMapNotPresent) {
			level.Debug(s.logger).Log("msg", "diagnostic channel unavailable", "err", err)
		}
	} else {
		g.Add(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-diagnostics:
					if !ok {
						return nil
					}
					level.Warn(s.logger).Log("msg", "unwind diagnostic", "pid", d.PID, "object_id", d.ObjectID, "reason", d.Reason.String())
				}
			}
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

// WriteFolded writes stacks in folded-stack format to w, for callers that
// want Run's output piped directly to a flamegraph tool.
func WriteFolded(w io.Writer, stacks []symbolize.FoldedStack) error {
	return symbolize.WriteFolded(w, stacks)
}
