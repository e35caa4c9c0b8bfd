// Package config defines the session's typed configuration, parsed with
// github.com/alecthomas/kong, covering every item in §6's "Configuration
// options" plus the ambient logging/metrics settings a real checkout
// needs.
package config

import (
	"fmt"

	"github.com/stackprobe/stackprobe/pkg/kernelmaps"
	"github.com/stackprobe/stackprobe/pkg/probespec"
)

// Config is one fully-parsed session configuration.
type Config struct {
	// TargetExecutable and TargetArgs spawn a new target; TargetPID
	// attaches to one already running. Exactly one of the two modes
	// must be set.
	TargetExecutable string   `kong:"arg,optional,help='Path to the executable to spawn and trace.'"`
	TargetArgs       []string `kong:"arg,optional,help='Arguments passed to the spawned target.'"`
	TargetPID        int      `kong:"help='PID to attach to instead of spawning a target. 0 means spawn.',default='0'"`

	Probes []string `kong:"help='Probe specification(s), e.g. profile:hz:99 or uprobe:/bin/app:main.work. Repeatable.',short='p'"`

	MaxDepth         int `kong:"help='Maximum stack depth per sample; only checked to be > 0, the in-kernel program always captures up to its compiled-in 127 frames.',default='127'"`
	MaxObjects       int `kong:"help='Maximum number of distinct mapped objects tracked per session.',default='4096'"`
	MaxRowsPerObject int `kong:"help='Maximum compiled unwind-table rows kept per object.',default='65536'"`
	MaxStacks        int `kong:"help='Maximum number of distinct stacks the kernel maps retain.',default='16384'"`

	ObjectFilePoolSize int `kong:"help='Number of open ELF object files the objectfile pool keeps cached.',default='64'"`
	EventsBufferPages  int `kong:"help='Number of memory pages per CPU for the EVENTS perf buffer.',default='8'"`

	MemlockRlimitCur uint64 `kong:"help='RLIMIT_MEMLOCK soft limit to set before loading kernel maps. 0,0 means unlimited.',default='0'"`
	MemlockRlimitMax uint64 `kong:"help='RLIMIT_MEMLOCK hard limit to set before loading kernel maps.',default='0'"`

	LogLevel      string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	MetricsAddress string `kong:"help='Address to bind the Prometheus /metrics HTTP server to. Empty disables it.',default=':7071'"`
}

// Validate checks the configuration for internally-inconsistent settings
// that kong's own flag parsing can't catch.
func (c *Config) Validate() error {
	if c.TargetExecutable == "" && c.TargetPID == 0 {
		return fmt.Errorf("config: either a target executable or --target-pid must be set")
	}
	if c.TargetExecutable != "" && c.TargetPID != 0 {
		return fmt.Errorf("config: --target-pid and a target executable are mutually exclusive")
	}
	if len(c.Probes) == 0 {
		return fmt.Errorf("config: at least one --probes spec is required")
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("config: max_depth must be > 0")
	}
	return nil
}

// ParseProbes parses every configured probe-spec string, failing the whole
// session if any one of them is malformed (§6).
func (c *Config) ParseProbes() ([]*probespec.Spec, error) {
	return probespec.ParseAll(c.Probes)
}

// Capacities translates the flat config into the kernel map surface's
// sizing struct.
func (c *Config) Capacities() kernelmaps.Capacities {
	return kernelmaps.Capacities{
		MaxObjects:       uint32(c.MaxObjects),
		MaxRowsPerObject: uint32(c.MaxRowsPerObject),
		MaxDepth:         uint32(c.MaxDepth),
		MaxStacks:        uint32(c.MaxStacks),
		MemlockCur:       c.MemlockRlimitCur,
		MemlockMax:       c.MemlockRlimitMax,
	}
}
