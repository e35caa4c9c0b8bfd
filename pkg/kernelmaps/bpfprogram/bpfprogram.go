// Package bpfprogram embeds the precompiled in-kernel unwinder, built from
// bpf/native.bpf.c by a separate clang/libbpf build step, the same way the
// teacher embeds its own per-arch `.bpf.o` objects.
//
// The objects under objects/ in this tree are placeholders: a real
// checkout's build must run that clang/libbpf step (compiling
// bpf/native.bpf.c with -target bpf for each GOARCH) and replace them
// before Open is ever called against a live kernel.
package bpfprogram

import (
	"embed"
	"fmt"
	"io"
	"runtime"
)

//go:embed objects/*
var objects embed.FS

// Open returns the bytes of the native unwinder object for the running
// architecture.
func Open() ([]byte, error) {
	path := fmt.Sprintf("objects/%s/native.bpf.o", runtime.GOARCH)
	f, err := objects.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BPF object %s: %w", path, err)
	}
	// No need to close f: it's a virtual file from embed.FS, for which
	// Close is a no-op.
	return io.ReadAll(f)
}
