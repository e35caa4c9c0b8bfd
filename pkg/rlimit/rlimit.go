package rlimit

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// BumpMemlock raises RLIMIT_MEMLOCK to cur/max before any kernel map is
// created, as required by §4.5's session-construction sequence. Passing
// 0, 0 removes the limit entirely (unix.RLIM_INFINITY), matching the
// original tool's unconditional behavior; a non-zero pair instead sets a
// specific ceiling, which is what this session's configuration exposes.
func BumpMemlock(cur, max uint64) (unix.Rlimit, error) {
	rLimit := unix.Rlimit{Cur: cur, Max: max}
	if cur == 0 && max == 0 {
		rLimit = unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	}

	rlimitMu.Lock()
	err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit)
	rlimitMu.Unlock()
	if err != nil {
		return unix.Rlimit{}, fmt.Errorf("failed to raise RLIMIT_MEMLOCK: %w", err)
	}

	var got unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &got); err != nil {
		return unix.Rlimit{}, fmt.Errorf("failed to read RLIMIT_MEMLOCK: %w", err)
	}
	return got, nil
}
