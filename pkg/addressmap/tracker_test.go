package addressmap

import "testing"

func TestRefersToRegularFile(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/usr/bin/myapp", true},
		{"/lib/x86_64-linux-gnu/libc.so.6", true},
		{"", false},
		{"[heap]", false},
		{"[vdso]", false},
		{"[stack]", false},
		{"/usr/bin/myapp (deleted)", false},
		{"/memfd:jit (deleted)", false},
		{"anon_inode:[perf_event]", false},
	}
	for _, c := range cases {
		if got := refersToRegularFile(c.path); got != c.want {
			t.Errorf("refersToRegularFile(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		s    State
		want string
	}{
		{Spawned, "spawned"},
		{AtEntry, "at_entry"},
		{Mapped, "mapped"},
		{Running, "running"},
		{Exited, "exited"},
		{State(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.s, got, c.want)
		}
	}
}
