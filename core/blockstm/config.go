package blockstm

import "runtime"

// Config configures one ExecuteBlock call. It is a plain struct literal
// from the caller - this core has no file-based configuration surface
// of its own; the wider node owns that (spec.md §1 Non-goals).
type Config struct {
	// ConcurrencyLevel is clamped into [1, NumCPU]. 1 forces sequential
	// execution; >1 uses the parallel path with module-conflict
	// fallback (spec.md §6).
	ConcurrencyLevel int
}

// normalize clamps ConcurrencyLevel into a sane range.
func (c Config) normalize() Config {
	n := c.ConcurrencyLevel
	if n < 1 {
		n = 1
	}
	if max := runtime.NumCPU(); n > max {
		n = max
	}
	c.ConcurrencyLevel = n
	return c
}
