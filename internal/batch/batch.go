// Package batch slices pending items into batches and adapts the batch size
// to how the destination responds.
package batch

import "fmt"

// Defaults used when a Policy field is left zero.
const (
	DefaultMin       = 1
	DefaultMax       = 200
	DefaultTarget    = 80
	DefaultGrowAfter = 3
)

// Next splits items into the next batch of at most size items and the rest.
// Order is preserved and neither slice is copied.
func Next[T any](items []T, size int) (batch, rest []T) {
	if size < 1 {
		size = 1
	}
	if size > len(items) {
		size = len(items)
	}
	return items[:size], items[size:]
}

// Policy bounds the batch size and decides how it moves.
type Policy struct {
	Min       int
	Max       int
	Target    int
	GrowAfter int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{Min: DefaultMin, Max: DefaultMax, Target: DefaultTarget, GrowAfter: DefaultGrowAfter}
}

// Validate checks that the bounds are consistent.
func (p Policy) Validate() error {
	if p.Min < 1 {
		return fmt.Errorf("batch min must be at least 1, got %d", p.Min)
	}
	if p.Max < p.Min {
		return fmt.Errorf("batch max (%d) must not be below min (%d)", p.Max, p.Min)
	}
	if p.Target < p.Min || p.Target > p.Max {
		return fmt.Errorf("batch target %d outside [%d, %d]", p.Target, p.Min, p.Max)
	}
	if p.GrowAfter < 1 {
		return fmt.Errorf("batch grow_after must be at least 1, got %d", p.GrowAfter)
	}
	return nil
}

// WithTarget returns a copy of p with a different target, clamped to bounds.
// A non-positive target keeps the current one.
func (p Policy) WithTarget(target int) Policy {
	if target > 0 {
		p.Target = target
	}
	p.Target = p.Clamp(p.Target)
	return p
}

// Initial is the size used for a stream that has no persisted size.
func (p Policy) Initial() int {
	return p.Clamp(p.Target)
}

// Clamp keeps size inside [Min, Max]. A zero size means "not set" and maps to
// the target.
func (p Policy) Clamp(size int) int {
	if size == 0 {
		size = p.Target
	}
	if size < p.Min {
		return p.Min
	}
	if p.Max > 0 && size > p.Max {
		return p.Max
	}
	return size
}

// Shrink halves size, never below Min.
func (p Policy) Shrink(size int) int {
	return p.Clamp(max(p.Min, size/2))
}

// AtFloor reports whether size cannot shrink any further.
func (p Policy) AtFloor(size int) bool {
	return size <= p.Min
}

// Grow doubles size toward Target once consecutive accepted batches reach
// GrowAfter. It never grows past Target or Max. The second return value
// reports whether the size changed, in which case the consecutive counter
// should restart.
func (p Policy) Grow(size, consecutive int) (int, bool) {
	if consecutive < p.GrowAfter || size >= p.Target {
		return size, false
	}
	next := min(size*2, p.Target)
	next = p.Clamp(next)
	return next, next != size
}
