package plan

import (
	"fmt"
	"strconv"
	"strings"
)

// SkipNotInFragment is the skip reason of executions outside the fragment
const SkipNotInFragment = "not in fragment"

// Fragment selects the d-th of n contiguous slices of a plan, 1-based.
type Fragment struct {
	Dividend int
	Divisor  int
}

// ParseFragment parses "d/n".
func ParseFragment(s string) (Fragment, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Fragment{}, fmt.Errorf("fragment %q must look like <dividend>/<divisor>", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return Fragment{}, fmt.Errorf("fragment %q: invalid dividend: %w", s, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return Fragment{}, fmt.Errorf("fragment %q: invalid divisor: %w", s, err)
	}
	if n < 1 {
		return Fragment{}, fmt.Errorf("fragment %q: divisor must be at least 1", s)
	}
	if d < 1 || d > n {
		return Fragment{}, fmt.Errorf("fragment %q: dividend must be between 1 and %d", s, n)
	}
	return Fragment{Dividend: d, Divisor: n}, nil
}

func (f Fragment) String() string {
	return fmt.Sprintf("%d/%d", f.Dividend, f.Divisor)
}

// Bounds returns the [start, end) index range of the fragment for a plan of
// total executions. Every index belongs to exactly one fragment.
func (f Fragment) Bounds(total int) (start, end int) {
	size := (total + f.Divisor - 1) / f.Divisor
	start = min((f.Dividend-1)*size, total)
	end = min(f.Dividend*size, total)
	return start, end
}

// Contains reports whether the execution at index belongs to the fragment.
func (f Fragment) Contains(index, total int) bool {
	start, end := f.Bounds(total)
	return index >= start && index < end
}
