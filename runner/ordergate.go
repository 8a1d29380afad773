package runner

import "fmt"

// SchedulingInvariantError reports an internal bookkeeping bug. It is fatal
// for the whole run.
type SchedulingInvariantError struct {
	Msg string
}

func (e *SchedulingInvariantError) Error() string {
	return "scheduling invariant violated: " + e.Msg
}

// OrderGate releases values in index order: a value is released only once
// every lower index has been finalized. Indexes start at 0 and must be
// finalized exactly once.
type OrderGate[T any] struct {
	next    int
	pending map[int]T
}

func NewOrderGate[T any]() *OrderGate[T] {
	return &OrderGate[T]{pending: make(map[int]T)}
}

// Finalize records index and returns every value that became releasable, in
// index order. Reusing an index is a SchedulingInvariantError.
func (g *OrderGate[T]) Finalize(index int, v T) ([]T, error) {
	if index < 0 {
		return nil, &SchedulingInvariantError{Msg: fmt.Sprintf("negative index %d in order gate", index)}
	}
	if _, dup := g.pending[index]; dup || index < g.next {
		return nil, &SchedulingInvariantError{Msg: fmt.Sprintf("index %d finalized twice in order gate", index)}
	}
	g.pending[index] = v
	var released []T
	for {
		next, ok := g.pending[g.next]
		if !ok {
			return released, nil
		}
		delete(g.pending, g.next)
		g.next++
		released = append(released, next)
	}
}

// Next is the lowest index not yet released.
func (g *OrderGate[T]) Next() int {
	return g.next
}
