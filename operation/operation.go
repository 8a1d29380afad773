// Package operation provides the cancellation and lifetime primitive used by
// the orchestrator. An Operation wraps a cancellable context and adds one-shot
// abort and end callbacks, timeouts, linked external signals and forks.
package operation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAborted is the cause used when Abort is called without one.
var ErrAborted = errors.New("aborted")

type endRun struct {
	mu   sync.Mutex
	errs []error
}

func (r *endRun) record(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// Operation is a cancellation token with callbacks bound to its lifetime.
// The zero value is not usable; create one with New.
type Operation struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	abortCallbacks callbackList[error]
	endCallbacks   callbackList[*endRun]

	ended         chan struct{}
	endOnce       sync.Once
	doneOnce      sync.Once
	abortAfterEnd atomic.Bool
}

// New creates an operation aborted whenever parent is cancelled.
func New(parent context.Context) *Operation {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	o := &Operation{
		ctx:    ctx,
		cancel: cancel,
		ended:  make(chan struct{}),
	}
	context.AfterFunc(ctx, o.onDone)
	return o
}

// Context returns the context cancelled when the operation aborts or ends.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Done is closed once the operation is aborted or ended.
func (o *Operation) Done() <-chan struct{} {
	return o.ctx.Done()
}

// Ended is closed once End has run the end callbacks.
func (o *Operation) Ended() <-chan struct{} {
	return o.ended
}

// Cause returns the error the operation was cancelled with, or nil.
func (o *Operation) Cause() error {
	return context.Cause(o.ctx)
}

// Aborted reports whether the operation was cancelled for any reason other
// than a normal End.
func (o *Operation) Aborted() bool {
	if o.ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(o.ctx), ErrEnded) || o.abortAfterEnd.Load()
}

// CheckAborted returns an *AbortedError when the operation was aborted.
func (o *Operation) CheckAborted() error {
	if !o.Aborted() {
		return nil
	}
	return &AbortedError{Cause: o.Cause()}
}

// Abort cancels the operation with cause and runs the abort callbacks before
// returning. Aborting an operation that is already cancelled is a no-op.
func (o *Operation) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	o.cancel(cause)
	o.onDone()
}

func (o *Operation) onDone() {
	o.doneOnce.Do(func() {
		cause := context.Cause(o.ctx)
		if errors.Is(cause, ErrEnded) && !o.abortAfterEnd.Load() {
			o.abortCallbacks.freeze()
			return
		}
		o.abortCallbacks.notify(cause)
	})
}

// AddAbortCallback registers cb to run once when the operation aborts. When
// the abort already happened, cb runs during End instead.
func (o *Operation) AddAbortCallback(cb func(cause error)) (remove func()) {
	if remove, ok := o.abortCallbacks.add(cb); ok {
		return remove
	}
	return o.AddEndCallback(func() error {
		cb(o.Cause())
		return nil
	})
}

// AddEndCallback registers cb to run once when End is called. Callbacks
// added after End run immediately.
func (o *Operation) AddEndCallback(cb func() error) (remove func()) {
	remove, ok := o.endCallbacks.add(func(r *endRun) {
		r.record(cb())
	})
	if !ok {
		_ = cb()
		return func() {}
	}
	return remove
}

// AddAbortSignal links an external cancellation source: if ctx is cancelled
// before the operation aborts or ends, the operation is aborted with the
// cause of ctx. Calling remove unlinks the source.
func (o *Operation) AddAbortSignal(ctx context.Context) (remove func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	unlinked := make(chan struct{})
	var once sync.Once
	remove = func() { once.Do(func() { close(unlinked) }) }

	go func() {
		winner, _ := SelectFirst(
			Source[struct{}]{Name: "aborted", C: o.ctx.Done()},
			Source[struct{}]{Name: "ended", C: o.ended},
			Source[struct{}]{Name: "signal", C: ctx.Done()},
			Source[struct{}]{Name: "unlinked", C: unlinked},
		)
		if winner == "signal" {
			o.Abort(context.Cause(ctx))
		}
	}()
	return remove
}

// Timeout is an abort source firing after a fixed duration.
type Timeout struct {
	err       *TimeoutError
	timer     *time.Timer
	fired     atomic.Bool
	removeEnd func()
}

// Timeout aborts the operation with a *TimeoutError after d unless the
// returned source is cleared or the operation ends first.
func (o *Operation) Timeout(d time.Duration) *Timeout {
	t := &Timeout{err: &TimeoutError{Duration: d}}
	t.timer = time.AfterFunc(d, func() {
		t.fired.Store(true)
		o.Abort(t.err)
	})
	t.removeEnd = o.AddEndCallback(func() error {
		t.timer.Stop()
		return nil
	})
	return t
}

// Clear stops the timer.
func (t *Timeout) Clear() {
	t.timer.Stop()
	t.removeEnd()
}

// Fired reports whether the timer went off.
func (t *Timeout) Fired() bool {
	return t.fired.Load()
}

// IsCause reports whether err is the error this timeout aborted with.
func (t *Timeout) IsCause(err error) bool {
	return err != nil && errors.Is(err, t.err)
}

// Wait sleeps for d, returning early with an *AbortedError when the
// operation is cancelled.
func (o *Operation) Wait(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-o.ctx.Done():
		return &AbortedError{Cause: o.Cause()}
	}
}

// WithSignal runs fn with a context derived from the operation. The derived
// context is released on every return path.
func (o *Operation) WithSignal(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	return fn(ctx)
}

// Fork returns a child operation aborted when either the parent or the child
// itself aborts.
func (o *Operation) Fork() *Operation {
	return New(o.ctx)
}

// EndOption configures End.
type EndOption func(*endConfig)

type endConfig struct {
	abortAfterEnd bool
}

// AbortAfterEnd makes End abort the operation after the end callbacks ran,
// so pending abort callbacks are released by running them.
func AbortAfterEnd() EndOption {
	return func(c *endConfig) { c.abortAfterEnd = true }
}

// End runs the end callbacks once, in registration order, and releases the
// operation. Abort callbacks that did not fire are dropped unless
// AbortAfterEnd is given. The joined callback errors are returned.
func (o *Operation) End(opts ...EndOption) error {
	var err error
	o.endOnce.Do(func() {
		var cfg endConfig
		for _, opt := range opts {
			opt(&cfg)
		}
		run := &endRun{}
		o.endCallbacks.notify(run)
		close(o.ended)
		if cfg.abortAfterEnd && o.ctx.Err() == nil {
			o.abortAfterEnd.Store(true)
		}
		o.cancel(ErrEnded)
		o.onDone()
		err = errors.Join(run.errs...)
	})
	return err
}
