package inprocess

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ethereum-optimism/infra/op-testplan/runtime"
)

// chanConn carries the action protocol between Run and the worker goroutine.
type chanConn struct {
	requests  chan runtime.ActionRequest
	responses chan runtime.ActionResponse
	// closed once the worker goroutine returned
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	// set before closed is closed
	panicked any
	stack    []byte
}

var _ runtime.Conn = (*chanConn)(nil)

func newChanConn() *chanConn {
	return &chanConn{
		requests:  make(chan runtime.ActionRequest),
		responses: make(chan runtime.ActionResponse, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *chanConn) Send(req runtime.ActionRequest) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.closed:
		return runtime.ErrDisconnected
	case <-c.done:
		return runtime.ErrDisconnected
	}
}

func (c *chanConn) Responses() <-chan runtime.ActionResponse { return c.responses }
func (c *chanConn) Closed() <-chan struct{}                  { return c.closed }

func (c *chanConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *chanConn) serve(ctx context.Context, worker *runtime.Worker) {
	defer close(c.closed)
	defer func() {
		if rec := recover(); rec != nil {
			c.panicked = rec
			c.stack = debug.Stack()
		}
	}()
	for {
		select {
		case req := <-c.requests:
			resp := worker.Handle(ctx, req)
			select {
			case c.responses <- resp:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// crash describes a worker goroutine that returned while a request was in
// flight. Only valid once closed is closed.
func (c *chanConn) crash(name string) error {
	<-c.closed
	if c.panicked == nil {
		return fmt.Errorf("%s worker stopped: %w", name, runtime.ErrDisconnected)
	}
	return &runtime.RuntimeCrashError{
		Runtime: name,
		Signal:  "panic",
		Output:  fmt.Sprintf("%v\n%s", c.panicked, c.stack),
	}
}
