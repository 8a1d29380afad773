package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// StreamConn is the orchestrator side of a worker connection carried by a
// pair of byte streams, one JSON document per line.
type StreamConn struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder

	responses chan ActionResponse
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn sends requests to w and reads responses from r until r ends.
func NewStreamConn(w io.WriteCloser, r io.Reader) *StreamConn {
	c := &StreamConn{
		w:         w,
		enc:       json.NewEncoder(w),
		responses: make(chan ActionResponse, 16),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.read(r)
	return c
}

func (c *StreamConn) read(r io.Reader) {
	defer close(c.closed)
	dec := json.NewDecoder(r)
	for {
		var resp ActionResponse
		if err := dec.Decode(&resp); err != nil {
			return
		}
		select {
		case c.responses <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *StreamConn) Send(req ActionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}
	return c.enc.Encode(req)
}

func (c *StreamConn) Responses() <-chan ActionResponse {
	return c.responses
}

func (c *StreamConn) Closed() <-chan struct{} {
	return c.closed
}

// Close ends the request stream, which tells the worker to exit.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.done)
		err = c.w.Close()
	})
	return err
}

// ServeStream is the worker side of a StreamConn: it answers the requests
// read from r on w, one at a time, until r ends or ctx is done.
func ServeStream(ctx context.Context, r io.Reader, w io.Writer, worker *Worker) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req ActionRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}
		if err := enc.Encode(worker.Handle(ctx, req)); err != nil {
			return fmt.Errorf("writing response %d: %w", req.ID, err)
		}
	}
}
