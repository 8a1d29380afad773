package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanConn struct {
	sent      chan ActionRequest
	responses chan ActionResponse
	closed    chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{
		sent:      make(chan ActionRequest, 4),
		responses: make(chan ActionResponse, 4),
		closed:    make(chan struct{}),
	}
}

func (c *chanConn) Send(req ActionRequest) error {
	c.sent <- req
	return nil
}
func (c *chanConn) Responses() <-chan ActionResponse { return c.responses }
func (c *chanConn) Closed() <-chan struct{}          { return c.closed }

func TestRequestIDsIncrease(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	assert.Greater(t, b, a)
}

func TestRequestMatchesResponseID(t *testing.T) {
	conn := newChanConn()
	req, err := NewRequest(ActionExecute, ExecuteParams{FileRelativeURL: "./a.js"})
	require.NoError(t, err)

	conn.responses <- ActionResponse{ID: req.ID + 1000, Status: ResponseOK}
	conn.responses <- OKResponse(req.ID, ExecuteValue{Namespace: map[string]any{"answer": 42.0}})

	resp, err := Request(context.Background(), conn, req)
	require.NoError(t, err)
	var value ExecuteValue
	require.NoError(t, DecodeResponse(resp, &value))
	assert.Equal(t, 42.0, value.Namespace["answer"])

	sent := <-conn.sent
	assert.Equal(t, ActionExecute, sent.Type)
	assert.JSONEq(t, `{"rootDirectoryUrl":"","fileUrl":"","fileRelativeUrl":"./a.js","collectPerformance":false,"coverageEnabled":false}`, string(sent.Params))
}

func TestRequestDisconnected(t *testing.T) {
	conn := newChanConn()
	close(conn.closed)
	req, err := NewRequest(ActionMeasureMemory, nil)
	require.NoError(t, err)
	_, err = Request(context.Background(), conn, req)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestRequestCancelled(t *testing.T) {
	conn := newChanConn()
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("stop")
	cancel(cause)
	req, err := NewRequest(ActionMeasureMemory, nil)
	require.NoError(t, err)
	_, err = Request(ctx, conn, req)
	assert.ErrorIs(t, err, cause)
}

func TestDecodeErrorResponse(t *testing.T) {
	resp := ErrorResponse(7, &types.ExecutionError{Name: "TypeError", Message: "nope", Stack: "TypeError: nope\n    at file:///r/a.js:1:2"})
	err := DecodeResponse(resp, nil)
	var ee *types.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "TypeError", ee.Name)
	require.NotNil(t, ee.Site)
	assert.Equal(t, 1, ee.Site.Line)

	err = DecodeResponse(ActionResponse{ID: 1, Status: "weird"}, nil)
	assert.ErrorContains(t, err, "unknown status")
}

func TestWireTimingsRoundTrip(t *testing.T) {
	origin := time.UnixMilli(1_700_000_000_000)
	rt := types.RuntimeTimings{
		Origin:         origin,
		Start:          5 * time.Millisecond,
		ExecutionStart: 10 * time.Millisecond,
		ExecutionEnd:   25 * time.Millisecond,
		End:            30 * time.Millisecond,
	}
	got := NewWireTimings(rt).RuntimeTimings()
	assert.True(t, origin.Equal(got.Origin))
	assert.Equal(t, rt.ExecutionStart, got.ExecutionStart)
	assert.Equal(t, rt.ExecutionEnd, got.ExecutionEnd)
}

func TestWireTimingsWithoutOrigin(t *testing.T) {
	assert.True(t, WireTimings{}.RuntimeTimings().Origin.IsZero())
	assert.True(t, WireTimings{Origin: -5}.RuntimeTimings().Origin.IsZero())
	assert.Zero(t, NewWireTimings(types.RuntimeTimings{}).Origin)

	rr := ExecuteResult(OKResponse(1, map[string]any{"namespace": map[string]any{"a": 1}}), "./a.js", false)
	require.Equal(t, types.StatusCompleted, rr.Status)
	assert.True(t, rr.Timings.Origin.IsZero(), "a worker without timings must not report the epoch")
	assert.EqualValues(t, 1, rr.Namespace["a"])
}

func TestRuntimeCrashErrorMessages(t *testing.T) {
	assert.Contains(t, (&RuntimeCrashError{Runtime: "node", ExitCode: ExitCodeDebugPortUnavailable}).Error(), "debug port")
	assert.Contains(t, (&RuntimeCrashError{Runtime: "node", ExitCode: 143, Signal: "SIGTERM"}).Error(), "SIGTERM")
	assert.True(t, IsRuntimeCrash(errors.Join(errors.New("x"), &RuntimeCrashError{})))
}

type closer struct{ closed *atomic.Int32 }

func (c closer) Close() error {
	c.closed.Add(1)
	return nil
}

func TestResourceCacheCreatesOnce(t *testing.T) {
	cache := NewResourceCache()
	var created, closed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := GetAs(cache, "browser:chromium", func() (closer, error) {
				created.Add(1)
				time.Sleep(10 * time.Millisecond)
				return closer{closed: &closed}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())

	require.NoError(t, cache.Close())
	assert.Equal(t, int32(1), closed.Load())

	_, err := cache.Get("late", func() (any, error) { return closer{closed: &closed}, nil })
	assert.Error(t, err)
	assert.Equal(t, int32(2), closed.Load())
}

func TestResourceCacheDoesNotCacheFailures(t *testing.T) {
	cache := NewResourceCache()
	calls := 0
	_, err := cache.Get("k", func() (any, error) { calls++; return nil, errors.New("launch failed") })
	require.Error(t, err)
	v, err := cache.Get("k", func() (any, error) { calls++; return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestRunParams(t *testing.T) {
	var started, stopped int
	p := RunParams{
		RootDir:          "/root/project",
		FileRelativeURL:  "./src/a.test.js",
		OnRuntimeStarted: func() { started++ },
		OnRuntimeStopped: func() { stopped++ },
	}
	assert.Equal(t, "/root/project/src/a.test.js", p.FilePath())
	p.Started()
	p.Stopped()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.NotNil(t, RunParams{}.Log())

	f := &Func{TypeName: "fake", RuntimeName: "f", RuntimeVersion: "1", Fn: func(context.Context, RunParams) types.RunResult {
		return Failed(errors.New("x"))
	}}
	res := f.Run(context.Background(), p)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, "fake", f.Type())
}
