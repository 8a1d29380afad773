package runtime

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeWorker connects a StreamConn to a worker served on io.Pipes.
func pipeWorker(t *testing.T, worker *Worker) (*StreamConn, <-chan error) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	served := make(chan error, 1)
	go func() {
		err := ServeStream(context.Background(), reqR, respW, worker)
		respW.Close()
		served <- err
	}()
	conn := NewStreamConn(reqW, respR)
	t.Cleanup(func() { conn.Close() })
	return conn, served
}

func TestStreamExecute(t *testing.T) {
	worker := &Worker{
		Execute: func(ctx context.Context, params ExecuteParams) (map[string]any, error) {
			if params.FileRelativeURL == "./throw.js" {
				return nil, errors.New("boom")
			}
			return map[string]any{"file": params.FileRelativeURL}, nil
		},
	}
	conn, served := pipeWorker(t, worker)

	req, err := NewRequest(ActionExecute, ExecuteParams{FileRelativeURL: "./ok.js"})
	require.NoError(t, err)
	resp, err := Request(context.Background(), conn, req)
	require.NoError(t, err)
	var value ExecuteValue
	require.NoError(t, DecodeResponse(resp, &value))
	assert.Equal(t, "./ok.js", value.Namespace["file"])
	assert.Greater(t, value.Timings.Origin, 0.0)

	req, err = NewRequest(ActionExecute, ExecuteParams{FileRelativeURL: "./throw.js"})
	require.NoError(t, err)
	resp, err = Request(context.Background(), conn, req)
	require.NoError(t, err)
	err = DecodeResponse(resp, &value)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, conn.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the request stream closed")
	}
	_, err = Request(context.Background(), conn, req)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestStreamMeasureMemory(t *testing.T) {
	conn, _ := pipeWorker(t, &Worker{MeasureMemory: func() (uint64, error) { return 1234, nil }})
	req, err := NewRequest(ActionMeasureMemory, nil)
	require.NoError(t, err)
	resp, err := Request(context.Background(), conn, req)
	require.NoError(t, err)
	var n uint64
	require.NoError(t, DecodeResponse(resp, &n))
	assert.Equal(t, uint64(1234), n)
}

func TestWorkerHandle(t *testing.T) {
	w := &Worker{}

	resp := w.Handle(context.Background(), ActionRequest{ID: 1, Type: "nope"})
	assert.Equal(t, ResponseError, resp.Status)
	assert.ErrorContains(t, DecodeResponse(resp, nil), `unknown action "nope"`)

	req, err := NewRequest(ActionExecute, ExecuteParams{})
	require.NoError(t, err)
	resp = w.Handle(context.Background(), req)
	assert.Equal(t, ResponseError, resp.Status)

	resp = w.Handle(context.Background(), ActionRequest{ID: 2, Type: ActionMeasureMemory})
	var n uint64
	require.NoError(t, DecodeResponse(resp, &n))
	assert.NotZero(t, n)
}

func TestStreamDisconnectWhileExecuting(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	conn := NewStreamConn(reqW, respR)
	defer conn.Close()

	go func() {
		// read the request then vanish without answering
		buf := make([]byte, 1024)
		_, _ = reqR.Read(buf)
		respW.Close()
	}()
	req, err := NewRequest(ActionExecute, ExecuteParams{})
	require.NoError(t, err)
	_, err = Request(context.Background(), conn, req)
	assert.ErrorIs(t, err, ErrDisconnected)
}
