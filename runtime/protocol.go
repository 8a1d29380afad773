package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// ActionType names a request understood by workers
type ActionType string

const (
	ActionExecute       ActionType = "execute-using-dynamic-import"
	ActionMeasureMemory ActionType = "measure-memory-usage"
)

// Response statuses
const (
	ResponseOK    = "ok"
	ResponseError = "error"
)

// ActionRequest is sent from the orchestrator to a worker
type ActionRequest struct {
	ID     uint64          `json:"id"`
	Type   ActionType      `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ActionResponse answers the request with the same ID
type ActionResponse struct {
	ID     uint64          `json:"id"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
}

var requestIDs atomic.Uint64

// NextRequestID returns a request id unique to this process. Ids increase
// monotonically.
func NextRequestID() uint64 {
	return requestIDs.Add(1)
}

// NewRequest builds a request with a fresh id.
func NewRequest(typ ActionType, params any) (ActionRequest, error) {
	req := ActionRequest{ID: NextRequestID(), Type: typ}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return ActionRequest{}, fmt.Errorf("encoding %s params: %w", typ, err)
		}
		req.Params = raw
	}
	return req, nil
}

// ExecuteParams are the params of ActionExecute
type ExecuteParams struct {
	RootDirectoryURL   string         `json:"rootDirectoryUrl"`
	FileURL            string         `json:"fileUrl"`
	FileRelativeURL    string         `json:"fileRelativeUrl"`
	CollectPerformance bool           `json:"collectPerformance"`
	CoverageEnabled    bool           `json:"coverageEnabled"`
	CoverageFileURL    string         `json:"coverageFileUrl,omitempty"`
	RuntimeParams      map[string]any `json:"runtimeParams,omitempty"`
}

// WireTimings are millisecond offsets from Origin, itself in epoch milliseconds
type WireTimings struct {
	Origin         float64 `json:"origin"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	ExecutionStart float64 `json:"executionStart"`
	ExecutionEnd   float64 `json:"executionEnd"`
}

// RuntimeTimings converts the wire representation. A missing or
// non-positive origin leaves Origin zero.
func (w WireTimings) RuntimeTimings() types.RuntimeTimings {
	var origin time.Time
	if w.Origin > 0 {
		origin = time.UnixMicro(int64(w.Origin * 1000))
	}
	return types.RuntimeTimings{
		Origin:         origin,
		Start:          msToDuration(w.Start),
		End:            msToDuration(w.End),
		ExecutionStart: msToDuration(w.ExecutionStart),
		ExecutionEnd:   msToDuration(w.ExecutionEnd),
	}
}

// NewWireTimings converts timings to their wire representation.
func NewWireTimings(t types.RuntimeTimings) WireTimings {
	var origin float64
	if !t.Origin.IsZero() {
		origin = float64(t.Origin.UnixMicro()) / 1000
	}
	return WireTimings{
		Origin:         origin,
		Start:          durationToMs(t.Start),
		End:            durationToMs(t.End),
		ExecutionStart: durationToMs(t.ExecutionStart),
		ExecutionEnd:   durationToMs(t.ExecutionEnd),
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ExecuteValue is the value of a successful ActionExecute response
type ExecuteValue struct {
	Namespace   map[string]any `json:"namespace,omitempty"`
	Timings     WireTimings    `json:"timings"`
	Performance map[string]any `json:"performance,omitempty"`
}

// ErrorValue is the value of an error response
type ErrorValue struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutionError converts the wire error.
func (v ErrorValue) ExecutionError() *types.ExecutionError {
	return types.NewExecutionError(&types.ExecutionError{
		Name:    v.Name,
		Message: v.Message,
		Stack:   v.Stack,
	})
}

// Conn is a bidirectional channel to a worker.
type Conn interface {
	Send(req ActionRequest) error
	Responses() <-chan ActionResponse
	// Closed is closed once the worker can no longer answer.
	Closed() <-chan struct{}
}

// Request sends req over conn and waits for the response carrying its id.
// Responses to other ids are dropped.
func Request(ctx context.Context, conn Conn, req ActionRequest) (ActionResponse, error) {
	if err := conn.Send(req); err != nil {
		return ActionResponse{}, fmt.Errorf("sending %s request: %w", req.Type, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ActionResponse{}, context.Cause(ctx)
		case <-conn.Closed():
			return drainResponse(conn, req.ID)
		case resp, ok := <-conn.Responses():
			if !ok {
				return ActionResponse{}, ErrDisconnected
			}
			if resp.ID == req.ID {
				return resp, nil
			}
		}
	}
}

// drainResponse looks for the response to id among those buffered before the
// worker went away.
func drainResponse(conn Conn, id uint64) (ActionResponse, error) {
	for {
		select {
		case resp, ok := <-conn.Responses():
			if !ok {
				return ActionResponse{}, ErrDisconnected
			}
			if resp.ID == id {
				return resp, nil
			}
		default:
			return ActionResponse{}, ErrDisconnected
		}
	}
}

// DecodeResponse decodes an ok response value into out, or returns the error
// carried by an error response.
func DecodeResponse(resp ActionResponse, out any) error {
	switch resp.Status {
	case ResponseOK:
		if out == nil || len(resp.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return fmt.Errorf("decoding response %d: %w", resp.ID, err)
		}
		return nil
	case ResponseError:
		var ev ErrorValue
		if err := json.Unmarshal(resp.Value, &ev); err != nil {
			return fmt.Errorf("decoding error response %d: %w", resp.ID, err)
		}
		return ev.ExecutionError()
	default:
		return fmt.Errorf("response %d has unknown status %q", resp.ID, resp.Status)
	}
}

// OKResponse builds an ok response for id.
func OKResponse(id uint64, value any) ActionResponse {
	raw, err := json.Marshal(value)
	if err != nil {
		return ErrorResponse(id, err)
	}
	return ActionResponse{ID: id, Status: ResponseOK, Value: raw}
}

// ErrorResponse builds an error response for id.
func ErrorResponse(id uint64, err error) ActionResponse {
	ee := types.NewExecutionError(err)
	raw, _ := json.Marshal(ErrorValue{Name: ee.Name, Message: ee.Message, Stack: ee.Stack})
	return ActionResponse{ID: id, Status: ResponseError, Value: raw}
}

// ExecuteResult turns the response to an execute request into a run result.
// A thrown error becomes an ExecutionFailure of file.
func ExecuteResult(resp ActionResponse, file string, collectPerformance bool) types.RunResult {
	var value ExecuteValue
	if err := DecodeResponse(resp, &value); err != nil {
		var ee *types.ExecutionError
		if errors.As(err, &ee) {
			err = &ExecutionFailure{File: file, Err: ee}
		}
		return Failed(err)
	}
	result := types.RunResult{
		Status:    types.StatusCompleted,
		Namespace: value.Namespace,
		Timings:   value.Timings.RuntimeTimings(),
	}
	if collectPerformance {
		result.Performance = value.Performance
	}
	return result
}
