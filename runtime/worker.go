package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// Worker answers the action requests of an orchestrator. It is the worker
// side of the protocol, used by Go programs acting as process workers and by
// the in-process runtime.
type Worker struct {
	// Execute runs the file described by params and returns its namespace.
	Execute func(ctx context.Context, params ExecuteParams) (map[string]any, error)
	// MeasureMemory reports the memory used by the worker. Defaults to the
	// memory obtained from the OS by the Go runtime.
	MeasureMemory func() (uint64, error)
}

// Handle answers one request. Errors are reported as error responses.
func (w *Worker) Handle(ctx context.Context, req ActionRequest) ActionResponse {
	switch req.Type {
	case ActionExecute:
		var params ExecuteParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(req.ID, fmt.Errorf("decoding execute params: %w", err))
		}
		if w.Execute == nil {
			return ErrorResponse(req.ID, fmt.Errorf("worker cannot execute files"))
		}
		origin := time.Now()
		ns, err := w.Execute(ctx, params)
		end := time.Since(origin)
		if err != nil {
			return ErrorResponse(req.ID, err)
		}
		return OKResponse(req.ID, ExecuteValue{
			Namespace: ns,
			Timings: NewWireTimings(types.RuntimeTimings{
				Origin:       origin,
				End:          end,
				ExecutionEnd: end,
			}),
		})
	case ActionMeasureMemory:
		measure := w.MeasureMemory
		if measure == nil {
			measure = goMemory
		}
		n, err := measure()
		if err != nil {
			return ErrorResponse(req.ID, err)
		}
		return OKResponse(req.ID, n)
	default:
		return ErrorResponse(req.ID, fmt.Errorf("unknown action %q", req.Type))
	}
}

func goMemory() (uint64, error) {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	return ms.Sys, nil
}
