package inprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum-optimism/infra/op-testplan/types"
)

// Console collects the console calls of one execution.
type Console struct {
	mu    sync.Mutex
	calls []types.ConsoleCall
}

// Log records a call of the given type ("log", "error", ...).
func (c *Console) Log(typ, format string, args ...any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, types.ConsoleCall{Type: typ, Text: fmt.Sprintf(format, args...)})
}

func (c *Console) Calls() []types.ConsoleCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ConsoleCall(nil), c.calls...)
}

type consoleKey struct{}

func withConsole(ctx context.Context, c *Console) context.Context {
	return context.WithValue(ctx, consoleKey{}, c)
}

// ConsoleFrom returns the console of the execution running with ctx. The
// returned console is nil, and discards calls, outside of an execution.
func ConsoleFrom(ctx context.Context) *Console {
	c, _ := ctx.Value(consoleKey{}).(*Console)
	return c
}
