package process

import (
	"bytes"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-testplan/types"
)

const (
	maxConsoleCalls = 1000
	maxTailBytes    = 8 << 10
)

// console collects the output of a worker, line by line and without ANSI
// escapes. Only the most recent lines are kept.
type console struct {
	mu    sync.Mutex
	calls []types.ConsoleCall
	tail  []string
	size  int
}

func (c *console) writer(typ string) *lineWriter {
	return &lineWriter{console: c, typ: typ}
}

func (c *console) add(typ, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, types.ConsoleCall{Type: typ, Text: text})
	if len(c.calls) > maxConsoleCalls {
		c.calls = c.calls[len(c.calls)-maxConsoleCalls:]
	}
	c.tail = append(c.tail, text)
	c.size += len(text) + 1
	for c.size > maxTailBytes && len(c.tail) > 1 {
		c.size -= len(c.tail[0]) + 1
		c.tail = c.tail[1:]
	}
}

// Calls returns a copy of the collected lines
func (c *console) Calls() []types.ConsoleCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ConsoleCall(nil), c.calls...)
}

// Tail returns the last output lines, for crash reports
func (c *console) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.tail, "\n")
}

type lineWriter struct {
	console *console
	typ     string
	mu      sync.Mutex
	buf     []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.console.add(w.typ, stripansi.Strip(strings.TrimSuffix(string(w.buf[:i]), "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.console.add(w.typ, stripansi.Strip(string(w.buf)))
		w.buf = nil
	}
}
