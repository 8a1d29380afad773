package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"

	testplan "github.com/ethereum-optimism/infra/op-testplan"
	"github.com/ethereum-optimism/infra/op-testplan/exitcodes"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitcodes.Success},
		{name: "test failure", err: testplan.NewTestFailureError("1 failed"), want: exitcodes.TestFailure},
		{name: "runtime error", err: fmt.Errorf("setup: %w", testplan.NewRuntimeError(errors.New("bad plan"))), want: exitcodes.RuntimeErr},
		{name: "exit coder", err: cli.Exit("interrupted", exitcodes.Interrupted), want: exitcodes.Interrupted},
		{name: "cancelled", err: context.Canceled, want: exitcodes.Interrupted},
		{name: "unknown", err: errors.New("other"), want: exitcodes.TestFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
