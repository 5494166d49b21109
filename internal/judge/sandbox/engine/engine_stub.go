//go:build !linux

package engine

import (
	"context"

	"arbiter/internal/judge/sandbox"
)

type stubEngine struct{}

// NewEngine returns a driver that refuses every request on platforms
// without the isolation primitives. Workers treat the result as an
// infrastructure failure.
func NewEngine(cfg Config) (sandbox.Driver, error) {
	return &stubEngine{}, nil
}

func (e *stubEngine) Execute(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	return sandbox.Outcome{
		Kind:   sandbox.SandboxError,
		Reason: "sandbox engine requires linux",
	}, nil
}
