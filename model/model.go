// Package model defines the minimal completion interface the reasoning
// pipeline's model-backed reasoner talks to, with Anthropic and OpenAI
// backends in subpackages.
package model

import (
	"context"
	"fmt"
)

// Model produces a completion for a prompt under a system instruction.
// Implementations must honor ctx cancellation.
type Model interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Static is a deterministic Model returning a fixed completion. Useful in
// tests and as a stand-in while no API backend is configured.
type Static struct {
	// Response is returned verbatim for every prompt. When empty, the
	// prompt is echoed back.
	Response string
	// Err, when set, is returned instead of a completion.
	Err error
}

// Complete implements Model.
func (s *Static) Complete(ctx context.Context, _ string, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	return fmt.Sprintf("echo: %s", prompt), nil
}
