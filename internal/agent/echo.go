package agent

import (
	"context"
	"fmt"
	"time"
)

// EchoAgent is a deterministic agent that reports a fixed set of progress
// steps and answers with the input text. It backs local development and
// tests when no model is configured.
type EchoAgent struct {
	Name     string
	Steps    []string
	Delay    time.Duration
	Remember bool
}

// Invoke implements Agent.
func (a *EchoAgent) Invoke(ctx context.Context, req Request, e Emitter) (Result, error) {
	steps := a.Steps
	if steps == nil {
		steps = []string{"reading your message"}
	}
	for _, step := range steps {
		if err := sleepCtx(ctx, a.Delay); err != nil {
			return Result{}, err
		}
		e.Nano(step)
	}
	if err := sleepCtx(ctx, a.Delay); err != nil {
		return Result{}, err
	}

	res := Result{
		Text:    fmt.Sprintf("[%s] %s", a.Name, req.Text),
		Payload: map[string]any{"memory_entries": len(req.Memory)},
	}
	if a.Remember {
		res.Remember = "user said: " + truncate(req.Text, 120)
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
