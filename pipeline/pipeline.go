// Package pipeline wires codec steps together, runs hooks, and handles retries.
package pipeline

import (
	"context"
	"time"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// Pipeline executes a sequence of Steps with hook and retry support.
// A Pipeline is built per call and is not safe for concurrent use.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
}

// New returns an empty Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Use appends steps to the pipeline. Returns the same Pipeline for chaining.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers observers.
func (p *Pipeline) AddHook(h ...core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h...)
	return p
}

// WithRetry sets the maximum retry count and delay for transient failures.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = maxRetries
	p.retryDelay = delay
	return p
}

// Len returns the number of steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// Run executes the pipeline on img. Timings are returned in execution order
// and include the failing step, if any.
func (p *Pipeline) Run(ctx context.Context, img *core.ImageData) (*core.ImageData, []core.StepTiming, error) {
	timings := make([]core.StepTiming, 0, len(p.steps))
	current := img

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return current, timings, apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), err)
		}

		result, elapsed, err := p.runStep(ctx, step, current)
		timings = append(timings, core.StepTiming{Name: step.Name(), Duration: elapsed})
		if err != nil {
			return current, timings, err
		}
		current = result
	}
	return current, timings, nil
}

// runStep executes a single step, calling hooks and retrying transient errors.
func (p *Pipeline) runStep(ctx context.Context, step core.Step, img *core.ImageData) (*core.ImageData, time.Duration, error) {
	p.callHooksBefore(ctx, step.Name(), img)

	var (
		result  *core.ImageData
		elapsed time.Duration
		err     error
	)
	start := time.Now()
	for attempt := 0; ; attempt++ {
		result, err = step.Execute(ctx, img)
		if err == nil || !apperrors.IsRetryable(err) || attempt >= p.maxRetries {
			break
		}
		t := time.NewTimer(p.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = apperrors.Wrap(apperrors.CategoryPipeline, step.Name(), ctx.Err())
		case <-t.C:
			continue
		}
		break
	}
	elapsed = time.Since(start)

	p.callHooksAfter(ctx, step.Name(), result, elapsed, err)
	return result, elapsed, err
}

func (p *Pipeline) callHooksBefore(ctx context.Context, name string, img *core.ImageData) {
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, img)
	}
}

func (p *Pipeline) callHooksAfter(ctx context.Context, name string, img *core.ImageData, d time.Duration, err error) {
	for _, h := range p.hooks {
		h.AfterStep(ctx, name, img, d, err)
	}
}
