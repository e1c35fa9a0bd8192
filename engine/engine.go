// Package engine is the facade between request handling and the codec. It
// sniffs input formats, admits codec work through a FIFO semaphore, runs the
// codec through the step pipeline and normalises codec failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/pipeline"
	"github.com/Skryldev/imaged/semaphore"
)

// AdmissionPool names the codec semaphore in metrics.
const AdmissionPool = "codec"

// Engine runs codec work under admission control. Safe for concurrent use.
type Engine struct {
	codec      core.Codec
	sem        *semaphore.Semaphore
	hooks      []core.Hook
	logger     core.Logger
	metrics    core.MetricsCollector
	maxRetries int
	retryDelay time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks registers pipeline hooks.
func WithHooks(h ...core.Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h...) }
}

// WithLogger sets the logger used for internal failures.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m core.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetry retries transient step failures.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) { e.maxRetries, e.retryDelay = maxRetries, delay }
}

// New returns an Engine allowing at most concurrency simultaneous codec calls.
func New(codec core.Codec, concurrency int, opts ...Option) *Engine {
	e := &Engine{
		codec:   codec,
		sem:     semaphore.New(concurrency),
		logger:  core.NopLogger{},
		metrics: core.NopMetrics{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Codec returns the underlying codec.
func (e *Engine) Codec() core.Codec { return e.codec }

// Semaphore returns the admission semaphore.
func (e *Engine) Semaphore() *semaphore.Semaphore { return e.sem }

// OutputFormat is the format used when a request does not name one: the
// input format when the codec can encode it, otherwise JPEG.
func (e *Engine) OutputFormat(input core.Format) core.Format {
	if input.IsOutput() && e.codec.CanEncode(input) {
		return input
	}
	return core.FormatJPEG
}

// Transform decodes data, applies opts and encodes the result.
func (e *Engine) Transform(ctx context.Context, data []byte, opts core.TransformOptions) (*core.TransformResult, error) {
	in, err := e.admit(data)
	if err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = e.OutputFormat(in)
	}

	var orig core.Metadata
	p := e.newPipeline().AddHook(origHook{dst: &orig}).Use(&pipeline.DecodeStep{Codec: e.codec})
	if opts.Resize.Width > 0 || opts.Resize.Height > 0 {
		p.Use(&pipeline.ResizeStep{Codec: e.codec, Options: opts.Resize})
	}
	if opts.Filter.BlurSigma > 0 || opts.Filter.Greyscale {
		p.Use(&pipeline.FilterStep{Codec: e.codec, Options: opts.Filter})
	}
	p.Use(&pipeline.EncodeStep{Codec: e.codec, Format: format, Options: opts.Encode})

	var (
		out     *core.ImageData
		timings []core.StepTiming
	)
	err = e.run(ctx, "transform", func(ctx context.Context) error {
		src := &core.ImageData{Data: data, Format: in, OriginalSize: int64(len(data))}
		var runErr error
		out, timings, runErr = runPipeline(ctx, p, src)
		return runErr
	}, &timings)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordThroughput(int64(len(data)))
	return &core.TransformResult{
		Data:           out.Data,
		Format:         out.Format,
		Width:          out.Meta.Width,
		Height:         out.Meta.Height,
		OriginalFormat: in,
		OriginalWidth:  orig.Width,
		OriginalHeight: orig.Height,
		OriginalSize:   int64(len(data)),
		Timings:        timings,
	}, nil
}

// Metadata reports header information of data and, on request, EXIF fields,
// pixel statistics and a thumbhash.
func (e *Engine) Metadata(ctx context.Context, data []byte, opts core.MetadataOptions) (*core.Metadata, []core.StepTiming, error) {
	in, err := e.admit(data)
	if err != nil {
		return nil, nil, err
	}

	p := e.newPipeline().Use(&pipeline.MetadataStep{Codec: e.codec})
	if opts.Stats || opts.Thumbhash {
		p.Use(&pipeline.DecodeStep{Codec: e.codec})
	}
	if opts.Stats {
		p.Use(&pipeline.StatsStep{Codec: e.codec})
	}
	if opts.Thumbhash {
		p.Use(&pipeline.ThumbhashStep{Codec: e.codec})
	}

	var (
		out     *core.ImageData
		timings []core.StepTiming
	)
	err = e.run(ctx, "metadata", func(ctx context.Context) error {
		var runErr error
		out, timings, runErr = runPipeline(ctx, p, &core.ImageData{Data: data, Format: in, OriginalSize: int64(len(data))})
		return runErr
	}, &timings)
	if err != nil {
		return nil, timings, err
	}

	meta := out.Meta
	if !opts.EXIF {
		meta.EXIF = nil
		meta.Location = nil
	}
	return &meta, timings, nil
}

// admit sniffs data and checks the codec can read it, before any permit is
// taken.
func (e *Engine) admit(data []byte) (core.Format, error) {
	if len(data) == 0 {
		return "", apperrors.New(apperrors.CategoryValidation, "engine", apperrors.ErrEmptyInput)
	}
	in, err := Sniff(data)
	if err != nil {
		return "", err
	}
	if !e.codec.CanDecode(in) {
		return "", apperrors.New(apperrors.CategoryUnsupported, "engine",
			fmt.Errorf("%w: cannot decode %s", apperrors.ErrUnsupportedFormat, in))
	}
	return in, nil
}

func (e *Engine) newPipeline() *pipeline.Pipeline {
	return pipeline.New().AddHook(e.hooks...).WithRetry(e.maxRetries, e.retryDelay)
}

// runPipeline runs p and closes the decoded image.
func runPipeline(ctx context.Context, p *pipeline.Pipeline, src *core.ImageData) (*core.ImageData, []core.StepTiming, error) {
	out, timings, err := p.Run(ctx, src)
	if out != nil && out.Image != nil {
		out.Image.Close()
		out.Image = nil
	}
	return out, timings, err
}

// run holds one permit for the duration of fn, recovers codec panics and
// normalises the error. The queue wait is prepended to timings.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error, timings *[]core.StepTiming) (err error) {
	start := time.Now()
	if err := e.sem.Acquire(ctx); err != nil {
		return e.normalize(op, err)
	}
	wait := time.Since(start)
	e.metrics.RecordAdmission(AdmissionPool, e.sem.Held(), e.sem.Waiting())
	defer func() {
		e.sem.Release()
		e.metrics.RecordAdmission(AdmissionPool, e.sem.Held(), e.sem.Waiting())
		*timings = append([]core.StepTiming{{Name: "queue", Duration: wait}}, *timings...)
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("codec panic", "op", op, "codec", e.codec.Name(), "panic", r, "stack", string(debug.Stack()))
			err = apperrors.New(apperrors.CategoryInternal, op, fmt.Errorf("codec panic: %v", r))
		}
	}()
	return e.normalize(op, fn(ctx))
}

// normalize keeps client-facing codec errors and collapses everything else
// into an internal error that is logged here.
func (e *Engine) normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		switch pe.Category {
		case apperrors.CategoryValidation, apperrors.CategoryUnsupported,
			apperrors.CategoryDecode, apperrors.CategoryEncode:
			return err
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.WithStatus(apperrors.CategoryTransient, op, http.StatusServiceUnavailable,
			errors.New("image processing timed out"))
	case errors.Is(err, context.Canceled):
		return apperrors.WithStatus(apperrors.CategoryTransient, op, http.StatusServiceUnavailable,
			errors.New("request cancelled"))
	}
	if apperrors.IsRetryable(err) {
		e.logger.Warn("image processing failed after retries", "op", op, "codec", e.codec.Name(), "error", err)
		return apperrors.WithStatus(apperrors.CategoryTransient, op, http.StatusServiceUnavailable,
			errors.New("image processing is temporarily unavailable"))
	}
	e.logger.Error("image processing failed", "op", op, "codec", e.codec.Name(), "error", err)
	return apperrors.New(apperrors.CategoryInternal, op, err)
}

// origHook captures the image state after the decode step.
type origHook struct {
	dst *core.Metadata
}

func (origHook) BeforeStep(context.Context, string, *core.ImageData) {}

func (h origHook) AfterStep(_ context.Context, name string, img *core.ImageData, _ time.Duration, err error) {
	if name == "decode" && err == nil && img != nil {
		*h.dst = img.Meta
	}
}
