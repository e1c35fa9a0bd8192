package batch

import (
	"context"
	"sync"
	"time"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/fetch"
)

// Task statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Processor is the image engine as seen by the executor.
type Processor interface {
	Transform(ctx context.Context, data []byte, opts core.TransformOptions) (*core.TransformResult, error)
	Metadata(ctx context.Context, data []byte, opts core.MetadataOptions) (*core.Metadata, []core.StepTiming, error)
}

// Fetcher retrieves remote source images.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// TaskOutput describes an uploaded task result.
type TaskOutput struct {
	Format core.Format `json:"format"`
	Width  int         `json:"width"`
	Height int         `json:"height"`
	Size   int         `json:"size"`
	URL    string      `json:"url"`
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	DurationMs int64          `json:"durationMs"`
	Output     *TaskOutput    `json:"output,omitempty"`
	Metadata   *core.Metadata `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Response aggregates every task result in submission order.
type Response struct {
	TotalDurationMs int64          `json:"totalDurationMs"`
	SourceMetadata  *core.Metadata `json:"sourceMetadata,omitempty"`
	Tasks           []TaskResult   `json:"tasks"`
}

// Executor runs batch requests. Safe for concurrent use.
type Executor struct {
	proc     Processor
	fetcher  Fetcher // nil = URL sources disabled
	storage  core.StorageAdapter
	maxTasks int
	dimLimit int
	logger   core.Logger
	metrics  core.MetricsCollector
}

// Option configures an Executor.
type Option func(*Executor)

// WithFetcher enables URL sources.
func WithFetcher(f Fetcher) Option { return func(x *Executor) { x.fetcher = f } }

// WithDimensionLimit overrides the largest accepted width or height.
func WithDimensionLimit(n int) Option { return func(x *Executor) { x.dimLimit = n } }

// WithLogger sets the logger for task failures.
func WithLogger(l core.Logger) Option { return func(x *Executor) { x.logger = l } }

// WithMetrics sets the collector receiving task outcomes.
func WithMetrics(m core.MetricsCollector) Option { return func(x *Executor) { x.metrics = m } }

// NewExecutor returns an Executor accepting at most maxTasks tasks per batch.
func NewExecutor(proc Processor, store core.StorageAdapter, maxTasks int, opts ...Option) *Executor {
	x := &Executor{
		proc:     proc,
		storage:  store,
		maxTasks: maxTasks,
		logger:   core.NopLogger{},
		metrics:  core.NopMetrics{},
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Run parses config and executes it against upload, or the configured
// source URL when upload is empty. Configuration, source and source
// metadata failures fail the batch; task failures are reported per task.
func (x *Executor) Run(ctx context.Context, config []byte, upload []byte) (*Response, error) {
	start := time.Now()
	req, err := Parse(config, x.maxTasks, x.dimLimit)
	if err != nil {
		return nil, err
	}

	src, err := x.source(ctx, req, upload)
	if err != nil {
		return nil, err
	}

	resp := &Response{Tasks: make([]TaskResult, len(req.Tasks))}
	if req.Metadata != nil {
		meta, _, err := x.proc.Metadata(ctx, src, *req.Metadata)
		if err != nil {
			return nil, err
		}
		resp.SourceMetadata = meta
	}

	var wg sync.WaitGroup
	for i, task := range req.Tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			resp.Tasks[idx] = x.runTask(ctx, src, t)
		}(i, task)
	}
	wg.Wait()

	resp.TotalDurationMs = time.Since(start).Milliseconds()
	return resp, nil
}

func (x *Executor) source(ctx context.Context, req *Request, upload []byte) ([]byte, error) {
	if len(upload) > 0 {
		return upload, nil
	}
	if req.Source == nil {
		return nil, apperrors.Validation("pipeline", "no source image: upload an image or set source.url")
	}
	if x.fetcher == nil {
		return nil, apperrors.New(apperrors.CategoryValidation, "pipeline", apperrors.ErrFetchDisabled)
	}
	resp, err := x.fetcher.Fetch(ctx, req.Source.URL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// runTask transforms, uploads and optionally inspects the output. It never
// panics into the batch: a panic becomes the task's error.
func (x *Executor) runTask(ctx context.Context, src []byte, t Task) (res TaskResult) {
	start := time.Now()
	res = TaskResult{ID: t.ID}
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("pipeline task panic", "task", t.ID, "panic", r)
			res.Output, res.Metadata = nil, nil
			res.Error = "internal server error"
		}
		res.DurationMs = time.Since(start).Milliseconds()
		res.Status = StatusSuccess
		if res.Error != "" {
			res.Status = StatusFailed
		}
		x.metrics.RecordTask(res.Status)
	}()

	out, err := x.proc.Transform(ctx, src, t.Transform)
	if err != nil {
		x.fail(&res, "transform", err)
		return res
	}

	contentType := t.Output.ContentType
	if contentType == "" {
		contentType = out.Format.MimeType()
	}
	url, err := x.storage.Put(ctx, core.StorageKey{Bucket: t.Output.Bucket, Path: t.Output.Key}, out.Data,
		core.PutOptions{ContentType: contentType, ACL: t.Output.ACL})
	if err != nil {
		x.fail(&res, "upload", err)
		return res
	}
	res.Output = &TaskOutput{
		Format: out.Format,
		Width:  out.Width,
		Height: out.Height,
		Size:   len(out.Data),
		URL:    url,
	}

	if t.Metadata != nil {
		meta, _, err := x.proc.Metadata(ctx, out.Data, *t.Metadata)
		if err != nil {
			res.Output = nil
			x.fail(&res, "metadata", err)
			return res
		}
		res.Metadata = meta
	}
	return res
}

func (x *Executor) fail(res *TaskResult, stage string, err error) {
	x.logger.Warn("pipeline task failed", "task", res.ID, "stage", stage, "error", err)
	res.Error = stage + ": " + apperrors.PublicMessage(err)
}
