package core

import (
	"context"
	"time"
)

// Image is a decoded image owned by the codec that produced it.
type Image interface {
	Width() int
	Height() int
	Close()
}

// Codec performs pixel work. Implementations live in adapters/vips and
// adapters/imaging. Every call is made while holding an admission permit.
// Errors categorised as decode, encode or unsupported are reported to the
// client; anything else is treated as an internal failure.
type Codec interface {
	Name() string
	CanDecode(f Format) bool
	CanEncode(f Format) bool

	// Decode returns an image with EXIF orientation already applied.
	Decode(ctx context.Context, data []byte, f Format) (Image, error)
	Resize(ctx context.Context, img Image, opts ResizeOptions) (Image, error)
	ApplyFilter(ctx context.Context, img Image, opts FilterOptions) (Image, error)
	Encode(ctx context.Context, img Image, f Format, opts EncodeOptions) ([]byte, error)

	// ReadMetadata reports header-level information without a full decode
	// where the codec allows it.
	ReadMetadata(ctx context.Context, data []byte, f Format) (*Metadata, error)
	ComputeStats(ctx context.Context, img Image) (*Stats, error)
	Thumbhash(ctx context.Context, img Image) (string, error)
}

// StorageAdapter persists processed images and returns their public URL.
// Implementations live in adapters/storage/.
type StorageAdapter interface {
	Put(ctx context.Context, key StorageKey, data []byte, opts PutOptions) (string, error)
}

// MetricsCollector receives performance observations.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d time.Duration)
	RecordThroughput(bytes int64)
	RecordError(stepName string, category string)
	RecordAdmission(pool string, held, waiting int)
	RecordFetch(outcome string)
	RecordTask(status string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Step is the fundamental pipeline building block.  Each Step transforms an
// *ImageData value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, img *ImageData) (*ImageData, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, img *ImageData)
	AfterStep(ctx context.Context, stepName string, img *ImageData, d time.Duration, err error)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordProcessingTime(string, time.Duration) {}
func (NopMetrics) RecordThroughput(int64)                     {}
func (NopMetrics) RecordError(string, string)                 {}
func (NopMetrics) RecordAdmission(string, int, int)           {}
func (NopMetrics) RecordFetch(string)                         {}
func (NopMetrics) RecordTask(string)                          {}
