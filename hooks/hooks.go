// Package hooks provides the production Hook, Logger and MetricsCollector
// implementations.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
)

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each pipeline step.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStep(_ context.Context, stepName string, img *core.ImageData) {
	h.logger.Debug("pipeline.step.start",
		"step", stepName,
		"format", img.Format,
		"width", img.Meta.Width,
		"height", img.Meta.Height,
	)
}

func (h *LoggingHook) AfterStep(_ context.Context, stepName string, img *core.ImageData, d time.Duration, err error) {
	if err != nil {
		h.logger.Warn("pipeline.step.error",
			"step", stepName,
			"duration_ms", d.Milliseconds(),
			"category", categoryOf(err),
			"error", err.Error(),
		)
		return
	}
	out := "nil"
	if img != nil {
		out = fmt.Sprintf("%dx%d %s %dB", img.Meta.Width, img.Meta.Height, img.Format, len(img.Data))
	}
	h.logger.Debug("pipeline.step.done",
		"step", stepName,
		"duration_ms", d.Milliseconds(),
		"output", out,
	)
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds pipeline events into a MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStep(context.Context, string, *core.ImageData) {}

func (h *MetricsHook) AfterStep(_ context.Context, stepName string, _ *core.ImageData, d time.Duration, err error) {
	h.collector.RecordProcessingTime(stepName, d)
	if err != nil {
		h.collector.RecordError(stepName, categoryOf(err))
	}
}

func categoryOf(err error) string {
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		return string(pe.Category)
	}
	return string(apperrors.CategoryInternal)
}
