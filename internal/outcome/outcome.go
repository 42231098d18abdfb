// Package outcome emits the per-request record of a forwarded call.
package outcome

import (
	"context"
	"log/slog"
	"strconv"

	"gemini-tunnel/internal/metrics"
	"gemini-tunnel/internal/model"
)

// Recorder writes one log line, and optionally one counter increment, per outcome.
type Recorder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder. The metrics parameter is optional.
func NewRecorder(logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		logger:  logger.With("component", "outcome"),
		metrics: m,
	}
}

// Level returns the severity for an outcome: error when an error message is
// attached, warn for status >= 400, info otherwise.
func Level(o model.Outcome) slog.Level {
	switch {
	case o.Error != "":
		return slog.LevelError
	case o.Status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Record emits o. The API key itself is never part of an outcome.
func (r *Recorder) Record(ctx context.Context, o model.Outcome) {
	attrs := []slog.Attr{
		slog.String("method", o.Method),
		slog.String("path", o.Path),
		slog.Int("status", o.Status),
		slog.Float64("duration_ms", float64(o.Duration.Microseconds())/1000),
		slog.String("api_key_source", string(o.Source)),
	}
	if o.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", o.RequestID))
	}
	if o.Error != "" {
		attrs = append(attrs, slog.String("error", o.Error))
	}

	r.logger.LogAttrs(ctx, Level(o), "forward", attrs...)

	if r.metrics != nil {
		r.metrics.ForwardOutcomes.WithLabelValues(strconv.Itoa(o.Status), string(o.Source)).Inc()
	}
}
