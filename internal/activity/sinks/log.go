package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/activity"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Errors and failed sessions log at warn.
func (s *LogSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.String("source", evt.Source),
			zap.Time("event_ts", evt.TS),
		}
		if evt.SessionID != "" {
			fields = append(fields, zap.String("session_id", evt.SessionID))
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category), zap.Int("page", evt.Page))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Kind == activity.KindHTTPRequest {
			fields = append(fields,
				zap.String("method", evt.Method),
				zap.Int("status", evt.StatusCode),
				zap.Bool("used_proxy", evt.UsedProxy),
				zap.String("proxy_host", evt.ProxyHost),
				zap.Int("attempts", evt.Attempts),
			)
		}
		if evt.Operation != "" {
			fields = append(fields, zap.String("operation", evt.Operation))
		}
		if evt.Items > 0 {
			fields = append(fields, zap.Int("items", evt.Items))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		for k, v := range evt.Fields {
			fields = append(fields, zap.String(k, v))
		}

		if isFailure(evt) {
			s.logger.Warn("activity", fields...)
			continue
		}
		s.logger.Debug("activity", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func isFailure(evt activity.Event) bool {
	switch evt.Kind {
	case activity.KindError, activity.KindSessionError, activity.KindProxyFallback:
		return true
	case activity.KindHTTPRequest:
		return evt.Message != ""
	default:
		return false
	}
}
