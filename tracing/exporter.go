package tracing

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogExporter writes every ended span to a zap logger at debug level.
type LogExporter struct {
	Logger *zap.Logger
}

var _ sdktrace.SpanExporter = LogExporter{}

func (e LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		fields := []zap.Field{
			zap.String("span", s.Name()),
			zap.Stringer("kind", s.SpanKind()),
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		}
		if p := s.Parent(); p.IsValid() {
			fields = append(fields, zap.String("parent_id", p.SpanID().String()))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		if st := s.Status(); st.Code == codes.Error {
			fields = append(fields, zap.String("error", st.Description))
		}
		e.Logger.Debug("span ended", fields...)
	}
	return nil
}

func (LogExporter) Shutdown(context.Context) error { return nil }
