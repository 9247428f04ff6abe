package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-board/domain"
)

const (
	tracerName         = "prism-board/board"
	operationEventName = "board.operation"
	spanPrefix         = "board."
)

// operation tracks one service call: a span plus a structured log entry
// emitted when it ends.
type operation struct {
	name   string
	logger *log.Logger
	span   trace.Span
	start  time.Time
	fields log.Fields
}

func (s *Service) startOp(ctx context.Context, name string) (context.Context, *operation) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanPrefix+name)
	return ctx, &operation{
		name:   name,
		logger: s.logger,
		span:   span,
		start:  time.Now(),
		fields: log.Fields{"op": name},
	}
}

func (o *operation) SetTaskID(id string) {
	o.fields["task"] = id
	o.span.SetAttributes(attribute.String("board.task_id", id))
}

func (o *operation) SetLane(l domain.Lane) {
	o.fields["lane"] = string(l)
	o.span.SetAttributes(attribute.String("board.lane", string(l)))
}

func (o *operation) SetResultCount(n int) {
	o.fields["result_count"] = n
	o.span.SetAttributes(attribute.Int("board.result_count", n))
}

// End closes the span and logs the outcome. It returns err unchanged so
// callers can write `return o.End(err)`.
func (o *operation) End(err error) error {
	duration := time.Since(o.start)
	o.fields["duration_ms"] = durationToMillis(duration)

	level := severityForError(err)
	if err != nil {
		code := errorCode(err)
		o.fields["error_code"] = code
		o.span.SetAttributes(attribute.String("board.error_code", code))
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	} else {
		o.span.SetStatus(codes.Ok, "")
	}
	if sc := o.span.SpanContext(); sc.HasTraceID() {
		o.fields["trace_id"] = sc.TraceID().String()
	}
	o.span.End()

	entry := o.logger.WithFields(o.fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(level, operationEventName)
	return err
}

// severityForError logs caller mistakes at warn and everything else that
// failed at error.
func severityForError(err error) log.Level {
	if err == nil {
		return log.InfoLevel
	}
	coded, ok := domain.AsCoded(err)
	if !ok {
		return log.ErrorLevel
	}
	switch coded.(type) {
	case *domain.BoardError:
		return log.ErrorLevel
	default:
		return log.WarnLevel
	}
}

func errorCode(err error) string {
	if coded, ok := domain.AsCoded(err); ok {
		return coded.Code()
	}
	return CodeUnexpected
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
