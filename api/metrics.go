package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "github.com/ilyrer/ImmoNow-sub004/api"
	tasksSpanName    = "api.board.tasks"
	tasksEventName   = "board.tasks.request"
	tasksEventDomain = "immonow.board"
	tasksRoute       = "/api/boards/:board/tasks"

	attrRoute            = "http.route"
	attrStatusCode       = "http.status_code"
	attrBoard            = "immonow.tasks.board"
	attrCriteriaProvided = "immonow.tasks.criteria_provided"
	attrTasksReturned    = "immonow.tasks.tasks_returned"
	attrTotalMS          = "immonow.tasks.total_ms"
	attrAuthMS           = "immonow.tasks.auth_ms"
	attrViewMS           = "immonow.tasks.view_ms"
	attrEncodeMS         = "immonow.tasks.encode_ms"
	attrErrorStage       = "immonow.tasks.error_stage"
	attrErrorMessage     = "error.message"
)

// taskRequestMetrics captures one task view request as a trace span
// plus a structured observability event. Observations are buffered
// until Log, which emits both and ends the span.
type taskRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration     time.Duration
	viewDuration     time.Duration
	encodeDuration   time.Duration
	board            string
	criteriaProvided bool
	tasksReturned    int
	errorStage       string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName)
	return &taskRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *taskRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *taskRequestMetrics) ObserveView(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.viewDuration = duration
}

func (m *taskRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *taskRequestMetrics) SetBoard(id string) {
	m.board = id
}

func (m *taskRequestMetrics) SetCriteriaProvided(provided bool) {
	m.criteriaProvided = provided
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the buffered observation: a log entry carrying the event
// attributes, the final span attributes and status, and a span event
// mirroring the log entry. The span is ended here.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	totalMS := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		attrRoute:            tasksRoute,
		attrStatusCode:       status,
		attrBoard:            m.board,
		attrCriteriaProvided: m.criteriaProvided,
		attrTasksReturned:    m.tasksReturned,
		attrTotalMS:          totalMS,
	}
	if m.authDuration > 0 {
		attrs[attrAuthMS] = durationToMillis(m.authDuration)
	}
	if m.viewDuration > 0 {
		attrs[attrViewMS] = durationToMillis(m.viewDuration)
	}
	if m.encodeDuration > 0 {
		attrs[attrEncodeMS] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs[attrErrorStage] = m.errorStage
	}
	if err != nil {
		attrs[attrErrorMessage] = err.Error()
	}

	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}

	if m.span != nil {
		spanAttrs := []attribute.KeyValue{
			attribute.String(attrRoute, tasksRoute),
			attribute.Int(attrStatusCode, status),
			attribute.String(attrBoard, m.board),
			attribute.Bool(attrCriteriaProvided, m.criteriaProvided),
			attribute.Int(attrTasksReturned, m.tasksReturned),
		}
		if m.errorStage != "" {
			spanAttrs = append(spanAttrs, attribute.String(attrErrorStage, m.errorStage))
		}
		m.span.SetAttributes(spanAttrs...)

		eventAttrs := []attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
			attribute.Float64(attrTotalMS, totalMS),
		}
		if m.errorStage != "" {
			eventAttrs = append(eventAttrs, attribute.String(attrErrorStage, m.errorStage))
		}
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String(attrErrorMessage, err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

		switch {
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}

		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		m.span.End()
	}

	m.logger.WithFields(fields).Log(levelForSeverity(severityText), "observability.event")
}

// severityForStatus maps an HTTP outcome onto the OpenTelemetry log
// severity scale: INFO=9, WARN=13, ERROR=17.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
