package ingest

import (
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

// Event types understood by the ingestion API.
const (
	eventTypeTraceCreate      = "trace-create"
	eventTypeGenerationCreate = "generation-create"
	eventTypeSpanCreate       = "span-create"
)

// Observation levels reported alongside span events.
const (
	levelDefault = "DEFAULT"
	levelError   = "ERROR"
)

type batchEnvelope struct {
	Batch []event `json:"batch"`
}

type event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body"`
}

type traceEventBody struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

type observationEventBody struct {
	ID            string         `json:"id"`
	TraceID       string         `json:"traceId"`
	Name          string         `json:"name,omitempty"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Level         string         `json:"level,omitempty"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Input         any            `json:"input,omitempty"`
	Output        any            `json:"output,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Generation-only fields.
	Model string      `json:"model,omitempty"`
	Usage *usageEvent `json:"usage,omitempty"`
}

type usageEvent struct {
	Input  int    `json:"input,omitempty"`
	Output int    `json:"output,omitempty"`
	Total  int    `json:"total,omitempty"`
	Unit   string `json:"unit,omitempty"`
}

// eventsForTrace converts one finished trace, spans included, into the
// ingestion batch events that represent it.
func eventsForTrace(t *trace.Trace) []event {
	if t == nil {
		return nil
	}

	events := make([]event, 0, 1+len(t.Spans))
	events = append(events, event{
		ID:        t.ID + ":trace",
		Type:      eventTypeTraceCreate,
		Timestamp: t.StartTime,
		Body: traceEventBody{
			ID:        t.ID,
			Name:      t.Name,
			Timestamp: t.StartTime,
			UserID:    t.UserID,
			SessionID: t.SessionID,
			Input:     t.Input,
			Output:    t.Output,
			Metadata: map[string]any{
				"status":         t.Status,
				"status_message": t.StatusMessage,
				"duration_ms":    t.DurationMS(),
			},
			Tags: []string{"chattrace"},
		},
	})

	for _, span := range t.Spans {
		if span == nil {
			continue
		}
		body := observationEventBody{
			ID:            span.ID,
			TraceID:       span.TraceID,
			Name:          span.Name,
			StartTime:     span.StartTime,
			EndTime:       span.EndTime,
			Level:         levelDefault,
			StatusMessage: span.StatusMessage,
			Input:         span.Input,
			Output:        span.Output,
		}
		if span.Status == trace.StatusError {
			body.Level = levelError
		}

		eventType := eventTypeSpanCreate
		if span.Type == trace.SpanTypeGeneration {
			eventType = eventTypeGenerationCreate
			body.Model = span.Model
			if span.TotalTokens > 0 || span.PromptTokens > 0 || span.CompletionTokens > 0 {
				body.Usage = &usageEvent{
					Input:  span.PromptTokens,
					Output: span.CompletionTokens,
					Total:  span.TotalTokens,
					Unit:   "TOKENS",
				}
			}
		}

		events = append(events, event{
			ID:        span.ID + ":" + eventType,
			Type:      eventType,
			Timestamp: span.EndTime,
			Body:      body,
		})
	}

	return events
}
