package ingest

import (
	"testing"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

func TestEventsForTraceMapsTraceAndGeneration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := &trace.Trace{
		ID:        "tr-1",
		Name:      "chat_conversation",
		UserID:    "user-1",
		SessionID: "sess-1",
		Input:     "hello",
		Output:    "hi there",
		Status:    trace.StatusSuccess,
		StartTime: start,
		EndTime:   start.Add(150 * time.Millisecond),
		Spans: []*trace.Span{{
			ID:               "sp-1",
			TraceID:          "tr-1",
			Name:             "openai_chat_completion",
			Type:             trace.SpanTypeGeneration,
			Model:            "gpt-4o-mini",
			Status:           trace.StatusSuccess,
			StartTime:        start,
			EndTime:          start.Add(140 * time.Millisecond),
			PromptTokens:     9,
			CompletionTokens: 4,
			TotalTokens:      13,
		}},
	}

	events := eventsForTrace(tr)
	if len(events) != 2 {
		t.Fatalf("event count=%d, want 2", len(events))
	}

	traceEvent := events[0]
	if traceEvent.Type != eventTypeTraceCreate {
		t.Fatalf("trace event type=%q", traceEvent.Type)
	}
	traceBody, ok := traceEvent.Body.(traceEventBody)
	if !ok {
		t.Fatalf("trace event body type %T", traceEvent.Body)
	}
	if traceBody.ID != "tr-1" || traceBody.SessionID != "sess-1" || traceBody.UserID != "user-1" {
		t.Fatalf("trace body mismatch: %+v", traceBody)
	}
	if traceBody.Metadata["status"] != trace.StatusSuccess {
		t.Fatalf("trace body status=%v", traceBody.Metadata["status"])
	}

	generationEvent := events[1]
	if generationEvent.Type != eventTypeGenerationCreate {
		t.Fatalf("generation event type=%q", generationEvent.Type)
	}
	generationBody, ok := generationEvent.Body.(observationEventBody)
	if !ok {
		t.Fatalf("generation event body type %T", generationEvent.Body)
	}
	if generationBody.TraceID != "tr-1" || generationBody.Model != "gpt-4o-mini" {
		t.Fatalf("generation body mismatch: %+v", generationBody)
	}
	if generationBody.Level != levelDefault {
		t.Fatalf("generation level=%q, want %q", generationBody.Level, levelDefault)
	}
	if generationBody.Usage == nil {
		t.Fatal("generation usage missing")
	}
	if generationBody.Usage.Input != 9 || generationBody.Usage.Output != 4 || generationBody.Usage.Total != 13 {
		t.Fatalf("usage mismatch: %+v", generationBody.Usage)
	}
	if generationBody.Usage.Unit != "TOKENS" {
		t.Fatalf("usage unit=%q, want TOKENS", generationBody.Usage.Unit)
	}
}

func TestEventsForTraceMarksErrorLevel(t *testing.T) {
	t.Parallel()

	tr := finishedTrace(trace.StatusError)
	events := eventsForTrace(tr)
	if len(events) != 2 {
		t.Fatalf("event count=%d, want 2", len(events))
	}

	body, ok := events[1].Body.(observationEventBody)
	if !ok {
		t.Fatalf("event body type %T", events[1].Body)
	}
	if body.Level != levelError {
		t.Fatalf("level=%q, want %q", body.Level, levelError)
	}
	if body.StatusMessage == "" {
		t.Fatal("error observation must carry a status message")
	}
}

func TestEventsForTracePlainSpanHasNoUsage(t *testing.T) {
	t.Parallel()

	tr := trace.NewTrace("chat_conversation")
	span := trace.NewSpan(tr.ID, "persist_trace", trace.SpanTypeSpan)
	span.End(trace.StatusSuccess, "", "")
	tr.Spans = append(tr.Spans, span)
	tr.End(trace.StatusSuccess, "")

	events := eventsForTrace(tr)
	if len(events) != 2 {
		t.Fatalf("event count=%d, want 2", len(events))
	}
	if events[1].Type != eventTypeSpanCreate {
		t.Fatalf("span event type=%q, want %q", events[1].Type, eventTypeSpanCreate)
	}
	body, ok := events[1].Body.(observationEventBody)
	if !ok {
		t.Fatalf("event body type %T", events[1].Body)
	}
	if body.Usage != nil || body.Model != "" {
		t.Fatalf("plain span must not carry model or usage: %+v", body)
	}
}

func TestEventsForTraceNil(t *testing.T) {
	t.Parallel()

	if events := eventsForTrace(nil); events != nil {
		t.Fatalf("events for nil trace=%v, want nil", events)
	}
}
