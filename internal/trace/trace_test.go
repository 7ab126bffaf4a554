package trace

import (
	"strings"
	"testing"
	"time"
)

func TestNewTraceAssignsIDAndTimestamps(t *testing.T) {
	t.Parallel()

	tr := NewTrace("chat_conversation")
	if !strings.HasPrefix(tr.ID, "tr-") {
		t.Fatalf("trace ID %q missing tr- prefix", tr.ID)
	}
	if tr.Name != "chat_conversation" {
		t.Fatalf("trace name=%q, want chat_conversation", tr.Name)
	}
	if tr.StartTime.IsZero() || tr.CreatedAt.IsZero() {
		t.Fatal("trace start and created timestamps must be set")
	}
	if tr.Closed() {
		t.Fatal("new trace must not be closed")
	}
}

func TestNewSpanCarriesParentTraceID(t *testing.T) {
	t.Parallel()

	span := NewSpan("tr-parent", "openai_chat_completion", SpanTypeGeneration)
	if !strings.HasPrefix(span.ID, "sp-") {
		t.Fatalf("span ID %q missing sp- prefix", span.ID)
	}
	if span.TraceID != "tr-parent" {
		t.Fatalf("span TraceID=%q, want tr-parent", span.TraceID)
	}
	if span.Type != SpanTypeGeneration {
		t.Fatalf("span Type=%q, want %q", span.Type, SpanTypeGeneration)
	}
}

func TestTraceEndSetsTerminalState(t *testing.T) {
	t.Parallel()

	tr := NewTrace("chat_conversation")
	tr.End(StatusError, "upstream failed")

	if !tr.Closed() {
		t.Fatal("ended trace must be closed")
	}
	if tr.Status != StatusError {
		t.Fatalf("status=%q, want %q", tr.Status, StatusError)
	}
	if tr.StatusMessage != "upstream failed" {
		t.Fatalf("status message=%q", tr.StatusMessage)
	}
	if tr.EndTime.Before(tr.StartTime) {
		t.Fatal("end time must not precede start time")
	}
}

func TestTraceEndClampsEndTime(t *testing.T) {
	t.Parallel()

	tr := NewTrace("chat_conversation")
	tr.StartTime = time.Now().UTC().Add(time.Hour)
	tr.End(StatusSuccess, "")

	if tr.EndTime.Before(tr.StartTime) {
		t.Fatal("end time must be clamped to start time")
	}
	if tr.DurationMS() != 0 {
		t.Fatalf("clamped duration=%d, want 0", tr.DurationMS())
	}
}

func TestSpanEndRecordsOutput(t *testing.T) {
	t.Parallel()

	span := NewSpan("tr-1", "openai_chat_completion", SpanTypeGeneration)
	span.End(StatusSuccess, "", "hello there")

	if span.Output != "hello there" {
		t.Fatalf("output=%q", span.Output)
	}
	if span.EndTime.Before(span.StartTime) {
		t.Fatal("span end time must not precede start time")
	}
}

func TestNormalizeTraceFillsDefaults(t *testing.T) {
	t.Parallel()

	row := normalizeTrace(&Trace{
		Spans: []*Span{nil, {Name: "child"}},
	})

	if row.ID == "" {
		t.Fatal("normalized trace must have an ID")
	}
	if row.Status != StatusError {
		t.Fatalf("default status=%q, want %q", row.Status, StatusError)
	}
	if row.StartTime.IsZero() || row.EndTime.IsZero() || row.CreatedAt.IsZero() {
		t.Fatal("normalized trace must have timestamps")
	}
	if len(row.Spans) != 1 {
		t.Fatalf("span count=%d, want 1 (nil spans dropped)", len(row.Spans))
	}
	if row.Spans[0].TraceID != row.ID {
		t.Fatalf("span TraceID=%q, want %q", row.Spans[0].TraceID, row.ID)
	}
	if row.Spans[0].Type != SpanTypeSpan {
		t.Fatalf("default span type=%q, want %q", row.Spans[0].Type, SpanTypeSpan)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool, 200)
	for i := 0; i < 100; i++ {
		traceID := NewTraceID()
		spanID := NewSpanID()
		if seen[traceID] || seen[spanID] {
			t.Fatal("duplicate identifier generated")
		}
		seen[traceID] = true
		seen[spanID] = true
	}
}
