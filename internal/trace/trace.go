package trace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Trace status values. A trace is only handed to sinks once it carries one
// of these terminal states.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Span types. Generations are LLM calls and carry token usage; plain spans
// cover everything else.
const (
	SpanTypeGeneration = "generation"
	SpanTypeSpan       = "span"
)

// Trace is the top-level record of one chat interaction. A trace owns its
// spans: they are written, queried, and delivered together.
type Trace struct {
	ID            string
	Name          string
	UserID        string
	SessionID     string
	Input         string
	Output        string
	Status        string
	StatusMessage string
	Metadata      string
	StartTime     time.Time
	EndTime       time.Time
	CreatedAt     time.Time
	Spans         []*Span
}

// Span is a timed sub-operation within a trace. The parent trace identifier
// is carried explicitly rather than through ambient context.
type Span struct {
	ID               string
	TraceID          string
	Name             string
	Type             string
	Model            string
	Input            string
	Output           string
	Status           string
	StatusMessage    string
	StartTime        time.Time
	EndTime          time.Time
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewTrace opens a trace with a fresh identifier and a start timestamp.
func NewTrace(name string) *Trace {
	now := time.Now().UTC()
	return &Trace{
		ID:        NewTraceID(),
		Name:      name,
		StartTime: now,
		CreatedAt: now,
	}
}

// NewSpan opens a span under the given parent trace identifier.
func NewSpan(traceID, name, spanType string) *Span {
	return &Span{
		ID:        NewSpanID(),
		TraceID:   traceID,
		Name:      name,
		Type:      spanType,
		StartTime: time.Now().UTC(),
	}
}

// End closes the trace with a terminal status. The end timestamp never
// precedes the start timestamp.
func (t *Trace) End(status, statusMessage string) {
	if t == nil {
		return
	}
	t.Status = status
	t.StatusMessage = statusMessage
	t.EndTime = time.Now().UTC()
	if t.EndTime.Before(t.StartTime) {
		t.EndTime = t.StartTime
	}
}

// End closes the span with a terminal status and output payload.
func (s *Span) End(status, statusMessage, output string) {
	if s == nil {
		return
	}
	s.Status = status
	s.StatusMessage = statusMessage
	s.Output = output
	s.EndTime = time.Now().UTC()
	if s.EndTime.Before(s.StartTime) {
		s.EndTime = s.StartTime
	}
}

// Closed reports whether the trace carries a terminal status and end time.
func (t *Trace) Closed() bool {
	return t != nil && !t.EndTime.IsZero() && (t.Status == StatusSuccess || t.Status == StatusError)
}

// DurationMS returns the trace duration in milliseconds.
func (t *Trace) DurationMS() int64 {
	if t == nil || t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime).Milliseconds()
}

// NewTraceID returns a new opaque trace identifier.
func NewTraceID() string {
	return newID("tr")
}

// NewSpanID returns a new opaque span identifier.
func NewSpanID() string {
	return newID("sp")
}

func newID(prefix string) string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + hex.EncodeToString(bytes[:])
}

// normalizeTrace fills identifier and timestamp defaults so stores never
// persist zero values, and pins the end-after-start invariant.
func normalizeTrace(t *Trace) *Trace {
	if t == nil {
		return nil
	}
	row := *t
	if row.ID == "" {
		row.ID = NewTraceID()
	}
	if row.StartTime.IsZero() {
		row.StartTime = time.Now().UTC()
	}
	row.StartTime = row.StartTime.UTC()
	if row.EndTime.IsZero() || row.EndTime.Before(row.StartTime) {
		row.EndTime = row.StartTime
	}
	row.EndTime = row.EndTime.UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.StartTime
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.Status == "" {
		row.Status = StatusError
	}

	row.Spans = make([]*Span, 0, len(t.Spans))
	for _, span := range t.Spans {
		if span == nil {
			continue
		}
		row.Spans = append(row.Spans, normalizeSpan(span, row.ID))
	}
	return &row
}

func normalizeSpan(s *Span, traceID string) *Span {
	row := *s
	if row.ID == "" {
		row.ID = NewSpanID()
	}
	row.TraceID = traceID
	if row.Type == "" {
		row.Type = SpanTypeSpan
	}
	if row.StartTime.IsZero() {
		row.StartTime = time.Now().UTC()
	}
	row.StartTime = row.StartTime.UTC()
	if row.EndTime.IsZero() || row.EndTime.Before(row.StartTime) {
		row.EndTime = row.StartTime
	}
	row.EndTime = row.EndTime.UTC()
	if row.Status == "" {
		row.Status = StatusError
	}
	return &row
}
