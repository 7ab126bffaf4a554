package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")

// Store persists finished traces together with their spans.
type Store interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error)
	CountTraces(ctx context.Context) (int64, error)
	GetUsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error)
}

// Filter narrows trace queries. Zero values match everything.
type Filter struct {
	UserID    string
	SessionID string
	Status    string
	From      time.Time
	To        time.Time
	Before    time.Time
	Limit     int
}

// UsageSummary aggregates token and latency figures across matching traces.
type UsageSummary struct {
	TraceCount            int64
	ErrorCount            int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TotalTokens           int64
	AvgLatencyMS          float64
}
