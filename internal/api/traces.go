package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

type tracesResponse struct {
	Items      []traceSummary `json:"items"`
	NextBefore string         `json:"next_before,omitempty"`
}

type traceSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	UserID        string    `json:"user_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	SpanCount     int       `json:"span_count"`
	TotalTokens   int       `json:"total_tokens"`
	StartTime     time.Time `json:"start_time"`
	CreatedAt     time.Time `json:"created_at"`
}

type traceDetail struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	UserID        string       `json:"user_id,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	Input         string       `json:"input,omitempty"`
	Output        string       `json:"output,omitempty"`
	Status        string       `json:"status"`
	StatusMessage string       `json:"status_message,omitempty"`
	Metadata      any          `json:"metadata,omitempty"`
	DurationMS    int64        `json:"duration_ms"`
	StartTime     time.Time    `json:"start_time"`
	EndTime       time.Time    `json:"end_time"`
	CreatedAt     time.Time    `json:"created_at"`
	Spans         []spanDetail `json:"spans"`
}

type spanDetail struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	Model            string    `json:"model,omitempty"`
	Input            any       `json:"input,omitempty"`
	Output           string    `json:"output,omitempty"`
	Status           string    `json:"status"`
	StatusMessage    string    `json:"status_message,omitempty"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
}

type usageReport struct {
	TraceCount            int64   `json:"trace_count"`
	ErrorCount            int64   `json:"error_count"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	AvgLatencyMS          float64 `json:"avg_latency_ms"`
}

func TracesHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		items, err := store.QueryTraces(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query traces")
			return
		}

		summaries := make([]traceSummary, 0, len(items))
		for _, item := range items {
			summaries = append(summaries, summarizeTrace(item))
		}

		response := tracesResponse{Items: summaries}
		if filter.Limit > 0 && len(items) == filter.Limit {
			response.NextBefore = items[len(items)-1].CreatedAt.Format(time.RFC3339Nano)
		}
		writeJSON(w, http.StatusOK, response)
	})
}

func TraceDetailHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		id, ok := parseTraceID(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		item, err := store.GetTrace(r.Context(), id)
		if err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				writeError(w, http.StatusNotFound, "trace not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to read trace")
			return
		}

		writeJSON(w, http.StatusOK, detailTrace(item))
	})
}

// UsageHandler serves GET /api/reports/usage with aggregate token and
// latency figures over the stored traces.
func UsageHandler(store trace.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		summary, err := store.GetUsageSummary(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to aggregate usage")
			return
		}

		writeJSON(w, http.StatusOK, usageReport{
			TraceCount:            summary.TraceCount,
			ErrorCount:            summary.ErrorCount,
			TotalPromptTokens:     summary.TotalPromptTokens,
			TotalCompletionTokens: summary.TotalCompletionTokens,
			TotalTokens:           summary.TotalTokens,
			AvgLatencyMS:          summary.AvgLatencyMS,
		})
	})
}

const defaultTraceListLimit = 50

func parseTraceFilter(r *http.Request) (trace.Filter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return trace.Filter{}, err
	}
	// The stores clamp an unset limit to the same default; resolving it here
	// keeps the pagination cursor comparison against the effective page size.
	if limit <= 0 {
		limit = defaultTraceListLimit
	}

	status := strings.TrimSpace(query.Get("status"))
	if status != "" && status != trace.StatusSuccess && status != trace.StatusError {
		return trace.Filter{}, fmt.Errorf("status must be %q or %q", trace.StatusSuccess, trace.StatusError)
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return trace.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return trace.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return trace.Filter{}, fmt.Errorf("to must be greater than or equal to from")
	}
	before, err := parseTimeQuery(query.Get("before"), false)
	if err != nil {
		return trace.Filter{}, fmt.Errorf("invalid before: %w", err)
	}

	return trace.Filter{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Status:    status,
		From:      from,
		To:        to,
		Before:    before,
		Limit:     limit,
	}, nil
}

func summarizeTrace(item *trace.Trace) traceSummary {
	totalTokens := 0
	for _, span := range item.Spans {
		totalTokens += span.TotalTokens
	}
	return traceSummary{
		ID:            item.ID,
		Name:          item.Name,
		UserID:        item.UserID,
		SessionID:     item.SessionID,
		Status:        item.Status,
		StatusMessage: item.StatusMessage,
		DurationMS:    item.DurationMS(),
		SpanCount:     len(item.Spans),
		TotalTokens:   totalTokens,
		StartTime:     item.StartTime,
		CreatedAt:     item.CreatedAt,
	}
}

func detailTrace(item *trace.Trace) traceDetail {
	spans := make([]spanDetail, 0, len(item.Spans))
	for _, span := range item.Spans {
		spans = append(spans, spanDetail{
			ID:               span.ID,
			Name:             span.Name,
			Type:             span.Type,
			Model:            span.Model,
			Input:            decodeJSONField(span.Input),
			Output:           span.Output,
			Status:           span.Status,
			StatusMessage:    span.StatusMessage,
			StartTime:        span.StartTime,
			EndTime:          span.EndTime,
			PromptTokens:     span.PromptTokens,
			CompletionTokens: span.CompletionTokens,
			TotalTokens:      span.TotalTokens,
		})
	}

	return traceDetail{
		ID:            item.ID,
		Name:          item.Name,
		UserID:        item.UserID,
		SessionID:     item.SessionID,
		Input:         item.Input,
		Output:        item.Output,
		Status:        item.Status,
		StatusMessage: item.StatusMessage,
		Metadata:      decodeJSONField(item.Metadata),
		DurationMS:    item.DurationMS(),
		StartTime:     item.StartTime,
		EndTime:       item.EndTime,
		CreatedAt:     item.CreatedAt,
		Spans:         spans,
	}
}

func parseTraceID(path string) (string, bool) {
	prefix := "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func decodeJSONField(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
