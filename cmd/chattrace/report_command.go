package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chattrace/chattrace/internal/config"
	"github.com/chattrace/chattrace/internal/trace"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Storage       reportStorageInfo `json:"storage"`
	Filters       reportFilterInfo  `json:"filters"`
	Summary       reportSummaryInfo `json:"summary"`
	Recent        []reportTraceInfo `json:"recent_traces"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	UserID    string     `json:"user_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Limit     int        `json:"limit"`
}

type reportSummaryInfo struct {
	TraceCount            int64   `json:"trace_count"`
	ErrorCount            int64   `json:"error_count"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	AvgLatencyMS          float64 `json:"avg_latency_ms"`
}

type reportTraceInfo struct {
	ID          string    `json:"id"`
	StartTime   time.Time `json:"start_time"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Status      string    `json:"status"`
	TotalTokens int       `json:"total_tokens"`
	DurationMS  int64     `json:"duration_ms"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	userID := flagSet.String("user", "", "User filter")
	sessionID := flagSet.String("session", "", "Session filter")
	status := flagSet.String("status", "", "Status filter: success or error")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent trace count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat := strings.ToLower(strings.TrimSpace(*format))
	if normalizedFormat == "" {
		normalizedFormat = defaultReportFormat
	}
	if normalizedFormat != "text" && normalizedFormat != "json" {
		fmt.Fprintf(errOut, "report format must be text or json (got %q)\n", *format)
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}
	normalizedStatus := strings.TrimSpace(*status)
	if normalizedStatus != "" && normalizedStatus != trace.StatusSuccess && normalizedStatus != trace.StatusError {
		fmt.Fprintf(errOut, "status must be %s or %s (got %q)\n", trace.StatusSuccess, trace.StatusError, *status)
		return 2
	}

	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}

	store, closeStore, err := newTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
		}
	}()

	filter := trace.Filter{
		UserID:    strings.TrimSpace(*userID),
		SessionID: strings.TrimSpace(*sessionID),
		Status:    normalizedStatus,
		From:      from,
		To:        to,
		Limit:     *limit,
	}

	ctx := context.Background()
	summary, err := store.GetUsageSummary(ctx, filter)
	if err != nil {
		fmt.Fprintf(errOut, "failed to aggregate usage: %v\n", err)
		return 1
	}
	recent, err := store.QueryTraces(ctx, filter)
	if err != nil {
		fmt.Fprintf(errOut, "failed to query recent traces: %v\n", err)
		return 1
	}

	document := buildReportDocument(cfg, filter, summary, recent)
	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(document); err != nil {
			fmt.Fprintf(errOut, "failed to encode report: %v\n", err)
			return 1
		}
		return 0
	}

	writeTextReport(out, document)
	return 0
}

func buildReportDocument(cfg config.Config, filter trace.Filter, summary *trace.UsageSummary, recent []*trace.Trace) reportDocument {
	filters := reportFilterInfo{
		UserID:    filter.UserID,
		SessionID: filter.SessionID,
		Status:    filter.Status,
		Limit:     filter.Limit,
	}
	if !filter.From.IsZero() {
		from := filter.From
		filters.From = &from
	}
	if !filter.To.IsZero() {
		to := filter.To
		filters.To = &to
	}

	traces := make([]reportTraceInfo, 0, len(recent))
	for _, item := range recent {
		totalTokens := 0
		for _, span := range item.Spans {
			totalTokens += span.TotalTokens
		}
		traces = append(traces, reportTraceInfo{
			ID:          item.ID,
			StartTime:   item.StartTime,
			UserID:      item.UserID,
			SessionID:   item.SessionID,
			Status:      item.Status,
			TotalTokens: totalTokens,
			DurationMS:  item.DurationMS(),
		})
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage: reportStorageInfo{
			Driver: cfg.Storage.Driver,
			Path:   cfg.Storage.Path,
		},
		Filters: filters,
		Summary: reportSummaryInfo{
			TraceCount:            summary.TraceCount,
			ErrorCount:            summary.ErrorCount,
			TotalPromptTokens:     summary.TotalPromptTokens,
			TotalCompletionTokens: summary.TotalCompletionTokens,
			TotalTokens:           summary.TotalTokens,
			AvgLatencyMS:          summary.AvgLatencyMS,
		},
		Recent: traces,
	}
}

func writeTextReport(out io.Writer, document reportDocument) {
	fmt.Fprintf(out, "chattrace usage report (%s)\n", document.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "storage: %s", document.Storage.Driver)
	if document.Storage.Path != "" {
		fmt.Fprintf(out, " (%s)", document.Storage.Path)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "traces: %d (errors: %d)\n", document.Summary.TraceCount, document.Summary.ErrorCount)
	fmt.Fprintf(out, "tokens: %d prompt, %d completion, %d total\n",
		document.Summary.TotalPromptTokens,
		document.Summary.TotalCompletionTokens,
		document.Summary.TotalTokens,
	)
	fmt.Fprintf(out, "avg latency: %.1f ms\n", document.Summary.AvgLatencyMS)
	fmt.Fprintln(out)

	if len(document.Recent) == 0 {
		fmt.Fprintln(out, "no traces matched the filters")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TIME\tID\tSESSION\tSTATUS\tTOKENS\tDURATION_MS")
	for _, item := range document.Recent {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\n",
			item.StartTime.Format(time.RFC3339),
			item.ID,
			item.SessionID,
			item.Status,
			item.TotalTokens,
			item.DurationMS,
		)
	}
	_ = writer.Flush()
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
