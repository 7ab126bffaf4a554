package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

func seedReportStore(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	store, err := trace.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	}()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []string{trace.StatusSuccess, trace.StatusSuccess, trace.StatusError} {
		tr := trace.NewTrace("chat_conversation")
		tr.SessionID = "sess-report"
		tr.UserID = "user-report"
		tr.Input = "hello"
		tr.StartTime = start.Add(time.Duration(i) * time.Minute)

		span := trace.NewSpan(tr.ID, "openai_chat_completion", trace.SpanTypeGeneration)
		span.Model = "gpt-4o-mini"
		span.StartTime = tr.StartTime
		span.PromptTokens = 10
		span.CompletionTokens = 5
		span.TotalTokens = 15
		span.End(status, "", "hi there")
		tr.Spans = append(tr.Spans, span)
		tr.End(status, "")
		tr.EndTime = tr.StartTime.Add(100 * time.Millisecond)

		if err := store.WriteTrace(context.Background(), tr); err != nil {
			t.Fatalf("write trace: %v", err)
		}
	}
	return dbPath
}

func writeReportConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chattrace.yaml")
	contents := "storage:\n  driver: sqlite\n  path: " + dbPath + "\nprovider:\n  api_key: sk-test\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunReportJSON(t *testing.T) {
	dbPath := seedReportStore(t)
	configPath := writeReportConfig(t, dbPath)

	var out, errOut bytes.Buffer
	code := runReport([]string{"--config", configPath, "--format", "json", "--session", "sess-report"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0 (stderr %q)", code, errOut.String())
	}

	var document reportDocument
	if err := json.Unmarshal(out.Bytes(), &document); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if document.SchemaVersion != reportSchemaVersion {
		t.Fatalf("schema_version=%q", document.SchemaVersion)
	}
	if document.Summary.TraceCount != 3 || document.Summary.ErrorCount != 1 {
		t.Fatalf("summary mismatch: %+v", document.Summary)
	}
	if document.Summary.TotalTokens != 45 {
		t.Fatalf("total_tokens=%d, want 45", document.Summary.TotalTokens)
	}
	if len(document.Recent) != 3 {
		t.Fatalf("recent traces=%d, want 3", len(document.Recent))
	}
	for _, item := range document.Recent {
		if item.TotalTokens != 15 {
			t.Fatalf("recent trace %s total_tokens=%d, want 15", item.ID, item.TotalTokens)
		}
	}
	if document.Filters.SessionID != "sess-report" {
		t.Fatalf("filters=%+v", document.Filters)
	}
}

func TestRunReportText(t *testing.T) {
	dbPath := seedReportStore(t)
	configPath := writeReportConfig(t, dbPath)

	var out, errOut bytes.Buffer
	code := runReport([]string{"--config", configPath, "--status", "error"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0 (stderr %q)", code, errOut.String())
	}
	text := out.String()
	if !strings.Contains(text, "chattrace usage report") {
		t.Fatalf("missing report header: %q", text)
	}
	if !strings.Contains(text, "traces: 1 (errors: 1)") {
		t.Fatalf("missing summary line: %q", text)
	}
	if !strings.Contains(text, "sess-report") {
		t.Fatalf("missing trace table row: %q", text)
	}
}

func TestRunReportRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad format", args: []string{"--format", "xml"}},
		{name: "bad status", args: []string{"--status", "pending"}},
		{name: "bad limit", args: []string{"--limit", "0"}},
		{name: "bad from", args: []string{"--from", "yesterday"}},
		{name: "to before from", args: []string{"--from", "2026-03-02", "--to", "2026-03-01"}},
		{name: "positional args", args: []string{"extra"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if code := runReport(tt.args, &out, &errOut); code != 2 {
				t.Fatalf("exit code=%d, want 2 (stderr %q)", code, errOut.String())
			}
		})
	}
}
