package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestGeneratesID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req, id := EnsureRequest(req)
	if id == "" {
		t.Fatal("expected a generated correlation id")
	}
	if !strings.HasPrefix(id, "corr-") {
		t.Fatalf("id=%q, want corr- prefix", id)
	}
	if got := req.Header.Get(HeaderName); got != id {
		t.Fatalf("header=%q, want %q", got, id)
	}
	fromCtx, ok := FromContext(req.Context())
	if !ok || fromCtx != id {
		t.Fatalf("context id=%q ok=%v, want %q", fromCtx, ok, id)
	}
}

func TestEnsureRequestKeepsExistingHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set(HeaderName, "corr-existing-1")
	_, id := EnsureRequest(req)
	if id != "corr-existing-1" {
		t.Fatalf("id=%q, want corr-existing-1", id)
	}
}

func TestEnsureRequestPrefersContextID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set(HeaderName, "corr-header-1")
	req = req.WithContext(WithContext(req.Context(), "corr-ctx-1"))

	req, id := EnsureRequest(req)
	if id != "corr-ctx-1" {
		t.Fatalf("id=%q, want corr-ctx-1", id)
	}
	if got := req.Header.Get(HeaderName); got != "corr-ctx-1" {
		t.Fatalf("header=%q, want corr-ctx-1", got)
	}
}

func TestFromHeadersCandidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "empty", headers: nil, want: ""},
		{name: "canonical header", headers: map[string]string{HeaderName: "corr-1"}, want: "corr-1"},
		{name: "request id fallback", headers: map[string]string{"X-Request-ID": "req-1"}, want: "req-1"},
		{name: "correlation id fallback", headers: map[string]string{"X-Correlation-ID": "cid-1"}, want: "cid-1"},
		{
			name: "canonical wins over fallback",
			headers: map[string]string{
				HeaderName:     "corr-1",
				"X-Request-ID": "req-1",
			},
			want: "corr-1",
		},
		{name: "invalid characters rejected", headers: map[string]string{HeaderName: "bad id with spaces"}, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			headers := http.Header{}
			for key, value := range tt.headers {
				headers.Set(key, value)
			}
			if tt.headers == nil {
				headers = nil
			}
			if got := FromHeaders(headers); got != tt.want {
				t.Fatalf("FromHeaders()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "  corr-1  ")
	id, ok := FromContext(ctx)
	if !ok || id != "corr-1" {
		t.Fatalf("id=%q ok=%v, want corr-1", id, ok)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a correlation id")
	}
}

func TestWithContextRejectsInvalidID(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "bad id\n")
	if _, ok := FromContext(ctx); ok {
		t.Fatal("invalid id must not be stored")
	}
}

func TestNormalizeIDTruncatesLongValues(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", maxIDLen+32)
	if got := normalizeID(long); len(got) != maxIDLen {
		t.Fatalf("normalized length=%d, want %d", len(got), maxIDLen)
	}
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool, 64)
	for i := 0; i < 64; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
