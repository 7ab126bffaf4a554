package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

type capturedBatch struct {
	authUser string
	authPass string
	envelope batchEnvelope
}

type captureBackend struct {
	mu      sync.Mutex
	batches []capturedBatch
	status  int
}

func (b *captureBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ingestionPath {
			t.Errorf("unexpected ingestion path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		user, pass, _ := r.BasicAuth()

		var envelope batchEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Errorf("decode ingestion batch: %v", err)
		}

		b.mu.Lock()
		b.batches = append(b.batches, capturedBatch{authUser: user, authPass: pass, envelope: envelope})
		status := b.status
		b.mu.Unlock()

		if status == 0 {
			status = http.StatusMultiStatus
		}
		w.WriteHeader(status)
	}
}

func (b *captureBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func finishedTrace(status string) *trace.Trace {
	tr := trace.NewTrace("chat_conversation")
	tr.SessionID = "sess-1"
	tr.Input = "hello"
	span := trace.NewSpan(tr.ID, "openai_chat_completion", trace.SpanTypeGeneration)
	span.Model = "gpt-4o-mini"
	span.PromptTokens = 9
	span.CompletionTokens = 4
	span.TotalTokens = 13
	if status == trace.StatusError {
		span.End(trace.StatusError, "upstream call failed", "upstream call failed")
		tr.Spans = append(tr.Spans, span)
		tr.End(trace.StatusError, "upstream call failed")
		return tr
	}
	span.End(trace.StatusSuccess, "", "hi there")
	tr.Spans = append(tr.Spans, span)
	tr.Output = "hi there"
	tr.End(trace.StatusSuccess, "")
	return tr
}

func shutdownClient(t *testing.T, client *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown ingest client: %v", err)
	}
}

func TestClientDeliversBatchWithBasicAuth(t *testing.T) {
	t.Parallel()

	backend := &captureBackend{}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	client, err := NewClient(Options{
		Endpoint:      server.URL,
		PublicKey:     "pk-test",
		SecretKey:     "sk-test",
		FlushInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Start(context.Background())

	if !client.Enqueue(finishedTrace(trace.StatusSuccess)) {
		t.Fatal("enqueue unexpectedly failed")
	}
	shutdownClient(t, client)

	if got := backend.batchCount(); got != 1 {
		t.Fatalf("batch count=%d, want 1", got)
	}
	batch := backend.batches[0]
	if batch.authUser != "pk-test" || batch.authPass != "sk-test" {
		t.Fatalf("basic auth=%q:%q, want pk-test:sk-test", batch.authUser, batch.authPass)
	}
	if len(batch.envelope.Batch) != 2 {
		t.Fatalf("event count=%d, want 2 (trace + generation)", len(batch.envelope.Batch))
	}
	if batch.envelope.Batch[0].Type != eventTypeTraceCreate {
		t.Fatalf("first event type=%q, want %q", batch.envelope.Batch[0].Type, eventTypeTraceCreate)
	}
	if batch.envelope.Batch[1].Type != eventTypeGenerationCreate {
		t.Fatalf("second event type=%q, want %q", batch.envelope.Batch[1].Type, eventTypeGenerationCreate)
	}
	if got := client.DeliveredTotal(); got != 1 {
		t.Fatalf("DeliveredTotal()=%d, want 1", got)
	}
}

func TestClientDeliveryFailureIsContained(t *testing.T) {
	t.Parallel()

	backend := &captureBackend{status: http.StatusInternalServerError}
	server := httptest.NewServer(backend.handler(t))
	defer server.Close()

	failures := make(chan int, 4)
	client, err := NewClient(Options{
		Endpoint:      server.URL,
		PublicKey:     "pk-test",
		SecretKey:     "sk-test",
		FlushInterval: 10 * time.Millisecond,
		OnDeliveryFailure: func(err error, batchSize int) {
			if err == nil {
				t.Error("delivery failure callback received nil error")
			}
			failures <- batchSize
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Start(context.Background())

	if !client.Enqueue(finishedTrace(trace.StatusError)) {
		t.Fatal("enqueue unexpectedly failed")
	}
	shutdownClient(t, client)

	select {
	case batchSize := <-failures:
		if batchSize != 1 {
			t.Fatalf("failed batch size=%d, want 1", batchSize)
		}
	default:
		t.Fatal("expected a delivery failure callback")
	}
	if got := client.DeliveredTotal(); got != 0 {
		t.Fatalf("DeliveredTotal()=%d, want 0", got)
	}
}

func TestClientEnqueueDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	// Never started, so the queue is not drained.
	client, err := NewClient(Options{
		Endpoint:   "http://localhost:0",
		BufferSize: 2,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if !client.Enqueue(finishedTrace(trace.StatusSuccess)) {
		t.Fatal("first enqueue unexpectedly failed")
	}
	if !client.Enqueue(finishedTrace(trace.StatusSuccess)) {
		t.Fatal("second enqueue unexpectedly failed")
	}
	if client.Enqueue(finishedTrace(trace.StatusSuccess)) {
		t.Fatal("third enqueue should drop when the buffer is full")
	}
	if got := client.DroppedTotal(); got != 1 {
		t.Fatalf("DroppedTotal()=%d, want 1", got)
	}
}

func TestClientEnqueueAfterShutdownReturnsFalse(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Options{Endpoint: "http://localhost:0"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Start(context.Background())
	shutdownClient(t, client)

	if client.Enqueue(finishedTrace(trace.StatusSuccess)) {
		t.Fatal("enqueue after shutdown should return false")
	}
}
