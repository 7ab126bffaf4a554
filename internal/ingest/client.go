// Package ingest delivers finished traces to the observability backend.
//
// Delivery is strictly best-effort: enqueueing never blocks, delivery
// failures are logged and counted but never surfaced to the chat path,
// and a full buffer drops the trace rather than delaying the reply.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chattrace/chattrace/internal/trace"
)

const ingestionPath = "/api/public/ingestion"

const flushBatchSize = 32

// Options configures the ingestion client.
type Options struct {
	Endpoint      string
	PublicKey     string
	SecretKey     string
	BufferSize    int
	FlushInterval time.Duration
	Timeout       time.Duration
	// Transport lets callers wrap the outbound HTTP client, e.g. with
	// OpenTelemetry spans.
	Transport http.RoundTripper
	Logger    *slog.Logger
	// OnDeliveryFailure is invoked once per failed batch delivery.
	OnDeliveryFailure func(err error, batchSize int)
	// OnDrop is invoked when a trace is dropped because the buffer is full.
	OnDrop func()
}

// Client ships finished traces to the backend in batches from a single
// background worker.
type Client struct {
	endpoint  string
	publicKey string
	secretKey string
	http      *http.Client
	logger    *slog.Logger

	onDeliveryFailure func(err error, batchSize int)
	onDrop            func()

	queue         chan *trace.Trace
	flushInterval time.Duration

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex
	wg       sync.WaitGroup

	enqueuedTotal  atomic.Int64
	droppedTotal   atomic.Int64
	deliveredTotal atomic.Int64
	failedTotal    atomic.Int64
}

func NewClient(options Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(options.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("ingest endpoint cannot be empty")
	}

	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	flushInterval := options.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if options.Transport != nil {
		httpClient.Transport = options.Transport
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &Client{
		endpoint:          endpoint,
		publicKey:         options.PublicKey,
		secretKey:         options.SecretKey,
		http:              httpClient,
		logger:            logger,
		onDeliveryFailure: options.OnDeliveryFailure,
		onDrop:            options.OnDrop,
		queue:             make(chan *trace.Trace, bufferSize),
		flushInterval:     flushInterval,
		done:              make(chan struct{}),
	}, nil
}

// Start launches the background flush worker.
func (c *Client) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.markDone()

		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		pending := make([]*trace.Trace, 0, flushBatchSize)
		flush := func(flushCtx context.Context) {
			if len(pending) == 0 {
				return
			}
			c.deliver(flushCtx, pending)
			pending = pending[:0]
		}

		for {
			select {
			case <-ctx.Done():
				flush(context.Background())
				return
			case <-ticker.C:
				flush(ctx)
			case t, ok := <-c.queue:
				if !ok {
					// Drain whatever is buffered before exiting; shutdown is
					// bounded by the caller's context in Shutdown.
					flush(context.Background())
					return
				}
				if t != nil {
					pending = append(pending, t)
				}
				if len(pending) >= flushBatchSize {
					flush(ctx)
				}
			}
		}
	}()
}

// Enqueue hands a finished trace to the delivery queue. It never blocks:
// when the buffer is full the trace is dropped and false is returned.
func (c *Client) Enqueue(t *trace.Trace) bool {
	if c == nil || t == nil {
		return false
	}
	if c.stopped.Load() {
		return false
	}
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.stopped.Load() {
		return false
	}

	select {
	case c.queue <- t:
		c.enqueuedTotal.Add(1)
		return true
	default:
		c.droppedTotal.Add(1)
		if c.onDrop != nil {
			c.onDrop()
		}
		return false
	}
}

// Shutdown closes the queue and waits for the worker to drain it, bounded
// by the context deadline.
func (c *Client) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.queueMu.Lock()
		close(c.queue)
		c.queueMu.Unlock()
		if !c.started.Load() {
			c.markDone()
		}
	})

	select {
	case <-c.done:
		c.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DroppedTotal returns the count of traces dropped because the buffer was full.
func (c *Client) DroppedTotal() int64 {
	if c == nil {
		return 0
	}
	return c.droppedTotal.Load()
}

// DeliveredTotal returns the count of batches delivered successfully.
func (c *Client) DeliveredTotal() int64 {
	if c == nil {
		return 0
	}
	return c.deliveredTotal.Load()
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// deliver posts one batch. Errors are logged and counted, never returned:
// observability delivery failures must not propagate to the request path.
func (c *Client) deliver(ctx context.Context, traces []*trace.Trace) {
	events := make([]event, 0, len(traces)*2)
	for _, t := range traces {
		events = append(events, eventsForTrace(t)...)
	}
	if len(events) == 0 {
		return
	}

	if err := c.postBatch(ctx, batchEnvelope{Batch: events}); err != nil {
		c.failedTotal.Add(1)
		if c.onDeliveryFailure != nil {
			c.onDeliveryFailure(err, len(traces))
		}
		c.logger.Error(
			"trace ingestion delivery failed",
			"error", err,
			"batch_traces", len(traces),
			"batch_events", len(events),
		)
		return
	}
	c.deliveredTotal.Add(1)
}

func (c *Client) postBatch(ctx context.Context, envelope batchEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode ingestion batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+ingestionPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post ingestion batch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	// 207 responses carry per-event results; partial failures are accepted
	// as delivered since the batch was ingested.
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	return fmt.Errorf("ingestion backend returned status %d", resp.StatusCode)
}
