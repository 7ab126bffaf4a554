// Package chat implements the trace-wrapped chat handler: one request, one
// trace, one generation span around the provider call.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chattrace/chattrace/internal/correlation"
	"github.com/chattrace/chattrace/internal/providers"
	"github.com/chattrace/chattrace/internal/trace"
)

const traceName = "chat_conversation"

var ErrEmptyMessage = errors.New("chat message must not be empty")

// Request is one inbound chat turn.
type Request struct {
	Message   string
	SessionID string
	UserID    string
}

// Response is the reply returned to the caller, with the trace identifier
// so the interaction can be looked up later.
type Response struct {
	Reply   string
	Model   string
	TraceID string
	Usage   providers.Usage
}

// Sink receives a finished trace. Enqueue must never block; the return
// value reports acceptance. Both the local store writer and the ingestion
// client satisfy this.
type Sink interface {
	Enqueue(t *trace.Trace) bool
}

type Service struct {
	completer    providers.Completer
	systemPrompt string
	sinks        []Sink
	logger       *slog.Logger
}

func NewService(completer providers.Completer, systemPrompt string, logger *slog.Logger, sinks ...Sink) (*Service, error) {
	if completer == nil {
		return nil, errors.New("chat service requires a completer")
	}
	if logger == nil {
		return nil, errors.New("chat service requires a logger")
	}

	active := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}

	return &Service{
		completer:    completer,
		systemPrompt: strings.TrimSpace(systemPrompt),
		sinks:        active,
		logger:       logger,
	}, nil
}

// Handle runs one chat turn. It opens a fresh trace and a generation span,
// calls the provider once, closes both with a terminal status, hands the
// finished trace to every sink, and only then returns. Provider failures
// come back as *providers.UpstreamError; sink failures never propagate.
func (s *Service) Handle(ctx context.Context, request Request) (*Response, error) {
	message := strings.TrimSpace(request.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	t := trace.NewTrace(traceName)
	t.UserID = strings.TrimSpace(request.UserID)
	t.SessionID = strings.TrimSpace(request.SessionID)
	t.Input = message
	t.Metadata = s.traceMetadata(ctx, message)

	messages := s.buildMessages(message)
	span := trace.NewSpan(t.ID, s.completer.Name()+"_chat_completion", trace.SpanTypeGeneration)
	span.Input = encodeMessages(messages)

	completion, err := s.completer.Complete(ctx, messages)
	if err != nil {
		upstream := asUpstreamError(err, s.completer.Name())
		span.End(trace.StatusError, upstream.Error(), upstream.Error())
		t.Spans = append(t.Spans, span)
		t.End(trace.StatusError, upstream.Error())
		s.record(ctx, t)
		return nil, upstream
	}

	span.Model = completion.Model
	span.PromptTokens = completion.Usage.PromptTokens
	span.CompletionTokens = completion.Usage.CompletionTokens
	span.TotalTokens = completion.Usage.TotalTokens
	span.End(trace.StatusSuccess, "", completion.Text)
	t.Spans = append(t.Spans, span)
	t.Output = completion.Text
	t.End(trace.StatusSuccess, "")
	s.record(ctx, t)

	return &Response{
		Reply:   completion.Text,
		Model:   completion.Model,
		TraceID: t.ID,
		Usage:   completion.Usage,
	}, nil
}

func (s *Service) buildMessages(message string) []providers.Message {
	messages := make([]providers.Message, 0, 2)
	if s.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: s.systemPrompt})
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: message})
	return messages
}

func (s *Service) traceMetadata(ctx context.Context, message string) string {
	metadata := map[string]any{
		"message_length": len(message),
		"provider":       s.completer.Name(),
	}
	if correlationID, ok := correlation.FromContext(ctx); ok {
		metadata["correlation_id"] = correlationID
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// record hands the finished trace to every sink. Drops are logged and
// counted by the sinks themselves; they never fail the request.
func (s *Service) record(ctx context.Context, t *trace.Trace) {
	for _, sink := range s.sinks {
		if sink.Enqueue(t) {
			continue
		}
		correlationID, _ := correlation.FromContext(ctx)
		s.logger.Warn(
			"trace sink rejected finished trace",
			"trace_id", t.ID,
			"sink", fmt.Sprintf("%T", sink),
			"correlation_id", correlationID,
		)
	}
}

func encodeMessages(messages []providers.Message) string {
	encoded, err := json.Marshal(messages)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func asUpstreamError(err error, provider string) *providers.UpstreamError {
	var upstream *providers.UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}
	return &providers.UpstreamError{
		Provider: provider,
		Message:  err.Error(),
		Err:      err,
	}
}
