package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/chattrace/chattrace/internal/chat"
	"github.com/chattrace/chattrace/internal/providers"
)

const defaultChatBodyLimit = 64 << 10

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type chatResponse struct {
	Reply   string          `json:"reply"`
	Model   string          `json:"model,omitempty"`
	TraceID string          `json:"trace_id"`
	Usage   providers.Usage `json:"usage"`
}

// ChatHandler serves POST /chat. Provider failures surface as 502, provider
// timeouts as 504; trace persistence and shipping never affect the status.
func ChatHandler(service *chat.Service, bodyLimit int64) http.Handler {
	if bodyLimit <= 0 {
		bodyLimit = defaultChatBodyLimit
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if service == nil {
			writeError(w, http.StatusServiceUnavailable, "chat service is not configured")
			return
		}

		var req chatRequest
		r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
		defer r.Body.Close()
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxBytesErr):
				writeError(w, http.StatusRequestEntityTooLarge, "chat request body too large")
			case errors.Is(err, io.EOF):
				writeError(w, http.StatusBadRequest, "chat request body is required")
			default:
				writeError(w, http.StatusBadRequest, "invalid chat request body")
			}
			return
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid chat request body")
			return
		}

		result, err := service.Handle(r.Context(), chat.Request{
			Message:   req.Message,
			SessionID: req.SessionID,
			UserID:    req.UserID,
		})
		if err != nil {
			writeChatError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			Reply:   result.Reply,
			Model:   result.Model,
			TraceID: result.TraceID,
			Usage:   result.Usage,
		})
	})
}

func writeChatError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrEmptyMessage) {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	var upstream *providers.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Timeout() {
			writeError(w, http.StatusGatewayTimeout, "model provider timed out")
			return
		}
		writeError(w, http.StatusBadGateway, "model provider request failed")
		return
	}

	writeError(w, http.StatusInternalServerError, "failed to handle chat request")
}
