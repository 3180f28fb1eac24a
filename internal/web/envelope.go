package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/omnisuite/internal/observe"
	"github.com/MrWong99/omnisuite/internal/panel"
	"github.com/MrWong99/omnisuite/internal/resilience"
	"github.com/MrWong99/omnisuite/pkg/provider"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
)

// Envelope is the body of every panel response.
type Envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	RequestID string `json:"requestId,omitempty"`
}

func writeData(w http.ResponseWriter, r *http.Request, data any) {
	writeEnvelope(w, r, http.StatusOK, Envelope{Success: true, Data: data})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Timestamp = time.Now().UnixMilli()
	env.RequestID = RequestIDFrom(r.Context())

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		observe.Logger(r.Context()).Debug("web: write response", "err", err)
	}
}

// publicErrors are the failures whose own message is shown to the user.
var publicErrors = []error{
	provider.ErrConfigurationMissing,
	provider.ErrAuthentication,
	resilience.ErrCircuitOpen,
	assist.ErrUnsupportedImage,
	assist.ErrImageTooLarge,
	assist.ErrInvalidResponse,
	assist.ErrMalformedResponse,
	assist.ErrIncompleteResponse,
	panel.ErrInvalidDataURI,
}

// classify maps err to an HTTP status and the message shown to the user.
func classify(err error) (int, string) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, provider.ErrConfigurationMissing), errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case panel.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "The request timed out. Please try again."
	}

	if errors.Is(err, assist.ErrInvalidInput) {
		return status, strings.TrimPrefix(err.Error(), assist.ErrInvalidInput.Error()+": ")
	}
	for _, pub := range publicErrors {
		if errors.Is(err, pub) {
			return status, pub.Error()
		}
	}
	return status, "The request failed. Please try again."
}

// ─── Request IDs ─────────────────────────────────────────────────────────────

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID assigns every request a UUID, reusing a well-formed one sent by
// the client, and echoes it in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request ID stored by [RequestID], or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
