package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/node"
	"github.com/fystack/orion/pkg/storage"
)

const (
	KindNotFound           = "NotFound"
	KindAuthorization      = "AuthorizationError"
	KindIntegrity          = "IntegrityError"
	KindStorageUnavailable = "StorageUnavailable"
	KindBadRequest         = "BadRequest"
	KindInternal           = "Internal"
)

// ErrBadRequest marks malformed input from the caller.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Classify maps an error onto its wire kind and HTTP status.
func Classify(err error) (string, int) {
	switch {
	case storage.IsNotFound(err):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, encryption.ErrAuthorization):
		return KindAuthorization, http.StatusForbidden
	case errors.Is(err, encryption.ErrIntegrity),
		errors.Is(err, storage.ErrConstraint),
		errors.Is(err, storage.ErrImmutable):
		return KindIntegrity, http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, storage.ErrClosed),
		errors.Is(err, node.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return KindStorageUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, digest.ErrInvalidDigest),
		errors.Is(err, encryption.ErrInvalidKey),
		errors.Is(err, node.ErrUnknownSender):
		return KindBadRequest, http.StatusBadRequest
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
		msg = "internal error"
	} else {
		logger.Debug("Request rejected", "path", r.URL.Path, "kind", kind, "error", msg, "request_id", RequestID(r.Context()))
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err.Error())
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
