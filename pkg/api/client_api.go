package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/encryption"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/node"
)

const (
	HeaderFrom = "c11n-from"
	HeaderTo   = "c11n-to"
	HeaderKey  = "c11n-key"

	UpcheckResponse = "I'm up!"

	// MaxPayloadBytes bounds request bodies on both APIs.
	MaxPayloadBytes = 64 << 20
)

// Service is the part of node.Node the client API drives.
type Service interface {
	Send(ctx context.Context, payload []byte, from *encryption.PublicKey, to []encryption.PublicKey) (*node.SendResult, error)
	Receive(ctx context.Context, d digest.Digest, to encryption.PublicKey) ([]byte, error)
	PublicKeys() []encryption.PublicKey
}

var _ Service = (*node.Node)(nil)

type clientAPI struct {
	svc Service
}

// NewClientRouter serves the local client API. It is meant for trusted
// local callers and runs without TLS.
func NewClientRouter(svc Service) *mux.Router {
	h := &clientAPI{svc: svc}
	router := newRouter("client")
	router.HandleFunc("/send", h.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/receive", h.handleReceive).Methods(http.MethodPost)
	router.HandleFunc("/sendraw", h.handleSendRaw).Methods(http.MethodPost)
	router.HandleFunc("/receiveraw", h.handleReceiveRaw).Methods(http.MethodPost, http.MethodGet)
	router.HandleFunc("/publickeys", h.handlePublicKeys).Methods(http.MethodGet)
	router.HandleFunc("/upcheck", handleUpcheck).Methods(http.MethodGet)
	return router
}

func handleUpcheck(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, UpcheckResponse)
}

func (h *clientAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	from, err := parseOptionalKey(req.From)
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := encryption.ParsePublicKeys(req.To)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.send(r.Context(), req.Payload, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendResponse{Key: d.String()})
}

func (h *clientAPI) handleSendRaw(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, err := parseOptionalKey(r.Header.Get(HeaderFrom))
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := encryption.ParsePublicKeys(splitKeyList(r.Header.Get(HeaderTo)))
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.send(r.Context(), payload, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, d.String())
}

func (h *clientAPI) send(ctx context.Context, payload []byte, from *encryption.PublicKey, to []encryption.PublicKey) (digest.Digest, error) {
	res, err := h.svc.Send(ctx, payload, from, to)
	if err != nil {
		return digest.Digest{}, err
	}
	if report := res.Propagation.Report(); report != nil && !report.Complete() {
		logger.Warn("Send stored locally but not fully propagated",
			"digest", res.Digest.String(),
			"failed", report.FailedPeers(),
			"unresolved", len(report.Unresolved),
			"request_id", RequestID(ctx),
		)
	}
	return res.Digest, nil
}

func (h *clientAPI) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := h.receive(r.Context(), req.Key, req.To)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReceiveResponse{Payload: payload})
}

func (h *clientAPI) handleReceiveRaw(w http.ResponseWriter, r *http.Request) {
	payload, err := h.receive(r.Context(), r.Header.Get(HeaderKey), r.Header.Get(HeaderTo))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *clientAPI) receive(ctx context.Context, key, to string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: missing key", ErrBadRequest)
	}
	d, err := digest.Parse(strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	var recipient encryption.PublicKey
	if k, err := parseOptionalKey(to); err != nil {
		return nil, err
	} else if k != nil {
		recipient = *k
	}
	return h.svc.Receive(ctx, d, recipient)
}

func (h *clientAPI) handlePublicKeys(w http.ResponseWriter, _ *http.Request) {
	keys := h.svc.PublicKeys()
	resp := PublicKeysResponse{Keys: make([]string, 0, len(keys))}
	for _, k := range keys {
		resp.Keys = append(resp.Keys, k.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseOptionalKey(s string) (*encryption.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	k, err := encryption.ParsePublicKey(s)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// splitKeyList splits a comma separated header value, dropping blanks.
func splitKeyList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return body, nil
}
