package api

import (
	"context"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/network"
	"github.com/fystack/orion/pkg/transport"
)

// Acceptor stores envelopes pushed by other nodes.
type Acceptor interface {
	Accept(ctx context.Context, raw []byte) (digest.Digest, error)
}

// PartyDirectory is the part of network.Directory served to peers.
type PartyDirectory interface {
	Merge(info network.PartyInfo) int
	PartyInfo() network.PartyInfo
}

var _ PartyDirectory = (*network.Directory)(nil)

type nodeAPI struct {
	acc Acceptor
	dir PartyDirectory
}

// NewNodeRouter serves the node-to-node API. Peer trust is enforced by the
// TLS listener before any handler runs.
func NewNodeRouter(acc Acceptor, dir PartyDirectory) *mux.Router {
	h := &nodeAPI{acc: acc, dir: dir}
	router := newRouter("node")
	router.HandleFunc(transport.PathPush, h.handlePush).Methods(http.MethodPost)
	router.HandleFunc(transport.PathPartyInfo, h.handlePartyInfo).Methods(http.MethodPost)
	router.HandleFunc(transport.PathUpcheck, handleUpcheck).Methods(http.MethodGet)
	return router
}

func (h *nodeAPI) handlePush(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != transport.ContentTypeCBOR {
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: KindBadRequest, Message: "push requires " + transport.ContentTypeCBOR})
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.acc.Accept(r.Context(), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, d.String())
}

func (h *nodeAPI) handlePartyInfo(w http.ResponseWriter, r *http.Request) {
	var info network.PartyInfo
	if err := decodeJSON(w, r, &info); err != nil {
		writeError(w, r, err)
		return
	}
	if changed := h.dir.Merge(info); changed > 0 {
		logger.Info("Learned parties from peer", "peer", info.URL, "changed", changed)
	}
	writeJSON(w, http.StatusOK, h.dir.PartyInfo())
}
