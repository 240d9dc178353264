// Package transport pushes envelopes to other nodes and exchanges party
// info with them over HTTP. Trust decisions happen in the TLS handshake of
// the supplied http.Client, before any payload bytes leave this node.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/logger"
	"github.com/fystack/orion/pkg/network"
	"github.com/fystack/orion/pkg/trust"
)

const (
	ContentTypeCBOR = "application/cbor"
	ContentTypeJSON = "application/json"

	PathPush      = "/push"
	PathPartyInfo = "/partyinfo"
	PathUpcheck   = "/upcheck"

	maxResponseBody = 1 << 20
)

type Options struct {
	// HTTPClient carries the trust-aware transport. Defaults to a plain client.
	HTTPClient *http.Client
	// Attempts per peer, including the first. Defaults to 3.
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	// Concurrency bounds parallel pushes. Defaults to 8.
	Concurrency int
	// RequestTimeout bounds one HTTP attempt. Zero means no extra bound.
	RequestTimeout time.Duration
}

type Client struct {
	http *http.Client
	opts Options
}

// PushResult records the outcome for every target peer.
type PushResult struct {
	Delivered []string
	Failed    map[string]error
}

// OK reports whether every peer accepted the envelope.
func (r *PushResult) OK() bool { return len(r.Failed) == 0 }

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Client{http: opts.HTTPClient, opts: opts}
}

// Push delivers one envelope to each peer in parallel. Failures are
// isolated per peer; Push itself never fails.
func (c *Client) Push(ctx context.Context, envelope []byte, d digest.Digest, peers []string) *PushResult {
	result := &PushResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(c.opts.Concurrency)
	for _, peer := range lo.Uniq(peers) {
		p.Go(func() {
			err := c.withRetry(ctx, peer, func() error {
				return c.pushOnce(ctx, peer, envelope, d)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[peer] = err
				logger.Warn("Push failed", "peer", peer, "digest", d.String(), "error", err.Error())
				return
			}
			result.Delivered = append(result.Delivered, peer)
			logger.Debug("Pushed envelope", "peer", peer, "digest", d.String())
		})
	}
	p.Wait()

	sort.Strings(result.Delivered)
	return result
}

func (c *Client) pushOnce(ctx context.Context, peer string, envelope []byte, d digest.Digest) error {
	body, err := c.do(ctx, peer, http.MethodPost, PathPush, ContentTypeCBOR, envelope)
	if err != nil {
		return err
	}
	got, err := digest.Parse(strings.TrimSpace(string(body)))
	if err != nil {
		return &PeerError{Peer: peer, Kind: ErrDigestMismatch, Cause: err}
	}
	if got != d {
		return &PeerError{Peer: peer, Kind: ErrDigestMismatch, Cause: fmt.Errorf("want %s, got %s", d, got)}
	}
	return nil
}

// ExchangePartyInfo posts local to peer and returns the peer's party info.
// It is attempted once; discovery retries on its next round.
func (c *Client) ExchangePartyInfo(ctx context.Context, peer string, local network.PartyInfo) (network.PartyInfo, error) {
	payload, err := json.Marshal(local)
	if err != nil {
		return network.PartyInfo{}, err
	}
	body, err := c.do(ctx, peer, http.MethodPost, PathPartyInfo, ContentTypeJSON, payload)
	if err != nil {
		return network.PartyInfo{}, err
	}
	var remote network.PartyInfo
	if err := json.Unmarshal(body, &remote); err != nil {
		return network.PartyInfo{}, &PeerError{Peer: peer, Kind: ErrPeerRefused, Cause: fmt.Errorf("decode party info: %w", err)}
	}
	if remote.URL == "" {
		remote.URL = peer
	}
	return remote, nil
}

// Upcheck reports whether peer answers its health endpoint.
func (c *Client) Upcheck(ctx context.Context, peer string) error {
	_, err := c.do(ctx, peer, http.MethodGet, PathUpcheck, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, peer, method, path, contentType string, payload []byte) ([]byte, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, network.NormalizeURL(peer)+path, body)
	if err != nil {
		return nil, &PeerError{Peer: peer, Kind: ErrPeerRefused, Cause: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(peer, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &PeerError{Peer: peer, Kind: ErrPeerUnreachable, Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 500:
		return nil, &PeerError{Peer: peer, Kind: ErrPeerUnreachable, StatusCode: resp.StatusCode, Cause: bodyCause(respBody)}
	default:
		return nil, &PeerError{Peer: peer, Kind: ErrPeerRefused, StatusCode: resp.StatusCode, Cause: bodyCause(respBody)}
	}
}

func bodyCause(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return nil
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.New(msg)
}

func classifyTransportError(peer string, err error) error {
	switch {
	case errors.Is(err, trust.ErrTrustRejected):
		return &PeerError{Peer: peer, Kind: trust.ErrTrustRejected, Cause: err}
	case rejectedByPeer(err):
		logger.Warn("SECURITY: peer rejected this node's client certificate", "peer", peer, "error", err.Error())
		return &PeerError{Peer: peer, Kind: trust.ErrTrustRejected, Cause: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		// includes per-attempt deadlines, which are worth retrying
		return &PeerError{Peer: peer, Kind: ErrPeerUnreachable, Cause: err}
	}
}

func (c *Client) withRetry(ctx context.Context, peer string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.opts.Attempts),
		retry.Delay(c.opts.Delay),
		retry.MaxDelay(c.opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrPeerUnreachable) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Retrying peer request", "peer", peer, "attempt", n+1, "error", err.Error())
		}),
	)
}

// NewTLSHTTPClient builds the trust-aware client used for node-to-node traffic.
func NewTLSHTTPClient(store *trust.Store, cert *tls.Certificate) *http.Client {
	return &http.Client{Transport: trust.ClientTransport(cert, store)}
}
