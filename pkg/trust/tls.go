package trust

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout         = 10 * time.Second
	handshakeTimeout    = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 4
)

// ClientTransport returns an HTTP transport whose TLS handshakes are
// decided by store. Chain validation is replaced by StageServer, keyed by
// the dialled host:port, so a rejected peer never receives request bytes.
// A new pin is only recorded after the handshake, once the server has
// proved it holds the key. cert, when non-nil, is offered to servers that
// ask for a client certificate.
func ClientTransport(cert *tls.Certificate, store *Store) *http.Transport {
	base := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// VerifyConnection below replaces chain validation.
		InsecureSkipVerify: true, //nolint:gosec
	}
	if cert != nil {
		base.Certificates = []tls.Certificate{*cert}
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: handshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			cfg := base.Clone()
			if host, _, err := net.SplitHostPort(addr); err == nil {
				cfg.ServerName = host
			}
			commit := noCommit
			cfg.VerifyConnection = func(cs tls.ConnectionState) error {
				c, err := store.StageServer(addr, cs.PeerCertificates)
				if err != nil {
					return err
				}
				commit = c
				return nil
			}

			raw, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
			defer cancel()
			conn := tls.Client(raw, cfg)
			if err := conn.HandshakeContext(hctx); err != nil {
				_ = raw.Close()
				return nil, err
			}
			if err := commit(); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
}

// ServerTLSConfig requires a client certificate on every connection and
// rejects clients store would refuse. It never records pins: wrap the
// handler with PinClients for that.
func ServerTLSConfig(cert tls.Certificate, store *Store) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyConnection: func(cs tls.ConnectionState) error {
			_, err := store.StageClient(cs.PeerCertificates)
			return err
		},
	}
}

// PinClients records the TOFU pin of each client on its first request,
// when the handshake has completed. Requests that fail the check get 403.
// Plain HTTP requests pass through.
func PinClients(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil {
				if err := store.VerifyClient(r.TLS.PeerCertificates); err != nil {
					http.Error(w, err.Error(), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
