package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/network"
	"github.com/fystack/orion/pkg/trust"
)

func fastClient(httpClient *http.Client) *Client {
	return NewClient(Options{
		HTTPClient: httpClient,
		Attempts:   3,
		Delay:      time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

// pushServer answers /push by echoing the digest of the body.
func pushServer(t *testing.T, calls *atomic.Int32, fail func(n int32) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if fail != nil {
			if code := fail(n); code != 0 {
				http.Error(w, "nope", code)
				return
			}
		}
		assert.Equal(t, PathPush, r.URL.Path)
		assert.Equal(t, ContentTypeCBOR, r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, digest.Address(b).String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPushDelivers(t *testing.T) {
	var calls atomic.Int32
	srv := pushServer(t, &calls, nil)
	env := []byte("envelope bytes")

	res := fastClient(nil).Push(context.Background(), env, digest.Address(env), []string{srv.URL, srv.URL})
	assert.True(t, res.OK())
	assert.Equal(t, []string{srv.URL}, res.Delivered)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPushRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := pushServer(t, &calls, func(n int32) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	env := []byte("retry me")

	res := fastClient(nil).Push(context.Background(), env, digest.Address(env), []string{srv.URL})
	assert.True(t, res.OK())
	assert.Equal(t, int32(3), calls.Load())
}

func TestPushDoesNotRetryRefusal(t *testing.T) {
	var calls atomic.Int32
	srv := pushServer(t, &calls, func(int32) int { return http.StatusBadRequest })
	env := []byte("bad")

	res := fastClient(nil).Push(context.Background(), env, digest.Address(env), []string{srv.URL})
	require.Contains(t, res.Failed, srv.URL)
	assert.ErrorIs(t, res.Failed[srv.URL], ErrPeerRefused)
	assert.Equal(t, int32(1), calls.Load())

	var pe *PeerError
	require.ErrorAs(t, res.Failed[srv.URL], &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
}

func TestPushDigestMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, digest.Address([]byte("something else")).String())
	}))
	defer srv.Close()
	env := []byte("mine")

	res := fastClient(nil).Push(context.Background(), env, digest.Address(env), []string{srv.URL})
	assert.ErrorIs(t, res.Failed[srv.URL], ErrDigestMismatch)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPushPartialPropagation(t *testing.T) {
	var calls atomic.Int32
	up := pushServer(t, &calls, nil)
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()
	env := []byte("partial")

	res := fastClient(nil).Push(context.Background(), env, digest.Address(env), []string{up.URL, downURL})
	assert.False(t, res.OK())
	assert.Equal(t, []string{up.URL}, res.Delivered)
	require.Contains(t, res.Failed, downURL)
	assert.ErrorIs(t, res.Failed[downURL], ErrPeerUnreachable)
}

func TestPushHonoursCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	env := []byte("slow")

	start := time.Now()
	res := fastClient(nil).Push(ctx, env, digest.Address(env), []string{srv.URL})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, res.Failed, srv.URL)
}

func TestPushRejectedByTrust(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	serverCert, err := trust.GenerateCertificate(trust.CertificateRequest{CommonName: "node-b"})
	require.NoError(t, err)
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	srv.StartTLS()
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	imposter, err := trust.GenerateCertificate(trust.CertificateRequest{CommonName: "node-b"})
	require.NoError(t, err)
	pins := trust.NewMemoryPinStore(trust.Pin{Identity: u.Host, Fingerprint: trust.Fingerprint(imposter.Leaf)})
	store, err := trust.NewStore(trust.ModeTOFU, pins, nil)
	require.NoError(t, err)

	clientCert, err := trust.GenerateCertificate(trust.CertificateRequest{CommonName: "node-a"})
	require.NoError(t, err)
	c := fastClient(NewTLSHTTPClient(store, &clientCert))

	env := []byte("secret")
	res := c.Push(context.Background(), env, digest.Address(env), []string{srv.URL})
	require.Contains(t, res.Failed, srv.URL)
	assert.ErrorIs(t, res.Failed[srv.URL], trust.ErrTrustRejected)
	assert.Equal(t, int32(0), calls.Load())
}

type countingListener struct {
	net.Listener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return c, err
}

func TestPushNotRetriedWhenPeerRejectsOurCertificate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	serverCert, err := trust.GenerateCertificate(trust.CertificateRequest{CommonName: "node-b"})
	require.NoError(t, err)
	knownClients, err := trust.NewStore(trust.ModeAllowList, nil, nil)
	require.NoError(t, err)
	srv.TLS = trust.ServerTLSConfig(serverCert, knownClients)
	ln := &countingListener{Listener: srv.Listener}
	srv.Listener = ln
	srv.StartTLS()
	defer srv.Close()

	knownServers, err := trust.NewStore(trust.ModeTOFU, nil, nil)
	require.NoError(t, err)
	clientCert, err := trust.GenerateCertificate(trust.CertificateRequest{CommonName: "node-a"})
	require.NoError(t, err)
	c := fastClient(NewTLSHTTPClient(knownServers, &clientCert))

	env := []byte("secret")
	res := c.Push(context.Background(), env, digest.Address(env), []string{srv.URL})
	require.Contains(t, res.Failed, srv.URL)
	assert.ErrorIs(t, res.Failed[srv.URL], trust.ErrTrustRejected)
	assert.NotErrorIs(t, res.Failed[srv.URL], ErrPeerUnreachable)
	assert.Equal(t, int32(1), ln.accepted.Load())
	assert.Equal(t, int32(0), calls.Load())
}

func TestRejectedByPeer(t *testing.T) {
	alert := &net.OpError{Op: "remote error", Err: tls.AlertError(42)}
	assert.True(t, rejectedByPeer(alert))
	assert.True(t, rejectedByPeer(tls.AlertError(48)))
	assert.True(t, rejectedByPeer(errors.New(`Post "https://node-b/push": remote error: tls: bad certificate`)))
	assert.False(t, rejectedByPeer(tls.AlertError(40)))
	assert.False(t, rejectedByPeer(errors.New("dial tcp: connection refused")))
	assert.False(t, rejectedByPeer(errors.New("remote error: tls: handshake failure")))
}

func TestExchangePartyInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPartyInfo, r.URL.Path)
		var in network.PartyInfo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "https://node1", in.URL)
		_ = json.NewEncoder(w).Encode(network.PartyInfo{URL: "https://node2", Parties: map[string]string{"k": "https://node2"}})
	}))
	defer srv.Close()

	remote, err := fastClient(nil).ExchangePartyInfo(context.Background(), srv.URL, network.PartyInfo{URL: "https://node1"})
	require.NoError(t, err)
	assert.Equal(t, "https://node2", remote.URL)
	assert.Equal(t, "https://node2", remote.Parties["k"])
}

func TestUpcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "I'm up!")
	}))
	defer srv.Close()
	require.NoError(t, fastClient(nil).Upcheck(context.Background(), srv.URL+"/"))

	srv.Close()
	assert.ErrorIs(t, fastClient(nil).Upcheck(context.Background(), srv.URL), ErrPeerUnreachable)
}
