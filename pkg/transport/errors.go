package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrPeerUnreachable covers dial failures, timeouts and 5xx answers.
	// These are retried.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	// ErrPeerRefused is a 4xx answer. Not retried.
	ErrPeerRefused = errors.New("transport: peer refused request")
	// ErrDigestMismatch means the peer stored the envelope under another
	// digest. Not retried.
	ErrDigestMismatch = errors.New("transport: peer reported a different digest")
)

// PeerError describes a failed exchange with one peer. It matches both its
// kind sentinel and the underlying cause with errors.Is.
type PeerError struct {
	Peer       string
	Kind       error
	StatusCode int
	Cause      error
}

func (e *PeerError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("%v: %s: status %d: %v", e.Kind, e.Peer, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: %s: status %d", e.Kind, e.Peer, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Peer, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Peer)
}

func (e *PeerError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// TLS alerts a server sends when it refuses the client certificate.
var certificateAlerts = map[tls.AlertError]string{
	42:  "bad certificate",
	43:  "unsupported certificate",
	46:  "unknown certificate",
	48:  "unknown certificate authority",
	49:  "access denied",
	116: "certificate required",
}

// rejectedByPeer reports whether err is the remote side of a TLS handshake
// refusing our certificate. Over TCP the alert arrives as a "remote error"
// net.OpError whose cause is an unexported alert type, so its text is
// matched as well.
func rejectedByPeer(err error) bool {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		_, ok := certificateAlerts[alert]
		return ok
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil {
		return isCertificateAlertText(opErr.Err.Error())
	}
	return strings.Contains(err.Error(), "remote error: ") && isCertificateAlertText(err.Error())
}

func isCertificateAlertText(msg string) bool {
	for _, text := range certificateAlerts {
		if strings.HasSuffix(msg, "tls: "+text) {
			return true
		}
	}
	return false
}
