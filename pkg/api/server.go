package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fystack/orion/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is one HTTP listener serving either API.
type Server struct {
	name string
	srv  *http.Server
}

// NewServer builds a listener on addr. A non-nil tlsConfig turns on TLS and
// must carry the server certificate.
func NewServer(name, addr string, handler http.Handler, tlsConfig *tls.Config) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	logger.Info("Listening", "api", s.name, "addr", ln.Addr().String(), "tls", s.srv.TLSConfig != nil)
	var err error
	if s.srv.TLSConfig != nil {
		err = s.srv.ServeTLS(ln, "", "")
	} else {
		err = s.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down", "api", s.name)
	return s.srv.Shutdown(ctx)
}
