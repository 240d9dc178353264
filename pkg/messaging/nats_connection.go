package messaging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/logger"
)

const (
	defaultCertsDir   = "certs"
	defaultClientCert = "client-cert.pem"
	defaultClientKey  = "client-key.pem"
	defaultCACert     = "rootCA.pem"
)

// GetNATSConnection connects to the audit broker. Production connections
// use mutual TLS and basic auth.
func GetNATSConnection(environment string, cfg *config.NATsConfig) (*nats.Conn, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("nats url is not configured")
	}
	opts := []nats.Option{
		nats.Name("orion-node"),
		nats.MaxReconnects(-1), // retry forever
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", fmt.Sprint(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed!")
		}),
	}

	if environment == config.Production {
		tlsOpts, err := buildTLSOptions(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlsOpts...)
	}

	return nats.Connect(cfg.URL, opts...)
}

func buildTLSOptions(cfg *config.NATsConfig) ([]nats.Option, error) {
	paths := getCertificatePaths(cfg)
	if err := validateCertificateFiles(paths); err != nil {
		return nil, err
	}

	return []nats.Option{
		nats.ClientCert(paths.ClientCert, paths.ClientKey),
		nats.RootCAs(paths.CACert),
		nats.UserInfo(cfg.Username, cfg.Password),
	}, nil
}

type certificatePaths struct {
	ClientCert string
	ClientKey  string
	CACert     string
}

// getCertificatePaths falls back to ./certs for anything not configured.
func getCertificatePaths(cfg *config.NATsConfig) certificatePaths {
	paths := certificatePaths{}
	if cfg.TLS != nil {
		paths.ClientCert = cfg.TLS.ClientCert
		paths.ClientKey = cfg.TLS.ClientKey
		paths.CACert = cfg.TLS.CACert
	}

	if paths.ClientCert == "" {
		paths.ClientCert = filepath.Join(".", defaultCertsDir, defaultClientCert)
	}
	if paths.ClientKey == "" {
		paths.ClientKey = filepath.Join(".", defaultCertsDir, defaultClientKey)
	}
	if paths.CACert == "" {
		paths.CACert = filepath.Join(".", defaultCertsDir, defaultCACert)
	}
	return paths
}

func validateCertificateFiles(paths certificatePaths) error {
	required := []struct{ name, path string }{
		{"client certificate", paths.ClientCert},
		{"client key", paths.ClientKey},
		{"CA certificate", paths.CACert},
	}
	for _, f := range required {
		if _, err := os.Stat(f.path); os.IsNotExist(err) {
			return fmt.Errorf("%s not found at %s", f.name, f.path)
		}
	}
	return nil
}
