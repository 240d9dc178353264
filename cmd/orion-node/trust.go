package main

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"

	"github.com/hashicorp/consul/api"

	"github.com/fystack/orion/internal/node/pinstore"
	"github.com/fystack/orion/pkg/common/errors"
	"github.com/fystack/orion/pkg/config"
	"github.com/fystack/orion/pkg/trust"
)

// nodeTLS is everything the node-to-node channel needs.
type nodeTLS struct {
	serverCert  tls.Certificate
	clientCert  tls.Certificate
	serverStore *trust.Store // verifies connecting clients
	clientStore *trust.Store // verifies servers this node dials
}

func (t *nodeTLS) serverConfig() *tls.Config {
	return trust.ServerTLSConfig(t.serverCert, t.serverStore)
}

// nodeHost splits the advertised node URL into host and host:port.
func nodeHost(nodeURL string) (string, string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", "", errors.Wrap(err, "parse node_url")
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return host, net.JoinHostPort(host, port), nil
}

func setupTLS(cfg *config.Config, consul *api.Client) (*nodeTLS, error) {
	tc := cfg.TLS
	host, hostport, err := nodeHost(cfg.NodeURL)
	if err != nil {
		return nil, err
	}

	serverCert, err := trust.LoadOrGenerateCertificate(cfg.ResolvePath(tc.ServerCert), cfg.ResolvePath(tc.ServerKey), host, []string{host})
	if err != nil {
		return nil, errors.Wrap(err, "server certificate")
	}
	// client identity is the certificate common name
	clientCert, err := trust.LoadOrGenerateCertificate(cfg.ResolvePath(tc.ClientCert), cfg.ResolvePath(tc.ClientKey), hostport, []string{host})
	if err != nil {
		return nil, errors.Wrap(err, "client certificate")
	}

	serverStore, err := newTrustStore(cfg, consul, tc.ServerTrust, tc.ServerChain, tc.KnownClients, pinSideClients)
	if err != nil {
		return nil, errors.Wrap(err, "server trust")
	}
	clientStore, err := newTrustStore(cfg, consul, tc.ClientTrust, tc.ClientChain, tc.KnownServers, pinSideServers)
	if err != nil {
		return nil, errors.Wrap(err, "client trust")
	}

	return &nodeTLS{
		serverCert:  serverCert,
		clientCert:  clientCert,
		serverStore: serverStore,
		clientStore: clientStore,
	}, nil
}

func newTrustStore(cfg *config.Config, consul *api.Client, modeName string, chain []string, pinFile, side string) (*trust.Store, error) {
	mode, err := trust.ParseMode(modeName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s trust mode", side)
	}

	var pins trust.PinStore
	switch cfg.TLS.PinStore {
	case config.PinStoreConsul:
		pins = pinstore.NewConsulStore(consul.KV(), cfg.Consul.KeyPrefix, side)
	default:
		pins = trust.NewFilePinStore(cfg.ResolvePath(pinFile))
	}

	var roots *x509.CertPool
	if len(chain) > 0 {
		files := make([]string, 0, len(chain))
		for _, f := range chain {
			files = append(files, cfg.ResolvePath(f))
		}
		if roots, err = trust.LoadCertPool(files...); err != nil {
			return nil, err
		}
	}
	return trust.NewStore(mode, pins, roots)
}
