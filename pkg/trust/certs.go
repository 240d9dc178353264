package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/fystack/orion/pkg/filesystem"
	"github.com/fystack/orion/pkg/logger"
)

const DefaultCertificateValidity = 10 * 365 * 24 * time.Hour

type CertificateRequest struct {
	CommonName string
	// Hosts become DNS or IP subject alternative names.
	Hosts    []string
	ValidFor time.Duration
	IsCA     bool
	// Issuer signs the certificate. Nil self-signs.
	Issuer *tls.Certificate
}

// GenerateCertificate creates an ECDSA P-256 certificate usable for both
// server and client authentication. The returned certificate has Leaf set.
func GenerateCertificate(req CertificateRequest) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = DefaultCertificateValidity
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: req.CommonName, Organization: []string{"orion"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  req.IsCA,
	}
	if req.IsCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	for _, h := range req.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	parent := tmpl
	var signer crypto.Signer = key
	if req.Issuer != nil {
		leaf, err := issuerLeaf(req.Issuer)
		if err != nil {
			return tls.Certificate{}, err
		}
		s, ok := req.Issuer.PrivateKey.(crypto.Signer)
		if !ok {
			return tls.Certificate{}, errors.New("issuer key cannot sign")
		}
		parent, signer = leaf, s
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

func issuerLeaf(c *tls.Certificate) (*x509.Certificate, error) {
	if c.Leaf != nil {
		return c.Leaf, nil
	}
	if len(c.Certificate) == 0 {
		return nil, errors.New("issuer has no certificate")
	}
	return x509.ParseCertificate(c.Certificate[0])
}

// EncodeCertificate returns the PEM forms of the leaf and its PKCS#8 key.
func EncodeCertificate(cert tls.Certificate) (certPEM, keyPEM []byte, err error) {
	if len(cert.Certificate) == 0 {
		return nil, nil, errors.New("empty certificate")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// LoadOrGenerateCertificate loads the key pair from disk, creating a
// self-signed one when neither file exists.
func LoadOrGenerateCertificate(certFile, keyFile, commonName string, hosts []string) (tls.Certificate, error) {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	switch {
	case certErr == nil && keyErr == nil:
		return tls.LoadX509KeyPair(certFile, keyFile)
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
	default:
		return tls.Certificate{}, fmt.Errorf("tls key pair incomplete: cert=%v key=%v", certErr, keyErr)
	}

	cert, err := GenerateCertificate(CertificateRequest{CommonName: commonName, Hosts: hosts})
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM, keyPEM, err := EncodeCertificate(cert)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := filesystem.WriteFileAtomic(keyFile, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write tls key: %w", err)
	}
	if err := filesystem.WriteFileAtomic(certFile, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write tls cert: %w", err)
	}

	logger.Info("Generated self-signed TLS certificate", "cert", certFile, "common_name", commonName, "fingerprint", Fingerprint(cert.Leaf))
	return cert, nil
}

// LoadCertPool reads PEM certificates into a pool.
func LoadCertPool(files ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", f)
		}
	}
	return pool, nil
}
