package funksiyachi

import (
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"errors"
	"fmt"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "funksiyachi/1"

// The loopback certificate is self-signed and shared with the local
// development server. Not for production use!
//
//go:embed certs/cert.pem
var embeddedCertPEM []byte

//go:embed certs/key.pem
var embeddedKeyPEM []byte

// EmbeddedRoots returns a pool holding only the compiled-in loopback
// certificate.
func EmbeddedRoots() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(embeddedCertPEM) {
		return nil, errors.New("trust: embedded certificate is not valid PEM")
	}
	return pool, nil
}

// clientTLSConfig builds the TLS configuration for target. The
// hostname bypass is only ever installed for [TrustEmbeddedSelfSigned].
func clientTLSConfig(target Target, embeddedRoots *x509.CertPool) (*tls.Config, error) {
	switch target.Policy {
	case TrustEmbeddedSelfSigned:
		roots := embeddedRoots
		if roots == nil {
			var err error
			roots, err = EmbeddedRoots()
			if err != nil {
				return nil, err
			}
		}
		return &tls.Config{
			ServerName: target.ServerName,
			NextProtos: []string{ALPN},
			MinVersion: tls.VersionTLS13,
			// The default verification is replaced by verifyChainOnly,
			// which still checks the chain against roots.
			InsecureSkipVerify: true,
			VerifyConnection:   verifyChainOnly(roots),
		}, nil
	case TrustSystemStore:
		return &tls.Config{
			ServerName: target.ServerName,
			NextProtos: []string{ALPN},
			MinVersion: tls.VersionTLS13,
		}, nil
	default:
		return nil, fmt.Errorf("trust: unknown policy %d", target.Policy)
	}
}

// verifyChainOnly accepts any presented hostname as long as the chain
// leads to one of roots.
func verifyChainOnly(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("trust: server presented no certificate")
		}

		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}

		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}

// LoopbackServerTLSConfig serves the compiled-in development
// certificate, the counterpart of [TrustEmbeddedSelfSigned].
func LoopbackServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(embeddedCertPEM, embeddedKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("trust: embedded key pair: %w", err)
	}
	return serverTLSConfig(cert), nil
}

// ServerTLSConfig loads a PEM certificate chain and key from disk.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("trust: load key pair: %w", err)
	}
	return serverTLSConfig(cert), nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}
