// Package session is the Host Session Manager: it maintains a map of
// host_id -> Session, establishing local-socket, mTLS-remote, or
// agent-relayed Docker clients, classifying connection failures, and driving
// exponential-backoff reconnection (spec §4.1).
package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/client"
)

// TLSMaterial holds the PEM-encoded client certificate bundle for a
// Remote-TLS session.
type TLSMaterial struct {
	CACertPEM string
	CertPEM   string
	KeyPEM    string
}

// newTLSOption builds a client.Opt carrying an *http.Client configured with
// the given PEM material. Long-running Docker API streams (events, stats)
// must not be killed by an overall client timeout, so only the dial, TLS
// handshake, response-header wait, and idle phases carry deadlines.
func newTLSOption(m TLSMaterial) (client.Opt, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(m.CACertPEM)) {
		return nil, fmt.Errorf("session: failed to parse CA certificate")
	}

	cert, err := tls.X509KeyPair([]byte(m.CertPEM), []byte(m.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("session: failed to parse client certificate/key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}

	return client.WithHTTPClient(httpClient), nil
}

// newLocalClient dials the host's own Docker socket.
func newLocalClient() (*client.Client, error) {
	return client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
}

// newRemoteClient dials a TCP Docker endpoint, optionally over mTLS when
// material is non-zero.
func newRemoteClient(hostAddress string, material *TLSMaterial) (*client.Client, error) {
	opts := []client.Opt{
		client.WithHost(hostAddress),
		client.WithAPIVersionNegotiation(),
	}
	if material != nil {
		tlsOpt, err := newTLSOption(*material)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlsOpt)
	}
	return client.NewClientWithOpts(opts...)
}
