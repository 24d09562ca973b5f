package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// Role selects which end of the TLS handshake this side performs.
//
// Per the wire protocol the roles are inverted relative to TCP: the side
// that accepted the TCP connection handshakes as the TLS client and the
// side that dialed handshakes as the TLS server. Both ends present their
// device certificate either way.
type Role int

const (
	// RoleTLSClient is used by the TCP accepter.
	RoleTLSClient Role = iota
	// RoleTLSServer is used by the TCP dialer.
	RoleTLSServer
)

func (r Role) String() string {
	if r == RoleTLSServer {
		return "server"
	}
	return "client"
}

// ErrNoPeerCertificate indicates the peer completed the handshake without
// presenting a certificate.
var ErrNoPeerCertificate = errors.New("network: peer presented no certificate")

// PeerVerifier inspects the raw peer certificate during the TLS handshake.
// Returning an error aborts the handshake. Trust-on-first-use pinning means
// chain validation never applies; the verifier is the only check performed.
type PeerVerifier func(peerCert *x509.Certificate) error

func tlsConfig(role Role, localCert tls.Certificate, verify PeerVerifier) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{localCert},
		MinVersion:   tls.VersionTLS12,

		// Self-signed certificates have no CA chain; verification is
		// delegated entirely to the trust layer via the verifier below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoPeerCertificate
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			if verify == nil {
				return nil
			}
			return verify(cert)
		},
	}
	if role == RoleTLSServer {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg
}

// UpgradeTLS promotes a raw connection to TLS in the given role and returns
// the secured connection together with the peer's leaf certificate.
func UpgradeTLS(conn net.Conn, role Role, localCert tls.Certificate, verify PeerVerifier, timeout time.Duration) (*tls.Conn, *x509.Certificate, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	var tlsConn *tls.Conn
	if role == RoleTLSServer {
		tlsConn = tls.Server(conn, tlsConfig(role, localCert, verify))
	} else {
		tlsConn = tls.Client(conn, tlsConfig(role, localCert, verify))
	}

	if err := tlsConn.Handshake(); err != nil {
		return nil, nil, fmt.Errorf("tls handshake as %s: %w", role, err)
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		_ = tlsConn.Close()
		return nil, nil, ErrNoPeerCertificate
	}

	if timeout > 0 {
		if err := tlsConn.SetDeadline(time.Time{}); err != nil {
			_ = tlsConn.Close()
			return nil, nil, fmt.Errorf("clear handshake deadline: %w", err)
		}
	}

	return tlsConn, peerCerts[0], nil
}

func enableKeepAlive(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(10 * time.Second)
}
