package network

import (
	"fmt"
	"net"
	"time"

	"goconnect/protocol"
)

// Dial establishes an outbound control connection: TCP connect, send the
// local identity record in plaintext, then upgrade as the TLS server (the
// dialer's role under the protocol's inverted TLS handshake).
//
// remote carries the identity learned through discovery for the target
// device; establishment fails if the connected peer identifies as a
// different device.
func Dial(address string, remote protocol.IdentityBody, options Options) (*Connection, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	enableKeepAlive(conn)

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set establishment deadline: %w", err)
	}

	identityPacket, err := protocol.New(protocol.TypeIdentity, opts.Identity)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	raw, err := protocol.Marshal(identityPacket)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send identity to %q: %w", address, err)
	}

	tlsConn, peerCert, err := UpgradeTLS(conn, RoleTLSServer, opts.Certificate, opts.peerVerifier(remote.DeviceID), opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("upgrade outbound connection to %q: %w", address, err)
	}

	if remote.DeviceID != "" && peerCert.Subject.CommonName != "" && peerCert.Subject.CommonName != remote.DeviceID {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("peer at %q identifies as %q, expected %q", address, peerCert.Subject.CommonName, remote.DeviceID)
	}

	return newConnection(tlsConn, RoleTLSServer, remote, peerCert), nil
}
