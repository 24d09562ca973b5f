// Package network implements the transport layer: the control-port listener,
// the dialer, the role-inverted TLS upgrade, the line-framed packet
// connection, and the payload side channel.
package network

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"goconnect/protocol"
)

// Connection is one established, TLS-secured control channel to a peer.
//
// A read/write error or malformed frame invalidates the whole connection:
// the newline-delimited stream cannot be resynchronized, so the connection
// is dropped and the owning session moves toward reconnect.
type Connection struct {
	conn net.Conn

	remote   protocol.IdentityBody
	peerCert *x509.Certificate
	role     Role

	sendMu sync.Mutex

	inbound chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn net.Conn, role Role, remote protocol.IdentityBody, peerCert *x509.Certificate) *Connection {
	c := &Connection{
		conn:     conn,
		remote:   remote,
		peerCert: peerCert,
		role:     role,
		inbound:  make(chan protocol.Packet, 64),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// RemoteIdentity returns the identity the peer sent on this connection.
func (c *Connection) RemoteIdentity() protocol.IdentityBody {
	return c.remote
}

// PeerCertificate returns the certificate the peer presented during the TLS
// handshake.
func (c *Connection) PeerCertificate() *x509.Certificate {
	return c.peerCert
}

// Role returns the TLS role this side performed.
func (c *Connection) Role() Role {
	return c.role
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Closed reports whether the connection has terminated.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendPacket serializes and writes one packet to the control channel.
func (c *Connection) SendPacket(packet protocol.Packet) error {
	raw, err := protocol.Marshal(packet)
	if err != nil {
		return err
	}

	if c.Closed() {
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Write(raw); err != nil {
		c.closeWithError(fmt.Errorf("write packet: %w", err))
		return err
	}
	return nil
}

// ReceivePacket waits for the next decoded inbound packet.
func (c *Connection) ReceivePacket(ctx context.Context) (protocol.Packet, error) {
	select {
	case packet := <-c.inbound:
		return packet, nil
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return protocol.Packet{}, err
		}
		return protocol.Packet{}, io.EOF
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

// Close terminates the connection.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	reader := protocol.NewReader(c.conn)
	for {
		packet, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read packet: %w", err))
			return
		}

		select {
		case c.inbound <- packet:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
