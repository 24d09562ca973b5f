package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"goconnect/protocol"
)

const (
	// DefaultConnectionTimeout bounds TCP dial plus handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
)

// Options configures transport endpoints.
type Options struct {
	// Identity is sent as the plaintext identity record when establishing
	// control connections.
	Identity protocol.IdentityBody
	// Certificate is presented on both TLS handshake ends.
	Certificate tls.Certificate
	// Verify inspects the peer certificate during the TLS handshake,
	// keyed by the device ID the connection is being established with.
	// Returning an error aborts the handshake.
	Verify func(deviceID string, peerCert *x509.Certificate) error

	ConnectionTimeout time.Duration
}

// peerVerifier binds the device-keyed Verify hook to one connection attempt.
func (o Options) peerVerifier(deviceID string) PeerVerifier {
	if o.Verify == nil {
		return nil
	}
	return func(peerCert *x509.Certificate) error {
		return o.Verify(deviceID, peerCert)
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	return out
}

func (o Options) validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if len(o.Certificate.Certificate) == 0 {
		return errors.New("local certificate is required")
	}
	return nil
}

// Server accepts inbound TCP connections and upgrades them to Connection.
type Server struct {
	listener net.Listener
	port     int
	options  Options

	incoming chan *Connection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the first free control port in [portMin, portMax] and starts
// the accept loop.
func Listen(portMin, portMax int, options Options) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if portMin <= 0 || portMax < portMin {
		return nil, fmt.Errorf("invalid control port range %d-%d", portMin, portMax)
	}

	var listener net.Listener
	var port int
	var lastErr error
	for candidate := portMin; candidate <= portMax; candidate++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			lastErr = err
			continue
		}
		listener = l
		port = candidate
		break
	}
	if listener == nil {
		return nil, fmt.Errorf("bind control port in %d-%d: %w", portMin, portMax, lastErr)
	}

	server := &Server{
		listener: listener,
		port:     port,
		options:  opts,
		incoming: make(chan *Connection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Port returns the bound control port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted, TLS-upgraded peer connections.
func (s *Server) Incoming() <-chan *Connection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

// handleInboundConn performs the inbound establishment sequence: the peer
// that dialed sends its identity record in plaintext, then this side
// upgrades as the TLS client.
func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	enableKeepAlive(conn)

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set establishment deadline: %w", err))
		return
	}

	remote, err := readIdentityRecord(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read peer identity: %w", err))
		return
	}
	if remote.DeviceID == s.options.Identity.DeviceID {
		// Our own broadcast looped back.
		return
	}

	tlsConn, peerCert, err := UpgradeTLS(conn, RoleTLSClient, s.options.Certificate, s.options.peerVerifier(remote.DeviceID), s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("upgrade inbound connection from %q: %w", remote.DeviceID, err))
		return
	}

	connection := newConnection(tlsConn, RoleTLSClient, remote, peerCert)

	closeConn = false
	select {
	case s.incoming <- connection:
	case <-s.closed:
		_ = connection.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Listener shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

// readIdentityRecord reads the plaintext identity line byte by byte. Reading
// ahead is not allowed here: the TLS handshake follows immediately on the
// same stream.
func readIdentityRecord(conn net.Conn) (protocol.IdentityBody, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return protocol.IdentityBody{}, err
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
		if len(line) > protocol.MaxPacketSize {
			return protocol.IdentityBody{}, protocol.ErrPacketTooLarge
		}
	}

	packet, err := protocol.Unmarshal(line)
	if err != nil {
		return protocol.IdentityBody{}, err
	}
	if packet.Type != protocol.TypeIdentity {
		return protocol.IdentityBody{}, fmt.Errorf("expected %s packet, got %q", protocol.TypeIdentity, packet.Type)
	}

	var body protocol.IdentityBody
	if err := packet.UnmarshalBody(&body); err != nil {
		return protocol.IdentityBody{}, err
	}
	if err := body.Validate(); err != nil {
		return protocol.IdentityBody{}, err
	}
	return body, nil
}
