package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// PayloadPortMin is the first port probed for payload side channels.
	// Payload listeners bind above the control-port range.
	PayloadPortMin = 1765
	// PayloadPortMax bounds the payload port scan.
	PayloadPortMax = 1864

	// DefaultPayloadTimeout is how long a payload listener waits for the
	// receiver to connect and complete the transfer before giving up.
	DefaultPayloadTimeout = 60 * time.Second
)

// ErrPayloadTruncated indicates a payload stream ended before the advertised
// size was transferred. A short read is a transfer failure, never a success.
var ErrPayloadTruncated = errors.New("network: payload truncated")

// ErrPayloadTimeout indicates no receiver connected within the serve window.
var ErrPayloadTimeout = errors.New("network: payload serve timed out")

// PayloadServer offers one payload over a dedicated TLS channel. It accepts
// a single connection, streams the data, and shuts down.
type PayloadServer struct {
	listener net.Listener
	port     int

	done      chan struct{}
	closeOnce sync.Once

	errMu    sync.Mutex
	serveErr error
}

// ServePayload binds a payload port, starts serving data to the first
// receiver that connects, and returns immediately. The serving side
// handshakes as the TLS server. The caller advertises the returned port in
// the packet's payloadTransferInfo.
func ServePayload(localCert tls.Certificate, verify PeerVerifier, data io.Reader, size int64, timeout time.Duration) (*PayloadServer, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid payload size %d", size)
	}
	if timeout <= 0 {
		timeout = DefaultPayloadTimeout
	}

	var listener net.Listener
	var port int
	var lastErr error
	for candidate := PayloadPortMin; candidate <= PayloadPortMax; candidate++ {
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
		return nil, fmt.Errorf("bind payload port in %d-%d: %w", PayloadPortMin, PayloadPortMax, lastErr)
	}

	server := &PayloadServer{
		listener: listener,
		port:     port,
		done:     make(chan struct{}),
	}
	go server.serveOnce(localCert, verify, data, size, timeout)
	return server, nil
}

// Port returns the bound payload port.
func (p *PayloadServer) Port() int {
	return p.port
}

// Done is closed when the transfer finishes or fails.
func (p *PayloadServer) Done() <-chan struct{} {
	return p.done
}

// Err returns the transfer outcome. Only meaningful after Done is closed.
func (p *PayloadServer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.serveErr
}

// Close abandons the transfer if it has not completed.
func (p *PayloadServer) Close() error {
	return p.listener.Close()
}

func (p *PayloadServer) serveOnce(localCert tls.Certificate, verify PeerVerifier, data io.Reader, size int64, timeout time.Duration) {
	defer p.closeOnce.Do(func() { close(p.done) })
	defer p.listener.Close()

	deadline := time.Now().Add(timeout)
	if tcpListener, ok := p.listener.(*net.TCPListener); ok {
		_ = tcpListener.SetDeadline(deadline)
	}

	conn, err := p.listener.Accept()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			p.setErr(ErrPayloadTimeout)
			return
		}
		p.setErr(fmt.Errorf("accept payload receiver: %w", err))
		return
	}
	defer conn.Close()

	tlsConn, _, err := UpgradeTLS(conn, RoleTLSServer, localCert, verify, time.Until(deadline))
	if err != nil {
		p.setErr(fmt.Errorf("upgrade payload channel: %w", err))
		return
	}
	defer tlsConn.Close()

	if err := tlsConn.SetDeadline(deadline); err != nil {
		p.setErr(fmt.Errorf("set payload deadline: %w", err))
		return
	}

	written, err := io.CopyN(tlsConn, data, size)
	if err != nil {
		p.setErr(fmt.Errorf("send payload after %d of %d bytes: %w", written, size, err))
		return
	}
	// Flush the close_notify so the receiver can distinguish a clean end
	// of stream from a dropped connection.
	_ = tlsConn.CloseWrite()
}

func (p *PayloadServer) setErr(err error) {
	p.errMu.Lock()
	p.serveErr = err
	p.errMu.Unlock()
}

// FetchPayload connects to a peer's payload port and copies exactly size
// bytes into w. The receiving side handshakes as the TLS client. A stream
// that ends early returns ErrPayloadTruncated; partial data must not be
// treated as a completed transfer.
func FetchPayload(host string, port int, size int64, localCert tls.Certificate, verify PeerVerifier, w io.Writer, timeout time.Duration) error {
	if size < 0 {
		return fmt.Errorf("invalid payload size %d", size)
	}
	if timeout <= 0 {
		timeout = DefaultPayloadTimeout
	}

	address := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return fmt.Errorf("dial payload channel %q: %w", address, err)
	}
	defer conn.Close()

	tlsConn, _, err := UpgradeTLS(conn, RoleTLSClient, localCert, verify, timeout)
	if err != nil {
		return fmt.Errorf("upgrade payload channel %q: %w", address, err)
	}
	defer tlsConn.Close()

	if err := tlsConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set payload deadline: %w", err)
	}

	copied, err := io.CopyN(w, tlsConn, size)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrPayloadTruncated, copied, size)
		}
		return fmt.Errorf("receive payload after %d of %d bytes: %w", copied, size, err)
	}
	return nil
}
