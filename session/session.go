// Package session owns the table of live peer sessions. It reconciles
// discovery announcements into connections, accepts inbound connections from
// the transport listener, enforces trust on established links, and schedules
// reconnection when a session to a paired device is lost.
package session

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"goconnect/identity"
	"goconnect/metrics"
	"goconnect/network"
	"goconnect/protocol"
	"goconnect/storage"
)

// defaultReconnectBackoff spaces the attempts to re-establish a lost session.
var defaultReconnectBackoff = []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second}

// ErrNoSession indicates a send to a device without an established session.
var ErrNoSession = errors.New("session: no established session")

// PacketHandler receives every non-identity packet arriving on a session.
type PacketHandler func(remote identity.DeviceIdentity, conn *network.Connection, packet protocol.Packet)

// EventType classifies session lifecycle notifications.
type EventType int

const (
	// EventEstablished reports a newly established session.
	EventEstablished EventType = iota
	// EventLost reports a terminated session.
	EventLost
)

func (t EventType) String() string {
	if t == EventLost {
		return "lost"
	}
	return "established"
}

// Event is a session lifecycle change.
type Event struct {
	Type     EventType
	DeviceID string
}

// Options configures the session manager.
type Options struct {
	// Identity provides the local identity, certificate, and trust store.
	Identity *identity.Manager
	// Store persists device records; may be nil.
	Store *storage.Store
	// Handler receives inbound packets. Required.
	Handler PacketHandler

	TCPPortMin int
	TCPPortMax int

	// IncomingCapabilities and OutgoingCapabilities are advertised in the
	// identity sent during connection establishment.
	IncomingCapabilities []string
	OutgoingCapabilities []string

	ConnectionTimeout time.Duration
	ReconnectBackoff  []time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.TCPPortMin <= 0 {
		out.TCPPortMin = 1716
	}
	if out.TCPPortMax < out.TCPPortMin {
		out.TCPPortMax = out.TCPPortMin + 48
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = network.DefaultConnectionTimeout
	}
	if len(out.ReconnectBackoff) == 0 {
		out.ReconnectBackoff = defaultReconnectBackoff
	}
	return out
}

type endpoint struct {
	host string
	port int
}

// DeviceSession is one live, trust-checked connection to a peer.
type DeviceSession struct {
	Remote identity.DeviceIdentity
	conn   *network.Connection
}

// Connection returns the underlying control connection.
func (s *DeviceSession) Connection() *network.Connection {
	return s.conn
}

// Manager reconciles discovery and inbound connections into a device_id
// keyed session table. All table state is guarded by one mutex.
type Manager struct {
	options Options
	local   protocol.IdentityBody

	server *network.Server

	mu                sync.Mutex
	sessions          map[string]*DeviceSession
	endpoints         map[string]endpoint
	identities        map[string]protocol.IdentityBody
	dialing           map[string]bool
	reconnecting      map[string]bool
	suppressReconnect map[string]bool

	errs   chan error
	events chan Event

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager builds a session manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.Identity == nil {
		return nil, errors.New("session: identity manager is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("session: packet handler is required")
	}
	return &Manager{
		options:           opts,
		sessions:          make(map[string]*DeviceSession),
		endpoints:         make(map[string]endpoint),
		identities:        make(map[string]protocol.IdentityBody),
		dialing:           make(map[string]bool),
		reconnecting:      make(map[string]bool),
		suppressReconnect: make(map[string]bool),
		errs:              make(chan error, 32),
		events:            make(chan Event, 32),
		closed:            make(chan struct{}),
	}, nil
}

// Start binds the control listener and begins accepting sessions.
func (m *Manager) Start() error {
	localDevice := m.options.Identity.LocalIdentity()
	m.local = protocol.IdentityBody{
		DeviceID:             localDevice.DeviceID,
		DeviceName:           localDevice.Name,
		DeviceType:           localDevice.DeviceType,
		ProtocolVersion:      protocol.Version,
		IncomingCapabilities: m.options.IncomingCapabilities,
		OutgoingCapabilities: m.options.OutgoingCapabilities,
	}

	server, err := network.Listen(m.options.TCPPortMin, m.options.TCPPortMax, network.Options{
		Identity:          m.local,
		Certificate:       m.options.Identity.LocalCertificate(),
		Verify:            m.verifyPeer,
		ConnectionTimeout: m.options.ConnectionTimeout,
	})
	if err != nil {
		return err
	}
	m.server = server
	m.local.TCPPort = server.Port()

	m.wg.Add(2)
	go m.acceptLoop()
	go m.serverErrorLoop()
	return nil
}

// Port returns the bound control port. Valid after Start.
func (m *Manager) Port() int {
	return m.server.Port()
}

// LocalIdentity returns the identity body announced to the network,
// including the bound control port. Valid after Start.
func (m *Manager) LocalIdentity() protocol.IdentityBody {
	return m.local
}

// Errors returns asynchronous session errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Events returns session lifecycle notifications.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ActiveCount returns the number of established sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessions lists the identities of all connected peers.
func (m *Manager) ActiveSessions() []identity.DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.DeviceIdentity, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Remote)
	}
	return out
}

// Session returns the live session for a device, if any.
func (m *Manager) Session(deviceID string) (*DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[deviceID]
	return session, ok
}

// SendPacket delivers a packet over the device's session.
func (m *Manager) SendPacket(deviceID string, packet protocol.Packet) error {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w with %q", ErrNoSession, deviceID)
	}
	return session.conn.SendPacket(packet)
}

// SendPacketWithPayload opens a payload side channel serving size bytes from
// data, stamps the packet with the channel's port, and sends it over the
// device's session. Only the session peer's certificate is admitted on the
// side channel. The returned server finishes on its own; Close abandons it.
func (m *Manager) SendPacketWithPayload(deviceID string, packet protocol.Packet, data io.Reader, size int64) (*network.PayloadServer, error) {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w with %q", ErrNoSession, deviceID)
	}

	server, err := network.ServePayload(m.options.Identity.LocalCertificate(),
		certMatcher(session.conn.PeerCertificate()), data, size, 0)
	if err != nil {
		return nil, err
	}
	packet.PayloadSize = size
	packet.PayloadTransferInfo = &protocol.PayloadTransferInfo{Port: server.Port()}
	if err := session.conn.SendPacket(packet); err != nil {
		_ = server.Close()
		return nil, err
	}
	return server, nil
}

// FetchPayload downloads the payload referenced by a received packet into w,
// connecting back to the session peer's address on the advertised port.
func (m *Manager) FetchPayload(deviceID string, packet protocol.Packet, w io.Writer) error {
	if !packet.HasPayload() {
		return fmt.Errorf("packet %q carries no payload reference", packet.Type)
	}
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w with %q", ErrNoSession, deviceID)
	}
	host, _, err := net.SplitHostPort(session.conn.RemoteAddr().String())
	if err != nil {
		return err
	}
	return network.FetchPayload(host, packet.PayloadTransferInfo.Port, packet.PayloadSize,
		m.options.Identity.LocalCertificate(), certMatcher(session.conn.PeerCertificate()), w, 0)
}

// certMatcher admits exactly the certificate seen on the control connection.
func certMatcher(expected *x509.Certificate) network.PeerVerifier {
	return func(peerCert *x509.Certificate) error {
		if !bytes.Equal(peerCert.Raw, expected.Raw) {
			return errors.New("payload peer certificate differs from session certificate")
		}
		return nil
	}
}

// HandleAnnouncement reconciles one discovery observation. Establishing a
// session is idempotent: an announcement for an already connected device
// only refreshes its endpoint record.
func (m *Manager) HandleAnnouncement(host string, body protocol.IdentityBody) {
	if body.DeviceID == m.local.DeviceID {
		return
	}
	if body.TCPPort == 0 {
		return
	}

	m.mu.Lock()
	m.endpoints[body.DeviceID] = endpoint{host: host, port: body.TCPPort}
	m.identities[body.DeviceID] = body
	// A fresh announcement lifts any reconnect suppression.
	delete(m.suppressReconnect, body.DeviceID)
	_, connected := m.sessions[body.DeviceID]
	m.mu.Unlock()

	m.persistAnnouncement(host, body)
	if connected {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Connect(body.DeviceID); err != nil {
			m.reportError(fmt.Errorf("connect to announced device %q: %w", body.DeviceID, err))
		}
	}()
}

// Connect establishes a session to a device at its last known endpoint.
// Idempotent: a live session or an in-flight outbound attempt makes it a
// no-op.
func (m *Manager) Connect(deviceID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return nil
	}
	if m.dialing[deviceID] {
		m.mu.Unlock()
		return nil
	}
	target, known := m.endpoints[deviceID]
	if !known {
		m.mu.Unlock()
		return fmt.Errorf("no known endpoint for %q", deviceID)
	}
	// The last announced identity travels with the outbound session so the
	// peer's name, type, and capabilities survive on the dialing side.
	remote, haveIdentity := m.identities[deviceID]
	m.dialing[deviceID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, deviceID)
		m.mu.Unlock()
	}()
	if !haveIdentity {
		remote = protocol.IdentityBody{DeviceID: deviceID}
	}

	address := net.JoinHostPort(target.host, fmt.Sprintf("%d", target.port))
	conn, err := network.Dial(address, remote, network.Options{
		Identity:          m.local,
		Certificate:       m.options.Identity.LocalCertificate(),
		Verify:            m.verifyPeer,
		ConnectionTimeout: m.options.ConnectionTimeout,
	})
	if err != nil {
		return err
	}
	m.registerConnection(conn)
	return nil
}

// Disconnect closes the session to a device. When suppress is set, the
// automatic reconnect machinery stays quiet until the device is seen again.
func (m *Manager) Disconnect(deviceID string, suppress bool) {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	if suppress {
		m.suppressReconnect[deviceID] = true
	}
	m.mu.Unlock()
	if ok {
		_ = session.conn.Close()
	}
}

// Close tears down the listener and all sessions.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.server != nil {
			closeErr = m.server.Close()
		}

		m.mu.Lock()
		sessions := make([]*DeviceSession, 0, len(m.sessions))
		for _, session := range m.sessions {
			sessions = append(sessions, session)
		}
		m.mu.Unlock()
		for _, session := range sessions {
			_ = session.conn.Close()
		}

		m.wg.Wait()
		close(m.errs)
		close(m.events)
	})
	return closeErr
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for conn := range m.server.Incoming() {
		m.registerConnection(conn)
	}
}

func (m *Manager) serverErrorLoop() {
	defer m.wg.Done()
	for err := range m.server.Errors() {
		m.reportError(err)
	}
}

// verifyPeer gates the TLS handshake on the pinned fingerprint, so an
// untrusted certificate from a paired device never completes establishment.
func (m *Manager) verifyPeer(deviceID string, peerCert *x509.Certificate) error {
	decision, err := m.options.Identity.VerifyAndPin(deviceID, peerCert)
	if err != nil {
		return fmt.Errorf("verify %q: %w", deviceID, err)
	}
	if decision == identity.Mismatch {
		m.recordSecurityEvent(storage.EventCertMismatch, deviceID,
			"handshake with unexpected certificate", storage.SeverityCritical)
		return fmt.Errorf("certificate mismatch for paired device %q", deviceID)
	}
	return nil
}

// registerConnection runs the post-handshake trust check and installs the
// connection in the session table.
func (m *Manager) registerConnection(conn *network.Connection) {
	select {
	case <-m.closed:
		_ = conn.Close()
		return
	default:
	}

	remote := identity.FromIdentityBody(conn.RemoteIdentity())
	deviceID := remote.DeviceID

	decision, err := m.options.Identity.VerifyAndPin(deviceID, conn.PeerCertificate())
	if err != nil {
		m.reportError(fmt.Errorf("verify %q: %w", deviceID, err))
		_ = conn.Close()
		return
	}
	if decision == identity.Mismatch {
		// A paired device presenting a different certificate is never let
		// through. The old pin stays; re-pairing requires explicit revoke.
		m.recordSecurityEvent(storage.EventCertMismatch, deviceID,
			"connection with unexpected certificate from "+conn.RemoteAddr().String(), storage.SeverityCritical)
		m.reportError(fmt.Errorf("certificate mismatch for paired device %q", deviceID))
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	if existing, ok := m.sessions[deviceID]; ok {
		// Both sides connected at once. Deterministic on both peers: the
		// connection initiated by the smaller device ID survives.
		smaller := m.local.DeviceID
		if deviceID < smaller {
			smaller = deviceID
		}
		newInitiator := deviceID
		if conn.Role() == network.RoleTLSServer {
			newInitiator = m.local.DeviceID
		}
		if newInitiator != smaller {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		delete(m.sessions, deviceID)
		_ = existing.conn.Close()
		// handleDisconnect skips replaced sessions, so balance the gauge here.
		metrics.ActiveSessions.Dec()
	}
	session := &DeviceSession{Remote: remote, conn: conn}
	m.sessions[deviceID] = session
	if conn.RemoteIdentity().DeviceName != "" {
		m.identities[deviceID] = conn.RemoteIdentity()
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if port := conn.RemoteIdentity().TCPPort; port != 0 {
			m.endpoints[deviceID] = endpoint{host: host, port: port}
		}
	}
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	m.persistConnection(conn)
	m.emit(Event{Type: EventEstablished, DeviceID: deviceID})
	log.Printf("session: established with %q (%s, tls %s)", deviceID, conn.RemoteAddr(), conn.Role())

	m.wg.Add(1)
	go m.connectionLoop(session)
}

func (m *Manager) connectionLoop(session *DeviceSession) {
	defer m.wg.Done()

	for {
		packet, err := session.conn.ReceivePacket(context.Background())
		if err != nil {
			m.handleDisconnect(session, err)
			return
		}
		if packet.Type == protocol.TypeIdentity {
			// Identity is exchanged during establishment only.
			continue
		}
		m.options.Handler(session.Remote, session.conn, packet)
	}
}

func (m *Manager) handleDisconnect(session *DeviceSession, cause error) {
	deviceID := session.Remote.DeviceID

	m.mu.Lock()
	current, ok := m.sessions[deviceID]
	if ok && current == session {
		delete(m.sessions, deviceID)
	} else {
		// Already replaced by a newer connection.
		ok = false
	}
	suppressed := m.suppressReconnect[deviceID]
	m.mu.Unlock()

	if !ok {
		return
	}

	metrics.ActiveSessions.Dec()
	m.emit(Event{Type: EventLost, DeviceID: deviceID})
	if cause != nil && !errors.Is(cause, context.Canceled) {
		log.Printf("session: lost %q: %v", deviceID, cause)
	} else {
		log.Printf("session: closed %q", deviceID)
	}

	select {
	case <-m.closed:
		return
	default:
	}
	if suppressed {
		return
	}

	// Transport loss never touches pairing state; trusted devices are
	// reconnected automatically.
	paired, err := m.options.Identity.IsPinned(deviceID)
	if err != nil {
		m.reportError(fmt.Errorf("load trust record for %q: %w", deviceID, err))
		return
	}
	if !paired {
		return
	}
	m.scheduleReconnect(deviceID)
}

func (m *Manager) scheduleReconnect(deviceID string) {
	m.mu.Lock()
	if m.reconnecting[deviceID] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[deviceID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectWorker(deviceID)
}

func (m *Manager) reconnectWorker(deviceID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.reconnecting, deviceID)
		m.mu.Unlock()
	}()

	for attempt, delay := range m.options.ReconnectBackoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.closed:
				return
			}
		}

		m.mu.Lock()
		_, connected := m.sessions[deviceID]
		suppressed := m.suppressReconnect[deviceID]
		m.mu.Unlock()
		if connected || suppressed {
			return
		}

		metrics.ReconnectAttempts.Inc()
		err := m.Connect(deviceID)
		if err == nil {
			return
		}
		log.Printf("session: reconnect attempt %d for %q failed: %v", attempt+1, deviceID, err)
	}
	log.Printf("session: giving up on %q until it is seen again", deviceID)
}

func (m *Manager) persistAnnouncement(host string, body protocol.IdentityBody) {
	if m.options.Store == nil {
		return
	}
	now := time.Now().UnixMilli()
	port := body.TCPPort
	device := storage.Device{
		DeviceID:          body.DeviceID,
		DeviceName:        body.DeviceName,
		DeviceType:        protocol.NormalizeDeviceType(body.DeviceType),
		ProtocolVersion:   body.ProtocolVersion,
		LastSeenTimestamp: &now,
		LastKnownIP:       &host,
		LastKnownPort:     &port,
	}
	if err := m.options.Store.UpsertDevice(device); err != nil {
		m.reportError(fmt.Errorf("persist device %q: %w", body.DeviceID, err))
	}
}

func (m *Manager) persistConnection(conn *network.Connection) {
	if m.options.Store == nil {
		return
	}
	// An identity without a name means the remote body was never learned;
	// persisting it would clobber the announced record.
	if conn.RemoteIdentity().DeviceName == "" {
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}
	m.persistAnnouncement(host, conn.RemoteIdentity())
}

func (m *Manager) recordSecurityEvent(eventType, deviceID, details, severity string) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.InsertSecurityEvent(eventType, deviceID, details, severity); err != nil {
		log.Printf("session: record security event: %v", err)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.errs <- err:
	default:
	}
}

func (m *Manager) emit(event Event) {
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.events <- event:
	default:
	}
}
