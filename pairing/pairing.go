// Package pairing implements the trust-on-first-use pairing state machine.
// Each remote device owns an independent machine; transitions are driven by
// local requests, peer pair packets, and request timeouts.
package pairing

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"goconnect/identity"
	"goconnect/storage"
)

// State is the pairing status of one remote device.
type State int

const (
	// StateUnpaired means no trust relationship exists.
	StateUnpaired State = iota
	// StateRequestSent means a local pairing request is awaiting the peer.
	StateRequestSent
	// StateRequestReceived means a peer request is awaiting a local decision.
	StateRequestReceived
	// StatePaired means the peer's certificate fingerprint is pinned.
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateRequestSent:
		return "request-sent"
	case StateRequestReceived:
		return "request-received"
	case StatePaired:
		return "paired"
	default:
		return "unpaired"
	}
}

// DefaultRequestTimeout is how long a pending pairing request stays open.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrNotPending indicates an accept or reject without an open peer request.
	ErrNotPending = errors.New("pairing: no pending request")
	// ErrAlreadyPaired indicates a redundant pairing request.
	ErrAlreadyPaired = errors.New("pairing: device already paired")
	// ErrCertificateMismatch indicates the peer presented a certificate that
	// differs from the pinned fingerprint. Pairing never proceeds over a
	// mismatch; the old trust record must be revoked explicitly first.
	ErrCertificateMismatch = errors.New("pairing: certificate fingerprint mismatch")
)

// EventType classifies pairing notifications.
type EventType int

const (
	// EventRequestReceived asks for a local accept/reject decision.
	EventRequestReceived EventType = iota
	// EventPaired reports a completed pairing.
	EventPaired
	// EventUnpaired reports a revoked or rejected pairing.
	EventUnpaired
	// EventTimeout reports an expired pending request.
	EventTimeout
	// EventMismatch reports a pinned-fingerprint conflict.
	EventMismatch
)

func (t EventType) String() string {
	switch t {
	case EventRequestReceived:
		return "request-received"
	case EventPaired:
		return "paired"
	case EventUnpaired:
		return "unpaired"
	case EventTimeout:
		return "timeout"
	case EventMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Event is a pairing state change worth surfacing to the caller.
type Event struct {
	Type     EventType
	DeviceID string
}

// SendFunc delivers a pair packet to a device. pair=true requests or accepts,
// pair=false rejects or revokes.
type SendFunc func(deviceID string, pair bool) error

// Options configures a pairing Manager.
type Options struct {
	LocalDeviceID string
	Identity      *identity.Manager
	// Store records security events; may be nil.
	Store *storage.Store
	Send  SendFunc

	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	return out
}

type deviceState struct {
	state State
	timer *time.Timer
}

// Manager tracks pairing machines for all known devices.
type Manager struct {
	options Options

	mu      sync.Mutex
	devices map[string]*deviceState

	events chan Event
}

// NewManager builds a pairing manager. Devices whose fingerprints are already
// pinned start in StatePaired; everything else starts in StateUnpaired.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.LocalDeviceID == "" {
		return nil, errors.New("pairing: local device ID is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("pairing: identity manager is required")
	}
	if opts.Send == nil {
		return nil, errors.New("pairing: send function is required")
	}
	return &Manager{
		options: opts,
		devices: make(map[string]*deviceState),
		events:  make(chan Event, 32),
	}, nil
}

// Events returns pairing notifications. Events are dropped if the channel
// backs up; state queries remain authoritative.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current pairing state for a device.
func (m *Manager) State(deviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(deviceID).state
}

// RequestPairing sends a pairing request to an unpaired device and opens the
// request window.
func (m *Manager) RequestPairing(deviceID string) error {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	switch device.state {
	case StatePaired:
		m.mu.Unlock()
		return ErrAlreadyPaired
	case StateRequestSent:
		m.mu.Unlock()
		return nil
	case StateRequestReceived:
		m.mu.Unlock()
		return fmt.Errorf("pairing: peer %q already has a request pending, accept or reject it", deviceID)
	}
	m.transitionLocked(deviceID, device, StateRequestSent)
	m.mu.Unlock()

	if err := m.options.Send(deviceID, true); err != nil {
		m.mu.Lock()
		m.transitionLocked(deviceID, device, StateUnpaired)
		m.mu.Unlock()
		return fmt.Errorf("send pairing request to %q: %w", deviceID, err)
	}
	return nil
}

// AcceptPairing approves a peer's pending request, pins its certificate and
// replies with acceptance.
func (m *Manager) AcceptPairing(deviceID string, peerCert *x509.Certificate) error {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	if device.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNotPending
	}
	if err := m.pinLocked(deviceID, peerCert); err != nil {
		m.transitionLocked(deviceID, device, StateUnpaired)
		m.mu.Unlock()
		return err
	}
	m.transitionLocked(deviceID, device, StatePaired)
	m.mu.Unlock()

	m.emit(Event{Type: EventPaired, DeviceID: deviceID})
	if err := m.options.Send(deviceID, true); err != nil {
		return fmt.Errorf("send pairing acceptance to %q: %w", deviceID, err)
	}
	return nil
}

// RejectPairing declines a peer's pending request.
func (m *Manager) RejectPairing(deviceID string) error {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	if device.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNotPending
	}
	m.transitionLocked(deviceID, device, StateUnpaired)
	m.mu.Unlock()

	m.emit(Event{Type: EventUnpaired, DeviceID: deviceID})
	if err := m.options.Send(deviceID, false); err != nil {
		return fmt.Errorf("send pairing rejection to %q: %w", deviceID, err)
	}
	return nil
}

// Unpair revokes trust in a device and notifies it.
func (m *Manager) Unpair(deviceID string) error {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	wasPaired := device.state == StatePaired
	m.transitionLocked(deviceID, device, StateUnpaired)
	m.mu.Unlock()

	if wasPaired {
		if err := m.options.Identity.Revoke(deviceID); err != nil {
			return fmt.Errorf("revoke trust in %q: %w", deviceID, err)
		}
		m.recordSecurityEvent(storage.EventTrustRevoked, deviceID, "pairing revoked locally", storage.SeverityInfo)
	}

	m.emit(Event{Type: EventUnpaired, DeviceID: deviceID})
	// Notify on a best-effort basis; the peer may be offline.
	if err := m.options.Send(deviceID, false); err != nil {
		log.Printf("pairing: could not notify %q of unpair: %v", deviceID, err)
	}
	return nil
}

// HandlePairPacket drives the machine with a peer's pair packet. peerCert is
// the certificate presented on the connection the packet arrived over.
func (m *Manager) HandlePairPacket(deviceID string, peerCert *x509.Certificate, pair bool) error {
	if !pair {
		return m.handlePeerRevoke(deviceID)
	}
	return m.handlePeerRequest(deviceID, peerCert)
}

func (m *Manager) handlePeerRequest(deviceID string, peerCert *x509.Certificate) error {
	decision, err := m.options.Identity.VerifyAndPin(deviceID, peerCert)
	if err != nil {
		return fmt.Errorf("verify peer %q: %w", deviceID, err)
	}
	if decision == identity.Mismatch {
		// The machine decays to Unpaired but the old pin stays: re-pairing
		// over a mismatch needs an explicit revoke first.
		m.mu.Lock()
		device := m.lookupLocked(deviceID)
		if device.state != StateUnpaired {
			device.state = StateUnpaired
			if device.timer != nil {
				device.timer.Stop()
				device.timer = nil
			}
		}
		m.mu.Unlock()

		m.recordSecurityEvent(storage.EventCertMismatch, deviceID,
			"pairing request with unexpected certificate", storage.SeverityCritical)
		m.emit(Event{Type: EventMismatch, DeviceID: deviceID})
		if err := m.options.Send(deviceID, false); err != nil {
			log.Printf("pairing: could not reject mismatched peer %q: %v", deviceID, err)
		}
		return ErrCertificateMismatch
	}

	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	switch device.state {
	case StatePaired:
		m.mu.Unlock()
		// Already trusted and the certificate still matches. Replying here
		// would bounce pair packets between two paired devices forever.
		return nil

	case StateRequestReceived:
		m.mu.Unlock()
		return nil

	case StateRequestSent:
		// Simultaneous requests. Resolved deterministically without user
		// interaction: the device with the smaller ID acts as the acceptor,
		// the other treats the incoming request as the acceptance of its
		// own. Both sides end up paired.
		acceptor := m.options.LocalDeviceID < deviceID
		if err := m.pinLocked(deviceID, peerCert); err != nil {
			m.transitionLocked(deviceID, device, StateUnpaired)
			m.mu.Unlock()
			return err
		}
		m.transitionLocked(deviceID, device, StatePaired)
		m.mu.Unlock()

		m.emit(Event{Type: EventPaired, DeviceID: deviceID})
		if acceptor {
			if err := m.options.Send(deviceID, true); err != nil {
				return fmt.Errorf("send pairing acceptance to %q: %w", deviceID, err)
			}
		}
		return nil

	default:
		m.transitionLocked(deviceID, device, StateRequestReceived)
		m.mu.Unlock()
		m.emit(Event{Type: EventRequestReceived, DeviceID: deviceID})
		return nil
	}
}

func (m *Manager) handlePeerRevoke(deviceID string) error {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	previous := device.state
	m.transitionLocked(deviceID, device, StateUnpaired)
	m.mu.Unlock()

	if previous == StateUnpaired {
		return nil
	}
	if previous == StatePaired {
		if err := m.options.Identity.Revoke(deviceID); err != nil {
			return fmt.Errorf("revoke trust in %q: %w", deviceID, err)
		}
		m.recordSecurityEvent(storage.EventTrustRevoked, deviceID, "pairing revoked by peer", storage.SeverityWarning)
	}
	m.emit(Event{Type: EventUnpaired, DeviceID: deviceID})
	return nil
}

func (m *Manager) lookupLocked(deviceID string) *deviceState {
	device, ok := m.devices[deviceID]
	if ok {
		return device
	}

	device = &deviceState{state: StateUnpaired}
	if pinned, err := m.options.Identity.IsPinned(deviceID); err == nil && pinned {
		device.state = StatePaired
	}
	m.devices[deviceID] = device
	return device
}

func (m *Manager) transitionLocked(deviceID string, device *deviceState, next State) {
	if device.timer != nil {
		device.timer.Stop()
		device.timer = nil
	}
	device.state = next

	if next == StateRequestSent || next == StateRequestReceived {
		device.timer = time.AfterFunc(m.options.RequestTimeout, func() {
			m.expireRequest(deviceID)
		})
	}
}

func (m *Manager) expireRequest(deviceID string) {
	m.mu.Lock()
	device := m.lookupLocked(deviceID)
	if device.state != StateRequestSent && device.state != StateRequestReceived {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(deviceID, device, StateUnpaired)
	m.mu.Unlock()

	m.emit(Event{Type: EventTimeout, DeviceID: deviceID})
}

func (m *Manager) pinLocked(deviceID string, peerCert *x509.Certificate) error {
	if peerCert == nil {
		return errors.New("pairing: peer certificate unavailable")
	}
	fingerprint := identity.CertificateFingerprint(peerCert)
	if err := m.options.Identity.RecordPairing(deviceID, fingerprint); err != nil {
		return fmt.Errorf("pin certificate for %q: %w", deviceID, err)
	}
	m.recordSecurityEvent(storage.EventPairingPinned, deviceID,
		"fingerprint "+fingerprint, storage.SeverityInfo)
	return nil
}

func (m *Manager) recordSecurityEvent(eventType, deviceID, details, severity string) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.InsertSecurityEvent(eventType, deviceID, details, severity); err != nil {
		log.Printf("pairing: record security event: %v", err)
	}
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

// Close stops all pending request timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, device := range m.devices {
		if device.timer != nil {
			device.timer.Stop()
			device.timer = nil
		}
	}
}
