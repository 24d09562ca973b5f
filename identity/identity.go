// Package identity owns the local device identity, its self-signed
// certificate, and the pinned trust store used to authenticate peers.
package identity

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"goconnect/protocol"
)

// DeviceIdentity describes one physical device. The identity fields are
// stable across sessions; capability sets refresh on every session.
type DeviceIdentity struct {
	DeviceID             string
	Name                 string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// FromIdentityBody converts a validated wire identity body.
func FromIdentityBody(body protocol.IdentityBody) DeviceIdentity {
	return DeviceIdentity{
		DeviceID:             body.DeviceID,
		Name:                 body.DeviceName,
		DeviceType:           protocol.NormalizeDeviceType(body.DeviceType),
		ProtocolVersion:      body.ProtocolVersion,
		IncomingCapabilities: body.IncomingCapabilities,
		OutgoingCapabilities: body.OutgoingCapabilities,
	}
}

// TrustDecision is the three-way outcome of peer certificate verification.
type TrustDecision int

const (
	// Untrusted means no fingerprint is pinned for the device.
	Untrusted TrustDecision = iota
	// Trusted means the presented certificate matches the pinned fingerprint.
	Trusted
	// Mismatch means a fingerprint is pinned and the presented certificate
	// differs from it. This is a security-relevant event, distinct from
	// "never paired": the peer must re-pair with explicit user confirmation.
	Mismatch
)

func (d TrustDecision) String() string {
	switch d {
	case Trusted:
		return "trusted"
	case Mismatch:
		return "mismatch"
	default:
		return "untrusted"
	}
}

// TrustStore persists device_id → pinned certificate fingerprint mappings.
// Implementations must survive process restarts.
type TrustStore interface {
	// PinnedFingerprint returns the stored fingerprint for a device and
	// whether one exists.
	PinnedFingerprint(deviceID string) (string, bool, error)
	// PinFingerprint stores (or replaces) the fingerprint for a device.
	PinFingerprint(deviceID, fingerprint string) error
	// UnpinFingerprint removes the stored fingerprint for a device.
	UnpinFingerprint(deviceID string) error
}

// Manager exposes the local certificate and performs pinned-fingerprint
// verification of peer certificates.
type Manager struct {
	local DeviceIdentity
	cert  tls.Certificate

	mu    sync.Mutex
	trust TrustStore
}

// NewManager builds a manager around the local identity, its certificate,
// and a persistent trust store.
func NewManager(local DeviceIdentity, cert tls.Certificate, trust TrustStore) (*Manager, error) {
	if local.DeviceID == "" {
		return nil, errors.New("local device ID is required")
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("local certificate is required")
	}
	if trust == nil {
		return nil, errors.New("trust store is required")
	}
	return &Manager{local: local, cert: cert, trust: trust}, nil
}

// LocalIdentity returns the local device identity.
func (m *Manager) LocalIdentity() DeviceIdentity {
	return m.local
}

// LocalCertificate returns the certificate presented during TLS handshakes.
func (m *Manager) LocalCertificate() tls.Certificate {
	return m.cert
}

// LocalFingerprint returns the fingerprint of the local certificate.
func (m *Manager) LocalFingerprint() string {
	return Fingerprint(m.cert.Certificate[0])
}

// VerifyAndPin compares a presented peer certificate against the pinned
// fingerprint for the device.
//
// The same certificate presented again for a pinned device always yields
// Trusted. A differing certificate for a pinned device always yields
// Mismatch and is never silently upgraded; pinning happens only through
// RecordPairing after an explicit pairing decision.
func (m *Manager) VerifyAndPin(deviceID string, presented *x509.Certificate) (TrustDecision, error) {
	if deviceID == "" || presented == nil {
		return Untrusted, errors.New("device ID and certificate are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pinned, ok, err := m.trust.PinnedFingerprint(deviceID)
	if err != nil {
		return Untrusted, fmt.Errorf("load trust record for %q: %w", deviceID, err)
	}
	if !ok {
		return Untrusted, nil
	}
	if pinned == CertificateFingerprint(presented) {
		return Trusted, nil
	}
	return Mismatch, nil
}

// IsPinned reports whether a fingerprint is pinned for a device.
func (m *Manager) IsPinned(deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok, err := m.trust.PinnedFingerprint(deviceID)
	if err != nil {
		return false, fmt.Errorf("load trust record for %q: %w", deviceID, err)
	}
	return ok, nil
}

// RecordPairing pins a fingerprint for a device after a successful pairing.
func (m *Manager) RecordPairing(deviceID, fingerprint string) error {
	if deviceID == "" || fingerprint == "" {
		return errors.New("device ID and fingerprint are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trust.PinFingerprint(deviceID, fingerprint); err != nil {
		return fmt.Errorf("pin fingerprint for %q: %w", deviceID, err)
	}
	return nil
}

// Revoke removes the pinned fingerprint for a device.
func (m *Manager) Revoke(deviceID string) error {
	if deviceID == "" {
		return errors.New("device ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trust.UnpinFingerprint(deviceID); err != nil {
		return fmt.Errorf("unpin fingerprint for %q: %w", deviceID, err)
	}
	return nil
}
