package identity

import (
	"path/filepath"
	"sync"
	"testing"
)

type memoryTrustStore struct {
	mu           sync.Mutex
	fingerprints map[string]string
}

func newMemoryTrustStore() *memoryTrustStore {
	return &memoryTrustStore{fingerprints: make(map[string]string)}
}

func (s *memoryTrustStore) PinnedFingerprint(deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fingerprint, ok := s.fingerprints[deviceID]
	return fingerprint, ok, nil
}

func (s *memoryTrustStore) PinFingerprint(deviceID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[deviceID] = fingerprint
	return nil
}

func (s *memoryTrustStore) UnpinFingerprint(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fingerprints, deviceID)
	return nil
}

func testManager(t *testing.T, deviceID string) *Manager {
	t.Helper()

	dir := t.TempDir()
	cert, err := EnsureCertificate(
		filepath.Join(dir, "certificate.pem"),
		filepath.Join(dir, "private_key.pem"),
		deviceID,
	)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}

	manager, err := NewManager(DeviceIdentity{DeviceID: deviceID, Name: deviceID}, cert, newMemoryTrustStore())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager
}

func TestEnsureCertificatePersists(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certificate.pem")
	keyPath := filepath.Join(dir, "private_key.pem")

	first, err := EnsureCertificate(certPath, keyPath, "device-a")
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	second, err := EnsureCertificate(certPath, keyPath, "device-a")
	if err != nil {
		t.Fatalf("second EnsureCertificate failed: %v", err)
	}

	if Fingerprint(first.Certificate[0]) != Fingerprint(second.Certificate[0]) {
		t.Fatalf("certificate regenerated instead of loaded")
	}
	if first.Leaf.Subject.CommonName != "device-a" {
		t.Fatalf("unexpected certificate subject %q", first.Leaf.Subject.CommonName)
	}
}

func TestVerifyAndPinIsReflexive(t *testing.T) {
	local := testManager(t, "device-a")
	peer := testManager(t, "device-b")
	peerCert := peer.LocalCertificate().Leaf

	decision, err := local.VerifyAndPin("device-b", peerCert)
	if err != nil {
		t.Fatalf("VerifyAndPin failed: %v", err)
	}
	if decision != Untrusted {
		t.Fatalf("expected Untrusted before pairing, got %v", decision)
	}

	if err := local.RecordPairing("device-b", CertificateFingerprint(peerCert)); err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		decision, err := local.VerifyAndPin("device-b", peerCert)
		if err != nil {
			t.Fatalf("VerifyAndPin failed: %v", err)
		}
		if decision != Trusted {
			t.Fatalf("expected Trusted on presentation %d, got %v", i, decision)
		}
	}
}

func TestVerifyAndPinDetectsMismatch(t *testing.T) {
	local := testManager(t, "device-a")
	original := testManager(t, "device-b")
	impostor := testManager(t, "device-b")

	if err := local.RecordPairing("device-b", CertificateFingerprint(original.LocalCertificate().Leaf)); err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}

	decision, err := local.VerifyAndPin("device-b", impostor.LocalCertificate().Leaf)
	if err != nil {
		t.Fatalf("VerifyAndPin failed: %v", err)
	}
	if decision != Mismatch {
		t.Fatalf("expected Mismatch for changed certificate, got %v", decision)
	}

	// The pinned record must not be silently upgraded.
	decision, err = local.VerifyAndPin("device-b", original.LocalCertificate().Leaf)
	if err != nil {
		t.Fatalf("VerifyAndPin failed: %v", err)
	}
	if decision != Trusted {
		t.Fatalf("original certificate no longer trusted after mismatch: %v", decision)
	}
}

func TestRevokeClearsTrust(t *testing.T) {
	local := testManager(t, "device-a")
	peer := testManager(t, "device-b")
	peerCert := peer.LocalCertificate().Leaf

	if err := local.RecordPairing("device-b", CertificateFingerprint(peerCert)); err != nil {
		t.Fatalf("RecordPairing failed: %v", err)
	}
	if err := local.Revoke("device-b"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	decision, err := local.VerifyAndPin("device-b", peerCert)
	if err != nil {
		t.Fatalf("VerifyAndPin failed: %v", err)
	}
	if decision != Untrusted {
		t.Fatalf("expected Untrusted after revoke, got %v", decision)
	}
}

func TestFormatFingerprint(t *testing.T) {
	if got := FormatFingerprint("ab12cd"); got != "AB:12:CD" {
		t.Fatalf("FormatFingerprint: got %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("FormatFingerprint empty: got %q", got)
	}
}
