package pairing

import (
	"crypto/x509"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"goconnect/identity"
)

type memoryTrust struct {
	mu   sync.Mutex
	pins map[string]string
}

func newMemoryTrust() *memoryTrust {
	return &memoryTrust{pins: make(map[string]string)}
}

func (s *memoryTrust) PinnedFingerprint(deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fingerprint, ok := s.pins[deviceID]
	return fingerprint, ok, nil
}

func (s *memoryTrust) PinFingerprint(deviceID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[deviceID] = fingerprint
	return nil
}

func (s *memoryTrust) UnpinFingerprint(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, deviceID)
	return nil
}

type sentPacket struct {
	deviceID string
	pair     bool
}

type packetLog struct {
	mu      sync.Mutex
	packets []sentPacket
}

func (l *packetLog) send(deviceID string, pair bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packets = append(l.packets, sentPacket{deviceID: deviceID, pair: pair})
	return nil
}

func (l *packetLog) all() []sentPacket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentPacket(nil), l.packets...)
}

func testCert(t *testing.T, deviceID string) *x509.Certificate {
	t.Helper()
	dir := t.TempDir()
	cert, err := identity.EnsureCertificate(
		filepath.Join(dir, "cert.pem"),
		filepath.Join(dir, "key.pem"),
		deviceID,
	)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	return cert.Leaf
}

type testPeer struct {
	manager *Manager
	trust   *memoryTrust
	log     *packetLog
	cert    *x509.Certificate
}

func newTestPeer(t *testing.T, deviceID string, timeout time.Duration) *testPeer {
	t.Helper()
	trust := newMemoryTrust()
	dir := t.TempDir()
	tlsCert, err := identity.EnsureCertificate(
		filepath.Join(dir, "cert.pem"),
		filepath.Join(dir, "key.pem"),
		deviceID,
	)
	if err != nil {
		t.Fatalf("EnsureCertificate failed: %v", err)
	}
	idManager, err := identity.NewManager(identity.DeviceIdentity{DeviceID: deviceID}, tlsCert, trust)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	log := &packetLog{}
	manager, err := NewManager(Options{
		LocalDeviceID:  deviceID,
		Identity:       idManager,
		Send:           log.send,
		RequestTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("pairing NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	return &testPeer{manager: manager, trust: trust, log: log, cert: tlsCert.Leaf}
}

func waitEvent(t *testing.T, peer *testPeer, want EventType) {
	t.Helper()
	select {
	case event := <-peer.manager.Events():
		if event.Type != want {
			t.Fatalf("event = %s, want %s", event.Type, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s event", want)
	}
}

func TestRequestAcceptFlow(t *testing.T) {
	alpha := newTestPeer(t, "device-a", 0)
	beta := newTestPeer(t, "device-b", 0)

	if err := alpha.manager.RequestPairing("device-b"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	if got := alpha.manager.State("device-b"); got != StateRequestSent {
		t.Fatalf("requester state = %s", got)
	}

	if err := beta.manager.HandlePairPacket("device-a", alpha.cert, true); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	waitEvent(t, beta, EventRequestReceived)
	if got := beta.manager.State("device-a"); got != StateRequestReceived {
		t.Fatalf("receiver state = %s", got)
	}

	if err := beta.manager.AcceptPairing("device-a", alpha.cert); err != nil {
		t.Fatalf("AcceptPairing failed: %v", err)
	}
	waitEvent(t, beta, EventPaired)
	if got := beta.manager.State("device-a"); got != StatePaired {
		t.Fatalf("receiver state after accept = %s", got)
	}
	if _, ok, _ := beta.trust.PinnedFingerprint("device-a"); !ok {
		t.Fatalf("acceptor did not pin the requester fingerprint")
	}

	// The acceptance arrives back at the requester while its request is open.
	if err := alpha.manager.HandlePairPacket("device-b", beta.cert, true); err != nil {
		t.Fatalf("acceptance HandlePairPacket failed: %v", err)
	}
	waitEvent(t, alpha, EventPaired)
	if got := alpha.manager.State("device-b"); got != StatePaired {
		t.Fatalf("requester state after acceptance = %s", got)
	}
	if _, ok, _ := alpha.trust.PinnedFingerprint("device-b"); !ok {
		t.Fatalf("requester did not pin the acceptor fingerprint")
	}
}

func TestSimultaneousRequestsResolveDeterministically(t *testing.T) {
	alpha := newTestPeer(t, "a1", 0)
	beta := newTestPeer(t, "b2", 0)

	if err := alpha.manager.RequestPairing("b2"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	if err := beta.manager.RequestPairing("a1"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}

	// The crossed requests arrive.
	if err := alpha.manager.HandlePairPacket("b2", beta.cert, true); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	if err := beta.manager.HandlePairPacket("a1", alpha.cert, true); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}

	if got := alpha.manager.State("b2"); got != StatePaired {
		t.Fatalf("a1 state = %s, want paired", got)
	}
	if got := beta.manager.State("a1"); got != StatePaired {
		t.Fatalf("b2 state = %s, want paired", got)
	}

	// Only the side with the smaller device ID sends the extra acceptance.
	alphaSends := alpha.log.all()
	betaSends := beta.log.all()
	if len(alphaSends) != 2 || !alphaSends[1].pair {
		t.Fatalf("a1 sends = %+v, want request plus acceptance", alphaSends)
	}
	if len(betaSends) != 1 {
		t.Fatalf("b2 sends = %+v, want request only", betaSends)
	}
}

func TestRequestTimeout(t *testing.T) {
	alpha := newTestPeer(t, "device-a", 50*time.Millisecond)

	if err := alpha.manager.RequestPairing("device-b"); err != nil {
		t.Fatalf("RequestPairing failed: %v", err)
	}
	waitEvent(t, alpha, EventTimeout)
	if got := alpha.manager.State("device-b"); got != StateUnpaired {
		t.Fatalf("state after timeout = %s", got)
	}
}

func TestMismatchNeverPairs(t *testing.T) {
	alpha := newTestPeer(t, "device-a", 0)
	originalCert := testCert(t, "device-b")
	impostorCert := testCert(t, "device-b")

	if err := alpha.trust.PinFingerprint("device-b", identity.CertificateFingerprint(originalCert)); err != nil {
		t.Fatalf("PinFingerprint failed: %v", err)
	}

	err := alpha.manager.HandlePairPacket("device-b", impostorCert, true)
	if !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("expected ErrCertificateMismatch, got %v", err)
	}
	waitEvent(t, alpha, EventMismatch)

	// The original pin must survive untouched.
	fingerprint, ok, _ := alpha.trust.PinnedFingerprint("device-b")
	if !ok || fingerprint != identity.CertificateFingerprint(originalCert) {
		t.Fatalf("pinned fingerprint disturbed by mismatch: %q ok=%v", fingerprint, ok)
	}

	sends := alpha.log.all()
	if len(sends) != 1 || sends[0].pair {
		t.Fatalf("expected a single rejection send, got %+v", sends)
	}
}

func TestPeerRevokeClearsTrust(t *testing.T) {
	alpha := newTestPeer(t, "device-a", 0)
	peerCert := testCert(t, "device-b")

	if err := alpha.trust.PinFingerprint("device-b", identity.CertificateFingerprint(peerCert)); err != nil {
		t.Fatalf("PinFingerprint failed: %v", err)
	}
	if got := alpha.manager.State("device-b"); got != StatePaired {
		t.Fatalf("pinned device state = %s, want paired", got)
	}

	if err := alpha.manager.HandlePairPacket("device-b", peerCert, false); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	waitEvent(t, alpha, EventUnpaired)
	if got := alpha.manager.State("device-b"); got != StateUnpaired {
		t.Fatalf("state after revoke = %s", got)
	}
	if _, ok, _ := alpha.trust.PinnedFingerprint("device-b"); ok {
		t.Fatalf("fingerprint still pinned after peer revoke")
	}
}

func TestRejectPairing(t *testing.T) {
	alpha := newTestPeer(t, "device-a", 0)
	peerCert := testCert(t, "device-b")

	if err := alpha.manager.HandlePairPacket("device-b", peerCert, true); err != nil {
		t.Fatalf("HandlePairPacket failed: %v", err)
	}
	waitEvent(t, alpha, EventRequestReceived)

	if err := alpha.manager.RejectPairing("device-b"); err != nil {
		t.Fatalf("RejectPairing failed: %v", err)
	}
	waitEvent(t, alpha, EventUnpaired)
	if got := alpha.manager.State("device-b"); got != StateUnpaired {
		t.Fatalf("state after reject = %s", got)
	}
	if err := alpha.manager.RejectPairing("device-b"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}
