package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestUpsertDevicePreservesTrustFields(t *testing.T) {
	store := openTestStore(t)

	if err := store.PinFingerprint("device-b", "aabbcc"); err != nil {
		t.Fatalf("PinFingerprint failed: %v", err)
	}

	seen := time.Now().UnixMilli()
	ip := "192.168.1.20"
	port := 1716
	err := store.UpsertDevice(Device{
		DeviceID:          "device-b",
		DeviceName:        "Phone",
		DeviceType:        "phone",
		ProtocolVersion:   7,
		LastSeenTimestamp: &seen,
		LastKnownIP:       &ip,
		LastKnownPort:     &port,
	})
	if err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}

	device, err := store.GetDevice("device-b")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if device.DeviceName != "Phone" || device.DeviceType != "phone" {
		t.Fatalf("identity fields not updated: %+v", device)
	}
	if !device.Paired || device.CertFingerprint != "aabbcc" {
		t.Fatalf("trust fields clobbered by upsert: %+v", device)
	}
}

func TestPinnedFingerprintLifecycle(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.PinnedFingerprint("device-b"); err != nil || ok {
		t.Fatalf("expected no record, got ok=%v err=%v", ok, err)
	}

	if err := store.PinFingerprint("device-b", "aabbcc"); err != nil {
		t.Fatalf("PinFingerprint failed: %v", err)
	}
	fingerprint, ok, err := store.PinnedFingerprint("device-b")
	if err != nil || !ok || fingerprint != "aabbcc" {
		t.Fatalf("unexpected pinned record: %q ok=%v err=%v", fingerprint, ok, err)
	}

	if err := store.UnpinFingerprint("device-b"); err != nil {
		t.Fatalf("UnpinFingerprint failed: %v", err)
	}
	if _, ok, _ := store.PinnedFingerprint("device-b"); ok {
		t.Fatalf("record still pinned after unpin")
	}
}

func TestTrustSurvivesReopen(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.PinFingerprint("device-b", "aabbcc"); err != nil {
		t.Fatalf("PinFingerprint failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer reopened.Close()

	fingerprint, ok, err := reopened.PinnedFingerprint("device-b")
	if err != nil || !ok || fingerprint != "aabbcc" {
		t.Fatalf("trust record lost across reopen: %q ok=%v err=%v", fingerprint, ok, err)
	}
}

func TestTouchDeviceAndNotFound(t *testing.T) {
	store := openTestStore(t)

	if err := store.TouchDevice("missing", "10.0.0.1", 1716, time.Now().UnixMilli()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetDevice("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RemoveDevice("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpsertDevice(Device{DeviceID: "device-c", DeviceName: "TV", DeviceType: "tv"}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	seen := time.Now().UnixMilli()
	if err := store.TouchDevice("device-c", "10.0.0.2", 1717, seen); err != nil {
		t.Fatalf("TouchDevice failed: %v", err)
	}
	device, err := store.GetDevice("device-c")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if device.LastKnownIP == nil || *device.LastKnownIP != "10.0.0.2" {
		t.Fatalf("endpoint not recorded: %+v", device)
	}
	if device.LastSeenTimestamp == nil || *device.LastSeenTimestamp != seen {
		t.Fatalf("last seen not recorded: %+v", device)
	}
}

func TestSecurityEvents(t *testing.T) {
	store := openTestStore(t)

	if err := store.InsertSecurityEvent(EventCertMismatch, "device-b", "fingerprint changed", SeverityCritical); err != nil {
		t.Fatalf("InsertSecurityEvent failed: %v", err)
	}
	if err := store.InsertSecurityEvent(EventPairingPinned, "device-b", "paired", SeverityInfo); err != nil {
		t.Fatalf("InsertSecurityEvent failed: %v", err)
	}
	if err := store.InsertSecurityEvent("whatever", "", "details", "loud"); err == nil {
		t.Fatalf("expected invalid severity error")
	}

	events, err := store.ListSecurityEvents(10)
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != EventPairingPinned && events[1].EventType != EventPairingPinned {
		t.Fatalf("pairing event missing: %+v", events)
	}

	pruned, err := store.PruneSecurityEvents()
	if err != nil {
		t.Fatalf("PruneSecurityEvents failed: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("fresh events pruned: %d", pruned)
	}
}
