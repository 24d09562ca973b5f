package plugin

import (
	"sync"
	"testing"

	"goconnect/identity"
	"goconnect/network"
	"goconnect/protocol"
)

type recordingHandler struct {
	name     string
	incoming []string
	outgoing []string

	mu      sync.Mutex
	packets []protocol.Packet
}

func (h *recordingHandler) Name() string            { return h.name }
func (h *recordingHandler) IncomingTypes() []string { return h.incoming }
func (h *recordingHandler) OutgoingTypes() []string { return h.outgoing }

func (h *recordingHandler) HandlePacket(_ identity.DeviceIdentity, _ *network.Connection, packet protocol.Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, packet)
	return nil
}

func (h *recordingHandler) received() []protocol.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Packet(nil), h.packets...)
}

func TestDispatchExactTypeMatch(t *testing.T) {
	registry := NewRegistry()
	battery := &recordingHandler{
		name:     "battery",
		incoming: []string{"kdeconnect.battery"},
		outgoing: []string{"kdeconnect.battery.request"},
	}
	if err := registry.Register(battery); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(NewPing()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	remote := identity.DeviceIdentity{DeviceID: "device-b"}
	packet, _ := protocol.New("kdeconnect.battery", map[string]int{"currentCharge": 80})
	registry.Dispatch(remote, nil, packet)

	if got := battery.received(); len(got) != 1 || got[0].Type != "kdeconnect.battery" {
		t.Fatalf("battery handler packets = %+v", got)
	}
}

func TestUnknownTypeIsDroppedSilently(t *testing.T) {
	registry := NewRegistry()
	battery := &recordingHandler{
		name:     "battery",
		incoming: []string{"kdeconnect.battery"},
	}
	if err := registry.Register(battery); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// A ping arriving at a battery-only registry is dropped without error
	// and without disturbing the registered handler.
	remote := identity.DeviceIdentity{DeviceID: "device-b"}
	ping, _ := protocol.New(protocol.TypePing, nil)
	registry.Dispatch(remote, nil, ping)

	if got := battery.received(); len(got) != 0 {
		t.Fatalf("battery handler saw foreign packets: %+v", got)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(NewPing()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(NewPing()); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestCapabilitySets(t *testing.T) {
	registry := NewRegistry()
	battery := &recordingHandler{
		name:     "battery",
		incoming: []string{"kdeconnect.battery"},
		outgoing: []string{"kdeconnect.battery.request"},
	}
	if err := registry.Register(battery); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(NewPing()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	incoming := registry.IncomingCapabilities()
	if len(incoming) != 2 || incoming[0] != "kdeconnect.battery" || incoming[1] != protocol.TypePing {
		t.Fatalf("incoming capabilities = %v", incoming)
	}
	outgoing := registry.OutgoingCapabilities()
	if len(outgoing) != 2 || outgoing[0] != "kdeconnect.battery.request" || outgoing[1] != protocol.TypePing {
		t.Fatalf("outgoing capabilities = %v", outgoing)
	}
}
