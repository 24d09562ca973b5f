// Package plugin routes inbound packets to capability handlers. Handlers
// declare the packet types they consume and produce; the union of those
// declarations forms the capability sets advertised in the local identity.
package plugin

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"goconnect/identity"
	"goconnect/metrics"
	"goconnect/network"
	"goconnect/protocol"
)

// Handler is one capability implementation.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string
	// IncomingTypes lists the packet types this handler consumes.
	IncomingTypes() []string
	// OutgoingTypes lists the packet types this handler may produce.
	OutgoingTypes() []string
	// HandlePacket processes one packet of a declared incoming type.
	HandlePacket(remote identity.DeviceIdentity, conn *network.Connection, packet protocol.Packet) error
}

// Registry maps packet types to handlers and dispatches by exact type match.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	all      []Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering two handlers for the same incoming
// packet type is a configuration error.
func (r *Registry) Register(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, packetType := range handler.IncomingTypes() {
		if existing, ok := r.handlers[packetType]; ok {
			return fmt.Errorf("packet type %q already handled by %q", packetType, existing.Name())
		}
	}
	for _, packetType := range handler.IncomingTypes() {
		r.handlers[packetType] = handler
	}
	r.all = append(r.all, handler)
	return nil
}

// IncomingCapabilities returns the sorted union of all handled packet types.
func (r *Registry) IncomingCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for packetType := range r.handlers {
		out = append(out, packetType)
	}
	sort.Strings(out)
	return out
}

// OutgoingCapabilities returns the sorted union of all producible types.
func (r *Registry) OutgoingCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, handler := range r.all {
		for _, packetType := range handler.OutgoingTypes() {
			seen[packetType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for packetType := range seen {
		out = append(out, packetType)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes one packet to the handler registered for its exact type.
// Packets without a handler are dropped and counted, never an error: peers
// may legitimately advertise capabilities this device does not implement.
func (r *Registry) Dispatch(remote identity.DeviceIdentity, conn *network.Connection, packet protocol.Packet) {
	r.mu.RLock()
	handler, ok := r.handlers[packet.Type]
	r.mu.RUnlock()

	if !ok {
		metrics.PacketsDropped.WithLabelValues("no_handler").Inc()
		log.Printf("plugin: dropping %q from %q, no handler", packet.Type, remote.DeviceID)
		return
	}

	// A peer sending a type outside its advertised outgoing capabilities is
	// tolerated but worth noticing.
	if len(remote.OutgoingCapabilities) > 0 && !contains(remote.OutgoingCapabilities, packet.Type) {
		log.Printf("plugin: %q sent unadvertised type %q", remote.DeviceID, packet.Type)
	}

	if err := handler.HandlePacket(remote, conn, packet); err != nil {
		metrics.PacketsDropped.WithLabelValues("handler_error").Inc()
		log.Printf("plugin: handler %q failed on %q from %q: %v", handler.Name(), packet.Type, remote.DeviceID, err)
		return
	}
	metrics.PacketsRouted.WithLabelValues(packet.Type).Inc()
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
