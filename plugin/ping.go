package plugin

import (
	"log"

	"goconnect/identity"
	"goconnect/network"
	"goconnect/protocol"
)

// PingBody is the optional body of a ping packet.
type PingBody struct {
	Message string `json:"message,omitempty"`
}

// Ping is the built-in reachability handler.
type Ping struct{}

// NewPing builds the ping handler.
func NewPing() *Ping {
	return &Ping{}
}

func (p *Ping) Name() string { return "ping" }

func (p *Ping) IncomingTypes() []string { return []string{protocol.TypePing} }

func (p *Ping) OutgoingTypes() []string { return []string{protocol.TypePing} }

func (p *Ping) HandlePacket(remote identity.DeviceIdentity, _ *network.Connection, packet protocol.Packet) error {
	var body PingBody
	if len(packet.Body) > 0 {
		if err := packet.UnmarshalBody(&body); err != nil {
			return err
		}
	}
	if body.Message != "" {
		log.Printf("ping from %q: %s", remote.DeviceID, body.Message)
	} else {
		log.Printf("ping from %q", remote.DeviceID)
	}
	return nil
}

// NewPingPacket builds an outgoing ping.
func NewPingPacket(message string) (protocol.Packet, error) {
	if message == "" {
		return protocol.New(protocol.TypePing, nil)
	}
	return protocol.New(protocol.TypePing, PingBody{Message: message})
}
