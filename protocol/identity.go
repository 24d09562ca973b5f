package protocol

import (
	"errors"
	"strings"
)

// Device types advertised in identity packets.
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeLaptop  = "laptop"
	DeviceTypePhone   = "phone"
	DeviceTypeTablet  = "tablet"
	DeviceTypeTV      = "tv"
)

// IdentityBody is the body of a kdeconnect.identity packet. It is sent both
// over the unauthenticated discovery channel and as the first record on a new
// TCP connection.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
	TCPPort              int      `json:"tcpPort,omitempty"`
}

// PairBody is the body of a kdeconnect.pair packet.
type PairBody struct {
	Pair bool `json:"pair"`
}

// Validate checks the fields a peer-supplied identity must carry before it is
// acted upon. Discovery payloads are untrusted input. Device types outside
// the known set are accepted; a newer peer must not be rejected for
// advertising a type this version does not know, callers normalize it with
// NormalizeDeviceType instead.
func (b IdentityBody) Validate() error {
	if strings.TrimSpace(b.DeviceID) == "" {
		return errors.New("identity: device ID is required")
	}
	if strings.TrimSpace(b.DeviceName) == "" {
		return errors.New("identity: device name is required")
	}
	if b.ProtocolVersion <= 0 {
		return errors.New("identity: protocol version must be > 0")
	}
	return nil
}

// NormalizeDeviceType maps unknown device type strings to desktop so a newer
// peer's identity does not get rejected outright.
func NormalizeDeviceType(deviceType string) string {
	switch deviceType {
	case DeviceTypeDesktop, DeviceTypeLaptop, DeviceTypePhone, DeviceTypeTablet, DeviceTypeTV:
		return deviceType
	default:
		return DeviceTypeDesktop
	}
}
