package discovery

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"goconnect/protocol"
)

const (
	mdnsService = "_goconnect._udp"
	mdnsDomain  = "local."
)

// mdnsBackend registers the local device as an mDNS service and browses for
// peers doing the same. It feeds observations into the owning Service so
// both discovery paths share the de-duplication window.
type mdnsBackend struct {
	server *zeroconf.Server
	cancel context.CancelFunc
}

func startMDNS(identity protocol.IdentityBody, owner *Service) (*mdnsBackend, error) {
	txt := []string{
		"id=" + identity.DeviceID,
		"name=" + identity.DeviceName,
		"type=" + identity.DeviceType,
		"protocol=" + strconv.Itoa(identity.ProtocolVersion),
	}
	server, err := zeroconf.Register(identity.DeviceID, mdnsService, mdnsDomain, identity.TCPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			body, host, ok := entryToIdentity(entry)
			if !ok {
				continue
			}
			owner.deliver(Announcement{Source: SourceMDNS, Host: host, Identity: body})
		}
	}()
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("browse mdns service: %w", err)
	}
	log.Printf("discovery: mdns registered as %q", identity.DeviceID)

	return &mdnsBackend{server: server, cancel: cancel}, nil
}

func (b *mdnsBackend) close() {
	b.cancel()
	b.server.Shutdown()
}

// entryToIdentity reconstructs an identity body from a service entry's TXT
// records. Entries without an id record or a resolvable address are skipped.
func entryToIdentity(entry *zeroconf.ServiceEntry) (protocol.IdentityBody, string, bool) {
	body := protocol.IdentityBody{
		ProtocolVersion: protocol.Version,
		TCPPort:         entry.Port,
	}
	for _, record := range entry.Text {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case "id":
			body.DeviceID = value
		case "name":
			body.DeviceName = value
		case "type":
			body.DeviceType = protocol.NormalizeDeviceType(value)
		case "protocol":
			if version, err := strconv.Atoi(value); err == nil {
				body.ProtocolVersion = version
			}
		}
	}
	if body.DeviceName == "" {
		body.DeviceName = entry.Instance
	}
	body.DeviceType = protocol.NormalizeDeviceType(body.DeviceType)
	if err := body.Validate(); err != nil {
		return protocol.IdentityBody{}, "", false
	}

	if len(entry.AddrIPv4) > 0 {
		return body, entry.AddrIPv4[0].String(), true
	}
	if len(entry.AddrIPv6) > 0 {
		return body, entry.AddrIPv6[0].String(), true
	}
	return protocol.IdentityBody{}, "", false
}
