// Package discovery announces the local device on the LAN and watches for
// peers. The primary mechanism is a UDP broadcast of the identity packet;
// an mDNS backend runs alongside it for networks that filter broadcast.
package discovery

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"goconnect/metrics"
	"goconnect/protocol"
)

const (
	// DefaultPort is the UDP port identity announcements are sent to.
	DefaultPort = 1716

	// DefaultAnnounceInterval spaces periodic identity broadcasts.
	DefaultAnnounceInterval = 5 * time.Second

	// DefaultDedupWindow suppresses repeated announcements from one device.
	DefaultDedupWindow = 20 * time.Second

	// maxDatagramSize bounds inbound announcement reads.
	maxDatagramSize = 8192
)

const (
	// SourceBroadcast marks announcements received over UDP broadcast.
	SourceBroadcast = "broadcast"
	// SourceMDNS marks announcements received over mDNS.
	SourceMDNS = "mdns"
)

// Announcement is one observed peer.
type Announcement struct {
	Source   string
	Host     string
	Identity protocol.IdentityBody
}

// Options configures the discovery service.
type Options struct {
	// Identity is the announced identity. It must carry the control TCPPort.
	Identity protocol.IdentityBody
	Port     int

	AnnounceInterval time.Duration
	DedupWindow      time.Duration

	// Suppress, when it returns true, skips the periodic broadcast. Used to
	// stay quiet while sessions are already established.
	Suppress func() bool

	// EnableMDNS also registers and browses the mDNS service.
	EnableMDNS bool
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.DedupWindow <= 0 {
		out.DedupWindow = DefaultDedupWindow
	}
	return out
}

// Service announces the local identity and reports observed peers.
type Service struct {
	options Options

	conn net.PacketConn

	announcements chan Announcement
	errs          chan error

	dedupMu  sync.Mutex
	lastSeen map[string]time.Time

	mdns *mdnsBackend

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start binds the discovery socket and begins announcing and listening.
func Start(options Options) (*Service, error) {
	opts := options.withDefaults()
	if opts.Identity.DeviceID == "" {
		return nil, errors.New("discovery: local identity is required")
	}
	if opts.Identity.TCPPort == 0 {
		return nil, errors.New("discovery: identity must carry the control port")
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", opts.Port, err)
	}

	service := &Service{
		options:       opts,
		conn:          conn,
		announcements: make(chan Announcement, 32),
		errs:          make(chan error, 16),
		lastSeen:      make(map[string]time.Time),
		closed:        make(chan struct{}),
	}

	service.wg.Add(2)
	go service.listenLoop()
	go service.announceLoop()

	if opts.EnableMDNS {
		backend, err := startMDNS(opts.Identity, service)
		if err != nil {
			// Broadcast discovery still works without mDNS.
			log.Printf("discovery: mdns unavailable: %v", err)
		} else {
			service.mdns = backend
		}
	}
	return service, nil
}

// Announcements returns observed peers, de-duplicated per device within the
// configured window.
func (s *Service) Announcements() <-chan Announcement {
	return s.announcements
}

// Errors returns asynchronous discovery errors.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Announce sends one identity broadcast immediately, regardless of the
// suppression hook.
func (s *Service) Announce() error {
	packet, err := protocol.New(protocol.TypeIdentity, s.options.Identity)
	if err != nil {
		return err
	}
	raw, err := protocol.Marshal(packet)
	if err != nil {
		return err
	}

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: s.options.Port}
	if _, err := s.conn.WriteTo(raw, target); err != nil {
		return fmt.Errorf("broadcast identity: %w", err)
	}
	metrics.DiscoveryAnnouncements.Inc()
	return nil
}

// Close stops announcing and listening.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.mdns != nil {
			s.mdns.close()
		}
		closeErr = s.conn.Close()
		s.wg.Wait()
		close(s.announcements)
		close(s.errs)
	})
	return closeErr
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	if err := s.Announce(); err != nil {
		s.reportError(err)
	}

	ticker := time.NewTicker(s.options.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.options.Suppress != nil && s.options.Suppress() {
				continue
			}
			if err := s.Announce(); err != nil {
				s.reportError(err)
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportError(fmt.Errorf("read announcement: %w", err))
			continue
		}

		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		body, err := parseAnnouncement(buf[:n])
		if err != nil {
			// Foreign traffic on the discovery port is ignored quietly.
			continue
		}
		s.deliver(Announcement{Source: SourceBroadcast, Host: host, Identity: body})
	}
}

func parseAnnouncement(raw []byte) (protocol.IdentityBody, error) {
	packet, err := protocol.Unmarshal(raw)
	if err != nil {
		return protocol.IdentityBody{}, err
	}
	if packet.Type != protocol.TypeIdentity {
		return protocol.IdentityBody{}, fmt.Errorf("unexpected packet type %q", packet.Type)
	}
	var body protocol.IdentityBody
	if err := packet.UnmarshalBody(&body); err != nil {
		return protocol.IdentityBody{}, err
	}
	if err := body.Validate(); err != nil {
		return protocol.IdentityBody{}, err
	}
	return body, nil
}

// deliver filters self-announcements, applies the de-duplication window and
// forwards the announcement. Shared by the broadcast and mDNS paths.
func (s *Service) deliver(announcement Announcement) {
	if announcement.Identity.DeviceID == s.options.Identity.DeviceID {
		return
	}

	now := time.Now()
	s.dedupMu.Lock()
	if seen, ok := s.lastSeen[announcement.Identity.DeviceID]; ok && now.Sub(seen) < s.options.DedupWindow {
		s.dedupMu.Unlock()
		return
	}
	s.lastSeen[announcement.Identity.DeviceID] = now
	s.dedupMu.Unlock()

	metrics.DiscoveryEvents.WithLabelValues(announcement.Source).Inc()
	select {
	case s.announcements <- announcement:
	case <-s.closed:
	}
}

func (s *Service) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
