package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"goconnect/config"
	"goconnect/discovery"
	"goconnect/identity"
	"goconnect/metrics"
	"goconnect/network"
	"goconnect/pairing"
	"goconnect/plugin"
	"goconnect/protocol"
	"goconnect/session"
	"goconnect/storage"
)

func main() {
	nameOverride := flag.String("name", "", "override the advertised device name")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	enableMDNS := flag.Bool("mdns", true, "also announce and browse over mDNS")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *nameOverride != "" {
		cfg.DeviceName = *nameOverride
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}

	cert, err := identity.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
	if err != nil {
		log.Fatalf("startup failed while preparing device certificate: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", identity.FormatFingerprint(identity.Fingerprint(cert.Certificate[0])))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)
	if paired, err := store.ListPairedDevices(); err == nil {
		fmt.Printf("Paired Devices:  %d\n", len(paired))
	}

	identityManager, err := identity.NewManager(identity.DeviceIdentity{
		DeviceID:   cfg.DeviceID,
		Name:       cfg.DeviceName,
		DeviceType: cfg.DeviceType,
	}, cert, store)
	if err != nil {
		log.Fatalf("startup failed while building identity manager: %v", err)
	}

	registry := plugin.NewRegistry()
	if err := registry.Register(plugin.NewPing()); err != nil {
		log.Fatalf("startup failed while registering plugins: %v", err)
	}

	var pairingManager *pairing.Manager
	sessions, err := session.NewManager(session.Options{
		Identity:             identityManager,
		Store:                store,
		TCPPortMin:           cfg.TCPPortMin,
		TCPPortMax:           cfg.TCPPortMax,
		IncomingCapabilities: registry.IncomingCapabilities(),
		OutgoingCapabilities: registry.OutgoingCapabilities(),
		Handler: func(remote identity.DeviceIdentity, conn *network.Connection, packet protocol.Packet) {
			if packet.Type == protocol.TypePair {
				var body protocol.PairBody
				if err := packet.UnmarshalBody(&body); err != nil {
					log.Printf("pairing: malformed pair packet from %q: %v", remote.DeviceID, err)
					return
				}
				if err := pairingManager.HandlePairPacket(remote.DeviceID, conn.PeerCertificate(), body.Pair); err != nil {
					log.Printf("pairing: %v", err)
				}
				return
			}
			registry.Dispatch(remote, conn, packet)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building session manager: %v", err)
	}

	pairingManager, err = pairing.NewManager(pairing.Options{
		LocalDeviceID: cfg.DeviceID,
		Identity:      identityManager,
		Store:         store,
		Send: func(deviceID string, pair bool) error {
			packet, err := protocol.New(protocol.TypePair, protocol.PairBody{Pair: pair})
			if err != nil {
				return err
			}
			return sessions.SendPacket(deviceID, packet)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building pairing manager: %v", err)
	}
	defer pairingManager.Close()

	if err := sessions.Start(); err != nil {
		log.Fatalf("startup failed while binding control port: %v", err)
	}
	defer sessions.Close()
	fmt.Printf("Control Port:    %d\n", sessions.Port())

	discoveryService, err := discovery.Start(discovery.Options{
		Identity:   sessions.LocalIdentity(),
		Port:       cfg.DiscoveryPort,
		Suppress:   func() bool { return sessions.ActiveCount() > 0 },
		EnableMDNS: *enableMDNS,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Close()
		fmt.Println("Discovery:       running")
		go func() {
			for announcement := range discoveryService.Announcements() {
				log.Printf("discovery: %s saw id=%s name=%q at %s port=%d",
					announcement.Source, announcement.Identity.DeviceID,
					announcement.Identity.DeviceName, announcement.Host, announcement.Identity.TCPPort)
				sessions.HandleAnnouncement(announcement.Host, announcement.Identity)
			}
		}()
		go logErrors("discovery", discoveryService.Errors())
	}

	go logErrors("session", sessions.Errors())
	go logSessionEvents(sessions.Events())
	go logPairingEvents(pairingManager.Events())

	if cfg.MetricsAddress != "" {
		go func() {
			fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
			if err := metrics.Serve(cfg.MetricsAddress); err != nil {
				log.Printf("metrics endpoint failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logErrors(component string, errs <-chan error) {
	for err := range errs {
		log.Printf("%s: %v", component, err)
	}
}

func logSessionEvents(events <-chan session.Event) {
	for event := range events {
		log.Printf("session: %s id=%s", event.Type, event.DeviceID)
	}
}

func logPairingEvents(events <-chan pairing.Event) {
	for event := range events {
		log.Printf("pairing: %s id=%s", event.Type, event.DeviceID)
		switch event.Type {
		case pairing.EventPaired:
			metrics.PairingOutcomes.WithLabelValues("paired").Inc()
		case pairing.EventUnpaired:
			metrics.PairingOutcomes.WithLabelValues("unpaired").Inc()
		case pairing.EventTimeout:
			metrics.PairingOutcomes.WithLabelValues("timeout").Inc()
		case pairing.EventMismatch:
			metrics.PairingOutcomes.WithLabelValues("mismatch").Inc()
		}
	}
}
