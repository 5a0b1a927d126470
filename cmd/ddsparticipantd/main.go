// Command ddsparticipantd runs one domain participant as a standalone
// process: it loads a TOML config, brings up a UDP transport and every
// configured topic, and serves diagnostics until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	ddscore "github.com/rtpsmesh/ddscore"
	"github.com/rtpsmesh/ddscore/internal/config"
	"github.com/rtpsmesh/ddscore/internal/diag"
	ddslog "github.com/rtpsmesh/ddscore/internal/logging"
	"github.com/rtpsmesh/ddscore/transport"
	"github.com/rtpsmesh/ddscore/transport/inproc"
	"github.com/rtpsmesh/ddscore/transport/udp"
)

// metaMulticastPort follows the spec §6.2 port-mapping convention: a fixed
// base port offset by the domain id, so distinct domains on one network
// don't collide.
func metaMulticastPort(domainID int) uint16 {
	return uint16(7400 + 250*domainID)
}

func main() {
	var configPath string
	var bindAddr string
	var bindPort uint
	var logLevel string
	flag.StringVar(&configPath, "config", "ddsparticipant.toml", "participant configuration file")
	flag.StringVar(&bindAddr, "bind", "0.0.0.0", "unicast bind address")
	flag.UintVar(&bindPort, "port", 0, "unicast bind port (0 picks an ephemeral port)")
	flag.StringVar(&logLevel, "log-level", "NOTICE", "log level: DEBUG, INFO, NOTICE, WARNING, ERROR")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("ddsparticipantd: loading config: %v", err)
	}

	backend, err := ddslog.New(ddslog.Config{Level: logLevel, Out: os.Stderr})
	if err != nil {
		log.Fatalf("ddsparticipantd: building logger: %v", err)
	}

	mcastAddr := "239.255.0.1"
	mcastPort := metaMulticastPort(cfg.DomainID)

	var tp transport.Transport
	var mcastLoc transport.Locator

	switch cfg.Transport {
	case config.TransportInProcess:
		inprocTp, err := inproc.New(fmt.Sprintf("%s-%d", cfg.ParticipantName, os.Getpid()))
		if err != nil {
			log.Fatalf("ddsparticipantd: building in-process transport: %v", err)
		}
		tp = inprocTp
		mcastLoc = transport.Locator{Kind: "inproc", Address: "ddsmeta"}
	default:
		udpGroups := []udp.MulticastGroup{}
		if cfg.Transport == config.TransportMulticast {
			udpGroups = append(udpGroups, udp.MulticastGroup{Addr: mcastAddr, Port: mcastPort, TTL: 1})
		}
		udpTp, err := udp.New(udp.Config{
			UnicastAddr:     bindAddr,
			UnicastPort:     uint16(bindPort),
			MulticastGroups: udpGroups,
		})
		if err != nil {
			log.Fatalf("ddsparticipantd: building transport: %v", err)
		}
		tp = udpTp
		mcastLoc = transport.Locator{Kind: "udpv4", Address: mcastAddr, Port: mcastPort}
	}

	participant, err := ddscore.New(cfg, tp, mcastLoc, backend, nil)
	if err != nil {
		log.Fatalf("ddsparticipantd: constructing participant: %v", err)
	}
	if err := participant.Start(); err != nil {
		log.Fatalf("ddsparticipantd: starting participant: %v", err)
	}

	var diagServer *diag.Server
	if cfg.DiagnosticsAddr != "" {
		diagServer = diag.New(cfg.DiagnosticsAddr, participant.MetricsRegistry())
		go func() {
			if err := diagServer.ListenAndServe(); err != nil {
				log.Printf("ddsparticipantd: diagnostics server stopped: %v", err)
			}
		}()
	}

	fmt.Printf("ddsparticipantd: participant %q running in domain %d\n", cfg.ParticipantName, cfg.DomainID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if diagServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = diagServer.Shutdown(ctx)
		cancel()
	}
	participant.Halt()
}
