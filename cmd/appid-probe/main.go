// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command appid-probe runs the dispatch core against live traffic: it
// wires one of the three capture.PacketSource adapters (eBPF ring
// buffer, NFQUEUE, or raw AF_PACKET) to the bootstrapped engine and
// serves the /metrics, /ports and /healthz diagnostics endpoints
// alongside it, the way the teacher's flywall daemon pairs a capture
// loop with its own controlplane HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf"

	appidcore "grimm.is/appidcore/internal/appid"
	"grimm.is/appidcore/internal/appid/capture"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/diagnostics"
	"grimm.is/appidcore/internal/logging"
	"grimm.is/appidcore/internal/metrics"
)

func main() {
	mode := flag.String("mode", "afpacket", "capture adapter: ebpf, nfqueue or afpacket")
	iface := flag.String("iface", "eth0", "network interface for the afpacket adapter")
	ebpfObject := flag.String("ebpf-object", "appid_capture.o", "compiled eBPF object for the ebpf adapter")
	ebpfMapName := flag.String("ebpf-map", "appid_events", "ring-buffer map name inside the eBPF object")
	queueNum := flag.Uint("nfqueue-num", 0, "NFQUEUE queue number for the nfqueue adapter")
	configPath := flag.String("config", "", "path to an HCL config file")
	listenAddr := flag.String("listen", "", "diagnostics HTTP listen address (overrides config)")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.MetricsListenAddr = *listenAddr
	}

	core, err := appidcore.Bootstrap(cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap dispatch core: %v", err)
	}
	defer core.Close()

	mtr := metrics.New()
	mtr.Register()

	src, err := openSource(*mode, *iface, *ebpfObject, *ebpfMapName, uint16(*queueNum), logger)
	if err != nil {
		log.Fatalf("open %s capture source: %v", *mode, err)
	}
	defer src.Close()

	diag := diagnostics.New(cfg.MetricsListenAddr, core.Registry, logger)
	go func() {
		if err := diag.ListenAndServe(); err != nil {
			logger.Error("diagnostics server stopped", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = capture.Run(ctx, src, core.Engine, func(frame *capture.Frame, status ids.Status, derr error) {
		mtr.RecordDispatch(status, derr)
		if derr != nil {
			logger.Warn("dispatch error", "error", derr)
		}
		if total, byState := core.Cache.Snapshot(); total > 0 {
			mtr.SetHostTrackerSnapshot(total, byState)
		}
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("capture loop stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := diag.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics shutdown", "error", err)
	}
}

// openSource builds the requested capture.PacketSource. The eBPF path
// loads a pre-compiled ring-buffer object the way the teacher's socket
// filters load theirs (ebpf.LoadCollectionSpec + ebpf.NewCollection);
// unlike DNS/DHCP/TLS filtering, the dispatch core doesn't attach the
// program itself — that's expected to already be loaded into the kernel
// by the deployment's init path, this binary only opens the ring buffer.
func openSource(mode, iface, ebpfObject, ebpfMapName string, queueNum uint16, logger *logging.Logger) (capture.PacketSource, error) {
	switch mode {
	case "ebpf":
		spec, err := ebpf.LoadCollectionSpec(ebpfObject)
		if err != nil {
			return nil, fmt.Errorf("load eBPF collection spec: %w", err)
		}
		coll, err := ebpf.NewCollection(spec)
		if err != nil {
			return nil, fmt.Errorf("load eBPF collection: %w", err)
		}
		m, ok := coll.Maps[ebpfMapName]
		if !ok {
			return nil, fmt.Errorf("map %q not found in %s", ebpfMapName, ebpfObject)
		}
		return capture.NewRingbufSource(m, logger)

	case "nfqueue":
		return capture.NewNFQueueSource(queueNum, logger)

	case "afpacket":
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", iface, err)
		}
		return capture.NewAFPacketSource(ifi, logger)

	default:
		return nil, fmt.Errorf("unknown capture mode %q (want ebpf, nfqueue or afpacket)", mode)
	}
}
