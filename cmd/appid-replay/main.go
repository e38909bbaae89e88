// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command appid-replay drives packets from a pcap capture file through the
// dispatch core, printing the verdict the engine reaches for every flow.
// It exists to let a developer or CI job reproduce a detection result
// offline, the same role the teacher's flywall-sim replay subcommand
// plays for its learning engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"grimm.is/appidcore/internal/appid"
	"grimm.is/appidcore/internal/appid/capture"
	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
	"grimm.is/appidcore/internal/metrics"
)

func main() {
	pcapPath := flag.String("pcap", "", "path to a pcap/pcapng capture file to replay")
	configPath := flag.String("config", "", "path to an HCL config file (defaults applied if absent)")
	verbose := flag.Bool("verbose", false, "log every packet's verdict, not just flow outcomes")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("usage: appid-replay -pcap <file> [-config <file>]")
	}

	logger := logging.New(logging.DefaultConfig())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	core, err := appid.Bootstrap(cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap dispatch core: %v", err)
	}
	defer core.Close()

	mtr := metrics.New()
	mtr.Register()

	r, err := NewReplayer(*pcapPath, core, mtr, logger, *verbose)
	if err != nil {
		log.Fatalf("open replay source: %v", err)
	}
	defer r.Close()

	count, elapsed, err := r.Run(context.Background())
	if err != nil {
		log.Fatalf("replay failed after %d packets: %v", count, err)
	}
	fmt.Printf("replayed %d packets in %v\n", count, elapsed)
}

// Replayer feeds a pcap file's packets through the dispatch engine, one
// flow-tracked 5-tuple at a time.
type Replayer struct {
	handle  *pcap.Handle
	src     *gopacket.PacketSource
	core    *appid.Core
	metrics *metrics.Metrics
	logger  *logging.Logger
	verbose bool
	flows   *capture.FlowTracker
}

// NewReplayer opens path for offline replay.
func NewReplayer(path string, core *appid.Core, mtr *metrics.Metrics, logger *logging.Logger, verbose bool) (*Replayer, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("appid-replay: open pcap: %w", err)
	}
	return &Replayer{
		handle:  handle,
		src:     gopacket.NewPacketSource(handle, handle.LinkType()),
		core:    core,
		metrics: mtr,
		logger:  logger,
		verbose: verbose,
		flows:   capture.NewFlowTracker(),
	}, nil
}

// Run replays every packet in the capture and returns the count processed
// and wall-clock time taken. It stops and returns an error only if the
// dispatch engine itself errors; per-packet detection failures are not
// fatal (spec §4.5's own failure handling already folds those into a
// Status, not an error).
func (r *Replayer) Run(ctx context.Context) (int, time.Duration, error) {
	start := time.Now()
	count := 0

	for packet := range r.src.Packets() {
		frame, ok := r.classify(packet)
		if !ok {
			continue
		}
		count++

		status, err := r.core.Engine.DiscoverService(ctx, frame.Payload, frame.Meta, frame.Dir, frame.Flow)
		r.metrics.RecordDispatch(status, err)
		if err != nil {
			return count, time.Since(start), fmt.Errorf("appid-replay: packet %d: %w", count, err)
		}
		if r.verbose || status == ids.StatusSuccess || status == ids.StatusInvalid {
			r.logger.Info("replay verdict",
				"packet", count,
				"client", fmt.Sprintf("%s:%d", frame.Meta.ClientIP, frame.Meta.ClientPort),
				"server", fmt.Sprintf("%s:%d", frame.Meta.ServerIP, frame.Meta.ServerPort),
				"transport", frame.Meta.Transport,
				"status", status,
			)
		}
	}

	return count, time.Since(start), nil
}

// classify extracts a flow 5-tuple and transport payload from one
// gopacket.Packet, binds it to this run's flow tracker, and reports
// whether the packet carried an IPv4/IPv6 + TCP/UDP payload worth feeding
// to the dispatch engine (ARP, pure-IP-options and unsupported L4
// protocols are skipped, same as the teacher's toPacketInfo).
func (r *Replayer) classify(packet gopacket.Packet) (*capture.Frame, bool) {
	var srcIP, dstIP net.IP
	if ipv4 := packet.Layer(layers.LayerTypeIPv4); ipv4 != nil {
		ip := ipv4.(*layers.IPv4)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else if ipv6 := packet.Layer(layers.LayerTypeIPv6); ipv6 != nil {
		ip := ipv6.(*layers.IPv6)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else {
		return nil, false
	}

	var srcPort, dstPort uint16
	var proto ids.Transport
	var payload []byte

	if tcp := packet.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		srcPort, dstPort = uint16(t.SrcPort), uint16(t.DstPort)
		proto = ids.TransportTCP
		payload = t.Payload
	} else if udp := packet.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		srcPort, dstPort = uint16(u.SrcPort), uint16(u.DstPort)
		proto = ids.TransportUDP
		payload = u.Payload
	} else {
		return nil, false
	}

	flow, dir := r.flows.Classify(srcIP.String(), srcPort, dstIP.String(), dstPort, proto)

	var meta flowsession.PacketMeta
	if dir == ids.FromInitiator {
		meta = flowsession.PacketMeta{ClientIP: srcIP.String(), ClientPort: srcPort, ServerIP: dstIP.String(), ServerPort: dstPort, Transport: proto}
	} else {
		meta = flowsession.PacketMeta{ClientIP: dstIP.String(), ClientPort: dstPort, ServerIP: srcIP.String(), ServerPort: srcPort, Transport: proto}
	}

	return &capture.Frame{Payload: payload, Dir: dir, Meta: meta, Flow: flow}, true
}

// Close releases the pcap handle.
func (r *Replayer) Close() error {
	r.handle.Close()
	return nil
}
