// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/logging"
)

const (
	ethTypeIPv4 uint16 = 0x0800
	ethTypeIPv6 uint16 = 0x86dd
	ethHeaderLen       = 14
)

// AFPacketSource reads raw Ethernet frames off ifi with an AF_PACKET
// socket, for the PCAP-free integration harness: no libpcap dependency,
// no eBPF object to compile, just a socket bound to one interface (spec
// §1, packet capture is an external collaborator — this is one concrete
// way to fill that role in userspace).
type AFPacketSource struct {
	conn   *packet.Conn
	logger *logging.Logger
	flows  *flowRegistry
	buf    []byte
}

// NewAFPacketSource opens a raw socket on ifi, every EtherType (callers
// filter to IPv4/IPv6 after the fact via decode).
func NewAFPacketSource(ifi *net.Interface, logger *logging.Logger) (*AFPacketSource, error) {
	conn, err := packet.Listen(ifi, packet.Raw, 0x0003, nil) // ETH_P_ALL
	if err != nil {
		return nil, fmt.Errorf("capture: open af_packet socket on %s: %w", ifi.Name, err)
	}
	return &AFPacketSource{
		conn:   conn,
		logger: logger,
		flows:  newFlowRegistry(),
		buf:    make([]byte, 65536),
	}, nil
}

// SetBPF installs a classic BPF filter program on the socket, the same
// filter-then-parse split the teacher's socket filters use ahead of their
// ring-buffer event path.
func (s *AFPacketSource) SetBPF(filter []bpf.RawInstruction) error {
	return s.conn.SetBPF(filter)
}

// Next implements PacketSource.
func (s *AFPacketSource) Next(ctx context.Context) (*Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			return nil, err
		}
		if frame, ok := s.decode(s.buf[:n]); ok {
			return frame, nil
		}
	}
}

func (s *AFPacketSource) decode(raw []byte) (*Frame, bool) {
	if len(raw) < ethHeaderLen {
		return nil, false
	}
	etherType := binary.BigEndian.Uint16(raw[12:14])
	if etherType != ethTypeIPv4 && etherType != ethTypeIPv6 {
		return nil, false
	}

	t, ok := parseIPPacket(raw[ethHeaderLen:])
	if !ok {
		return nil, false
	}

	key, dir := s.flows.classify(t.srcIP.String(), t.srcPort, t.dstIP.String(), t.dstPort, t.proto)
	flow := s.flows.get(key)

	meta := flowsession.PacketMeta{
		ClientIP: key.clientIP, ClientPort: key.clientPort,
		ServerIP: key.serverIP, ServerPort: key.serverPort,
		Transport: t.proto,
	}

	return &Frame{Payload: t.payload, Dir: dir, Meta: meta, Flow: flow}, true
}

// Close implements PacketSource.
func (s *AFPacketSource) Close() error {
	return s.conn.Close()
}
