// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/logging"
)

// eventMinSize is the fixed header every ring-buffer record carries before
// the variable-length payload, matching the struct appid_event layout an
// XDP/TC classifier program would emit:
//
//	struct appid_event {
//	    __be32 src_ip;       // 0
//	    __be32 dst_ip;       // 4
//	    __u16 src_port;      // 8
//	    __u16 dst_port;      // 10
//	    __u8  proto;         // 12
//	    __u8  from_initiator;// 13
//	    __u16 payload_len;   // 14
//	    // payload_len bytes of packet payload follow
//	};
const eventMinSize = 16

// RingbufSource reads classified packet events out of an eBPF ring buffer
// map, the same ringbuf.NewReader/Read loop the teacher's
// internal/ebpf/socket filters use for their own event maps.
type RingbufSource struct {
	rd     *ringbuf.Reader
	logger *logging.Logger
	flows  *flowRegistry
}

// NewRingbufSource opens a ring-buffer reader over eventsMap, which an
// XDP or TC program keeps populated with appid_event records.
func NewRingbufSource(eventsMap *ebpf.Map, logger *logging.Logger) (*RingbufSource, error) {
	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("capture: open ring buffer: %w", err)
	}
	return &RingbufSource{rd: rd, logger: logger, flows: newFlowRegistry()}, nil
}

// Next implements PacketSource.
func (s *RingbufSource) Next(ctx context.Context) (*Frame, error) {
	for {
		record, err := s.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil, err
			}
			if s.logger != nil {
				s.logger.Debug("ring buffer read error", "error", err)
			}
			continue
		}

		frame, ok := s.decode(record.RawSample)
		if !ok {
			continue
		}
		return frame, nil
	}
}

func (s *RingbufSource) decode(data []byte) (*Frame, bool) {
	if len(data) < eventMinSize {
		return nil, false
	}

	srcIP := net.IP(data[0:4]).String()
	dstIP := net.IP(data[4:8]).String()
	srcPort := binary.BigEndian.Uint16(data[8:10])
	dstPort := binary.BigEndian.Uint16(data[10:12])
	proto := ids.Transport(data[12])
	fromInitiator := data[13] != 0
	payloadLen := binary.BigEndian.Uint16(data[14:16])

	payload := data[eventMinSize:]
	if int(payloadLen) <= len(payload) {
		payload = payload[:payloadLen]
	}

	dir := ids.FromResponder
	meta := flowsession.PacketMeta{ClientIP: dstIP, ClientPort: dstPort, ServerIP: srcIP, ServerPort: srcPort, Transport: proto}
	if fromInitiator {
		dir = ids.FromInitiator
		meta = flowsession.PacketMeta{ClientIP: srcIP, ClientPort: srcPort, ServerIP: dstIP, ServerPort: dstPort, Transport: proto}
	}

	key := flowKey{clientIP: meta.ClientIP, clientPort: meta.ClientPort, serverIP: meta.ServerIP, serverPort: meta.ServerPort, proto: proto}
	flow := s.flows.get(key)

	return &Frame{Payload: payload, Dir: dir, Meta: meta, Flow: flow}, true
}

// Close implements PacketSource.
func (s *RingbufSource) Close() error {
	return s.rd.Close()
}
