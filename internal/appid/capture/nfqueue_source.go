// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/florianl/go-nfqueue/v2"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/logging"
)

// NFQueueSource is a PacketSource driven by a kernel NFQUEUE verdict loop,
// for userspace-only deployments without a compiled eBPF object. Every
// packet it reads is immediately given an ACCEPT verdict: this detector
// core only observes traffic, it never decides to drop it (spec §1,
// "generation of firewall rules" is explicitly out of scope).
type NFQueueSource struct {
	nf     *nfqueue.Nfqueue
	logger *logging.Logger
	flows  *flowRegistry
	frames chan *Frame
	cancel context.CancelFunc
}

// NewNFQueueSource opens queue number queueNum and starts accepting every
// packet it's handed after classifying it.
func NewNFQueueSource(queueNum uint16, logger *logging.Logger) (*NFQueueSource, error) {
	cfg := nfqueue.Config{
		NfQueue:      queueNum,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: open nfqueue %d: %w", queueNum, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &NFQueueSource{
		nf:     nf,
		logger: logger,
		flows:  newFlowRegistry(),
		frames: make(chan *Frame, 256),
		cancel: cancel,
	}

	fn := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		_ = nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		if a.Payload == nil {
			return 0
		}
		if frame, ok := s.decode(*a.Payload); ok {
			select {
			case s.frames <- frame:
			default:
				if logger != nil {
					logger.Warn("nfqueue source: frame channel full, dropping")
				}
			}
		}
		return 0
	}
	errFn := func(e error) int {
		if logger != nil {
			logger.Debug("nfqueue error", "error", e)
		}
		return 0
	}

	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		cancel()
		nf.Close()
		return nil, fmt.Errorf("capture: register nfqueue callback: %w", err)
	}

	return s, nil
}

// decode parses a raw IPv4/IPv6 packet's 5-tuple and slices out its
// TCP/UDP payload. Fragmented and non-TCP/UDP packets are ignored.
func (s *NFQueueSource) decode(raw []byte) (*Frame, bool) {
	t, ok := parseIPPacket(raw)
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

// Next implements PacketSource.
func (s *NFQueueSource) Next(ctx context.Context) (*Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements PacketSource.
func (s *NFQueueSource) Close() error {
	s.cancel()
	return s.nf.Close()
}
