// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rtp is the representative leaf detector (spec §4.6, C8): an
// RTP-style UDP connection-tracking detector that fixes the detector
// contract concretely. It is a pure function of (bytes, direction,
// per-flow scratch) — no global state, no knowledge of other detectors'
// outcomes (spec §7).
package rtp

import (
	"context"
	"encoding/binary"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
)

// FlowDataSlot is this detector's pre-assigned, monotonically unique flow
// scratch slot (spec §3, "pre-assigned flow-data slot").
const FlowDataSlot = 1

// rtpHeaderSize is the fixed 12-byte RTP header (spec §4.6).
const rtpHeaderSize = 12

// connState is the per-flow scratch's phase (spec §4.6).
type connState int

const (
	stateConnection connState = iota
	stateContinue
)

// directionState holds one direction's observed sequence/timestamp/ssrc
// and packet count.
type directionState struct {
	seq       uint16
	timestamp uint32
	ssrc      uint32
	count     int
}

// scratch is this detector's per-flow state (spec §4.6, "Per-flow
// scratch").
type scratch struct {
	state connState
	init  directionState
	resp  directionState
}

// curatedPayloadTypes mirrors the fixed set of payload types the original
// detector primes its pattern matcher with — the common static RTP
// payload type assignments (audio/video codecs), rather than registering
// all 0-34. No dynamic payload type (96-127) is included.
var curatedPayloadTypes = []byte{
	0, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 18, 25, 26, 28, 31, 32, 33, 34,
}

// Detector is the RTP-style representative detector.
type Detector struct{}

// New returns the RTP detector.
func New() *Detector {
	return &Detector{}
}

func (d *Detector) Name() string             { return "RTP" }
func (d *Detector) Transport() ids.Transport  { return ids.TransportUDP }
func (d *Detector) ProvidesUser() bool        { return false }
func (d *Detector) FlowDataSlot() int         { return FlowDataSlot }

// Init registers the curated set of 2-byte RTP prefixes with the registry
// (spec §4.6, "registered patterns cover a fixed set of 2-byte prefixes
// encoding (version, payload-type) to prime the matcher"). Patterns are
// anchored at position 0, mirroring the original detector's "match only
// at the start of the UDP payload" placement.
func (d *Detector) Init(reg *registry.Registry) error {
	for _, version := range []byte{0, 2} {
		versionBits := version << 6
		for _, pt := range curatedPayloadTypes {
			prefix := []byte{versionBits, pt}
			if err := reg.RegisterPattern(ids.TransportUDP, prefix, d, 0, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate implements the RTP detector contract (spec §4.6).
func (d *Detector) Validate(ctx context.Context, args flowsession.ValidationArgs) (ids.Status, error) {
	if len(args.Data) == 0 {
		return ids.StatusInProcess, nil
	}
	if len(args.Data) < rtpHeaderSize {
		return ids.StatusInvalid, nil
	}

	hdr, ok := parseHeader(args.Data)
	if !ok {
		return ids.StatusInvalid, nil
	}
	if hdr.version > 2 || hdr.payloadType > 34 {
		return ids.StatusInvalid, nil
	}

	sc, _ := args.Flow.FlowDataGet(FlowDataSlot).(*scratch)
	if sc == nil {
		sc = &scratch{}
		args.Flow.FlowDataAdd(FlowDataSlot, sc, nil)
	}

	dirState := &sc.init
	if args.Dir == ids.FromResponder {
		dirState = &sc.resp
	}

	switch sc.state {
	case stateConnection:
		dirState.seq = hdr.seq
		dirState.timestamp = hdr.timestamp
		dirState.ssrc = hdr.ssrc
		dirState.count++
		sc.state = stateContinue
		return ids.StatusInProcess, nil

	default: // stateContinue
		if hdr.seq != dirState.seq+1 || hdr.ssrc != dirState.ssrc || hdr.timestamp < dirState.timestamp {
			return ids.StatusInvalid, nil
		}
		dirState.seq = hdr.seq
		dirState.timestamp = hdr.timestamp
		dirState.count++

		if dirState.count < 3 {
			return ids.StatusInProcess, nil
		}
	}

	flow := args.Flow
	flow.SetFlag(flowsession.FlagServiceDetected)
	return args.API.AddService(ctx, flow, args.Packet, args.Dir, d, ids.AppIDRTP, "", "", nil)
}

// rtpHeader is the parsed fixed 12-byte RTP header (spec §4.6).
type rtpHeader struct {
	version     uint8
	padding     bool
	extension   bool
	csrcCount   uint8
	marker      bool
	payloadType uint8
	seq         uint16
	timestamp   uint32
	ssrc        uint32
}

// parseHeader reads the packed RTP header fields with big-endian readers,
// no aliasing (spec §9, "raw memcpy of packed RTP header -> big-endian
// readers over the byte slice").
func parseHeader(data []byte) (rtpHeader, bool) {
	if len(data) < rtpHeaderSize {
		return rtpHeader{}, false
	}
	b0 := data[0]
	b1 := data[1]
	return rtpHeader{
		version:     b0 >> 6,
		padding:     b0&0x20 != 0,
		extension:   b0&0x10 != 0,
		csrcCount:   b0 & 0x0f,
		marker:      b1&0x80 != 0,
		payloadType: b1 & 0x7f,
		seq:         binary.BigEndian.Uint16(data[2:4]),
		timestamp:   binary.BigEndian.Uint32(data[4:8]),
		ssrc:        binary.BigEndian.Uint32(data[8:12]),
	}, true
}
