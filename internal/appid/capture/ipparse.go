// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"encoding/binary"
	"net"

	"grimm.is/appidcore/internal/appid/ids"
)

// l4Tuple is a parsed IPv4/IPv6 + TCP/UDP header: the 5-tuple plus the
// slice of raw bytes starting at the transport payload. Shared by the
// NFQUEUE and raw-AF_PACKET adapters, which both start from a full IP
// packet rather than an already-classified event (unlike the eBPF ring
// buffer source, whose producer does this parsing in-kernel).
type l4Tuple struct {
	srcIP, dstIP     net.IP
	srcPort, dstPort uint16
	proto            ids.Transport
	payload          []byte
}

// parseIPPacket extracts a 5-tuple and transport payload from raw, which
// must start at the IP header (no link-layer framing). It reports false
// for fragments, non-TCP/UDP protocols, and anything too short to parse.
func parseIPPacket(raw []byte) (l4Tuple, bool) {
	if len(raw) < 1 {
		return l4Tuple{}, false
	}

	version := raw[0] >> 4
	var srcIP, dstIP net.IP
	var proto ids.Transport
	var l4 []byte

	switch version {
	case 4:
		if len(raw) < 20 {
			return l4Tuple{}, false
		}
		ihl := int(raw[0]&0x0f) * 4
		if ihl < 20 || len(raw) < ihl {
			return l4Tuple{}, false
		}
		// Fragment offset (low 13 bits of bytes 6-7); only the first
		// fragment carries the L4 header, later fragments are dropped.
		fragOff := binary.BigEndian.Uint16(raw[6:8]) & 0x1fff
		if fragOff != 0 {
			return l4Tuple{}, false
		}
		srcIP = net.IP(raw[12:16])
		dstIP = net.IP(raw[16:20])
		proto = ids.Transport(raw[9])
		l4 = raw[ihl:]
	case 6:
		if len(raw) < 40 {
			return l4Tuple{}, false
		}
		srcIP = net.IP(raw[8:24])
		dstIP = net.IP(raw[24:40])
		proto = ids.Transport(raw[6])
		l4 = raw[40:]
	default:
		return l4Tuple{}, false
	}

	if proto != ids.TransportTCP && proto != ids.TransportUDP {
		return l4Tuple{}, false
	}
	if len(l4) < 8 {
		return l4Tuple{}, false
	}

	srcPort := binary.BigEndian.Uint16(l4[0:2])
	dstPort := binary.BigEndian.Uint16(l4[2:4])

	payload := l4
	switch proto {
	case ids.TransportTCP:
		if len(l4) < 20 {
			return l4Tuple{}, false
		}
		dataOffset := int(l4[12]>>4) * 4
		if dataOffset < 20 || dataOffset > len(l4) {
			return l4Tuple{}, false
		}
		payload = l4[dataOffset:]
	case ids.TransportUDP:
		payload = l4[8:]
	}

	return l4Tuple{srcIP: srcIP, dstIP: dstIP, srcPort: srcPort, dstPort: dstPort, proto: proto, payload: payload}, true
}
