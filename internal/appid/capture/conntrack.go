// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"fmt"

	"github.com/ti-mo/conntrack"

	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/logging"
)

// ConntrackResolver resolves FROM_INITIATOR/FROM_RESPONDER and the
// canonical 5-tuple for a flow by looking it up in the kernel's conntrack
// table, for packet sources (§1's "packet capture and reassembly"
// collaborator) that see a flow's packets before they've independently
// observed which side spoke first — typically because NFQUEUE/AF_PACKET
// delivered only one direction's initial burst.
type ConntrackResolver struct {
	conn   *conntrack.Conn
	logger *logging.Logger
}

// NewConntrackResolver dials the kernel's conntrack netlink family.
func NewConntrackResolver(logger *logging.Logger) (*ConntrackResolver, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("capture: dial conntrack: %w", err)
	}
	return &ConntrackResolver{conn: conn, logger: logger}, nil
}

// Resolve looks up the conntrack entry for (srcIP, srcPort, dstIP, dstPort,
// proto) and reports the canonical (client, server) orientation: the
// original tuple's source is the initiator, regardless of which side this
// particular packet came from. ok is false if no conntrack entry exists
// yet (the flow is new enough that the kernel hasn't confirmed it).
func (r *ConntrackResolver) Resolve(srcIP string, srcPort uint16, dstIP string, dstPort uint16, proto ids.Transport) (clientIP string, clientPort uint16, serverIP string, serverPort uint16, ok bool) {
	flows, err := r.conn.Dump(nil)
	if err != nil {
		if r.logger != nil {
			r.logger.Debug("conntrack dump failed", "error", err)
		}
		return "", 0, "", 0, false
	}

	for _, f := range flows {
		orig := f.TupleOrig
		if orig.Proto.Protocol != uint8(proto) {
			continue
		}
		origSrc := orig.IP.SourceAddress.String()
		origDst := orig.IP.DestinationAddress.String()
		matchesForward := origSrc == srcIP && origDst == dstIP && orig.Proto.SourcePort == srcPort && orig.Proto.DestinationPort == dstPort
		matchesReverse := origSrc == dstIP && origDst == srcIP && orig.Proto.SourcePort == dstPort && orig.Proto.DestinationPort == srcPort
		if !matchesForward && !matchesReverse {
			continue
		}
		return origSrc, orig.Proto.SourcePort, origDst, orig.Proto.DestinationPort, true
	}

	return "", 0, "", 0, false
}

// Close releases the netlink socket.
func (r *ConntrackResolver) Close() error {
	return r.conn.Close()
}
