// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package selector implements the selection state machine (spec §4.4,
// C5): given a packet, its direction, the flow and its host-tracker entry,
// it computes the next detector to try, walking NEW -> PORT -> PATTERN ->
// BRUTE_FORCE -> VALID.
package selector

import (
	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
)

// sslPortRemap is the fixed TLS-port remapping table consulted at
// DetectionLevelSSL (spec §4.4, "SSL port remapping").
var sslPortRemap = map[uint16]uint16{
	465: 25,
	563: 119,
	585: 143,
	993: 143,
	990: 21,
	992: 23,
	994: 6667,
	995: 110,
}

// Selector computes the next candidate detector for a flow, consulting
// the registry for port/pattern lookups.
type Selector struct {
	registry *registry.Registry
}

// New returns a selector backed by reg.
func New(reg *registry.Registry) *Selector {
	return &Selector{registry: reg}
}

// Next returns the next detector to try, or nil if this call produces none
// (spec §4.4). Entry's lock must be held by the caller across the call,
// since Next reads and mutates entry fields (State, CurrentService,
// ServiceList, TriedReverseService on the flow).
func (s *Selector) Next(entry *hosttracker.Entry, data []byte, packet flowsession.PacketMeta, dir ids.Direction, flow *flowsession.Flow, level ids.DetectionLevel) flowsession.Detector {
	switch entry.State {
	case hosttracker.StateNew:
		entry.State = hosttracker.StatePort
		entry.Svc = nil
		return s.Next(entry, data, packet, dir, flow, level)

	case hosttracker.StatePort:
		if next := s.nextPort(entry, packet, dir, level); next != nil {
			return next
		}
		// nextPort moved the entry to PATTERN; run that phase now.
		return s.Next(entry, data, packet, dir, flow, level)

	case hosttracker.StatePattern:
		if dir == ids.FromInitiator {
			return s.nextReverse(entry, packet, data, flow)
		}
		return s.nextPattern(entry, packet, data)

	case hosttracker.StateBruteForce:
		return nil

	case hosttracker.StateValid:
		return nil

	default:
		return nil
	}
}

// responderPort returns the port identifying the service side of the
// conversation: the destination port for initiator packets, the source
// port for responder packets (spec §4.4 "PORT"). PacketMeta is already
// oriented, so that port is ServerPort in both directions.
func responderPort(packet flowsession.PacketMeta, dir ids.Direction) uint16 {
	return packet.ServerPort
}

func (s *Selector) nextPort(entry *hosttracker.Entry, packet flowsession.PacketMeta, dir ids.Direction, level ids.DetectionLevel) flowsession.Detector {
	port := responderPort(packet, dir)
	if level == ids.DetectionLevelSSL {
		if remapped, ok := sslPortRemap[port]; ok {
			port = remapped
		}
	}

	candidates := s.registry.LookupByPort(packet.Transport, port)
	next := nextAfter(candidates, entry.Svc)
	if next != nil {
		entry.Svc = next
		return next
	}

	entry.State = hosttracker.StatePattern
	entry.Svc = nil
	return nil
}

// nextAfter returns the first candidate after cur in list (or the first
// candidate if cur is nil or not present), matching the "walk the list
// returning the next detector after svc" semantics of spec §4.4.
func nextAfter(list []flowsession.Detector, cur flowsession.Detector) flowsession.Detector {
	if len(list) == 0 {
		return nil
	}
	if cur == nil {
		return list[0]
	}
	for i, d := range list {
		if d == cur {
			if i+1 < len(list) {
				return list[i+1]
			}
			return nil
		}
	}
	return nil
}

// nextReverse implements the first-initiator-packet reverse-UDP lookup
// (spec §4.4, "PATTERN, initiator packet"): try the reverse-UDP port table
// first, then fall back to a pattern match on the initiator's own bytes.
func (s *Selector) nextReverse(entry *hosttracker.Entry, packet flowsession.PacketMeta, data []byte, flow *flowsession.Flow) flowsession.Detector {
	if flow.TriedReverseService || packet.Transport != ids.TransportUDP {
		return nil
	}
	flow.TriedReverseService = true

	if candidates := s.registry.LookupByReversePort(packet.ClientPort); len(candidates) > 0 {
		return candidates[0]
	}

	if matches := s.registry.LookupByPattern(packet.Transport, data); len(matches) > 0 {
		return matches[0].Detector
	}

	return nil
}

// nextPattern implements the responder-direction pattern search and
// cursor advance (spec §4.4, "PATTERN, responder packet").
func (s *Selector) nextPattern(entry *hosttracker.Entry, packet flowsession.PacketMeta, data []byte) flowsession.Detector {
	if entry.ServiceList == nil {
		matches := s.registry.LookupByPattern(packet.Transport, data)
		if len(matches) == 0 {
			entry.State = hosttracker.StateBruteForce
			return nil
		}
		entry.ServiceList = matches
		entry.CurrentService = 0
		return matches[0].Detector
	}

	for i := entry.CurrentService + 1; i < len(entry.ServiceList); i++ {
		d := entry.ServiceList[i].Detector
		if !s.registry.Active(d) {
			continue
		}
		entry.CurrentService = i
		return d
	}

	entry.State = hosttracker.StateBruteForce
	entry.ServiceList = nil
	entry.CurrentService = -1
	return nil
}
