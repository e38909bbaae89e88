// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
)

// flowKey identifies a bidirectional flow by its canonical 5-tuple
// (client side, server side, transport). Packet sources that see both
// directions of a conversation resolve to the same key regardless of
// which side a given frame arrived from.
type flowKey struct {
	clientIP   string
	clientPort uint16
	serverIP   string
	serverPort uint16
	proto      ids.Transport
}

// flowRegistry hands out one *flowsession.Flow per flowKey, the minimal
// flow-table a packet-source adapter needs to own (spec §3, "flow
// sessions: owned by the packet-source layer").
type flowRegistry struct {
	mu    sync.Mutex
	flows map[flowKey]*flowsession.Flow
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{flows: make(map[flowKey]*flowsession.Flow)}
}

func (r *flowRegistry) get(key flowKey) *flowsession.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[key]
	if !ok {
		f = flowsession.NewFlow()
		r.flows[key] = f
	}
	return f
}

// delete drops key's flow, closing it first so detector flow-data free
// callbacks run (spec §3, "Lifecycle").
func (r *flowRegistry) delete(key flowKey) {
	r.mu.Lock()
	f, ok := r.flows[key]
	delete(r.flows, key)
	r.mu.Unlock()
	if ok {
		f.Close()
	}
}

// classify canonicalizes a raw (srcIP, srcPort, dstIP, dstPort) observation
// into a flowKey plus a direction, using "first packet seen for this
// unordered tuple came from the initiator" as the orientation rule. The
// dispatch engine's fixEndpoint takes the resulting orientation as given.
func (r *flowRegistry) classify(srcIP string, srcPort uint16, dstIP string, dstPort uint16, proto ids.Transport) (flowKey, ids.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fwd := flowKey{clientIP: srcIP, clientPort: srcPort, serverIP: dstIP, serverPort: dstPort, proto: proto}
	if _, ok := r.flows[fwd]; ok {
		return fwd, ids.FromInitiator
	}
	rev := flowKey{clientIP: dstIP, clientPort: dstPort, serverIP: srcIP, serverPort: srcPort, proto: proto}
	if _, ok := r.flows[rev]; ok {
		return rev, ids.FromResponder
	}

	r.flows[fwd] = flowsession.NewFlow()
	return fwd, ids.FromInitiator
}

// FlowTracker is the exported form of flowRegistry, for callers outside
// this package that drive their own PacketSource implementation (notably
// cmd/appid-replay, which classifies packets off a pcap.Packet rather
// than a raw byte slice and so can't reuse decode() directly).
type FlowTracker struct {
	r *flowRegistry
}

// NewFlowTracker returns an empty tracker.
func NewFlowTracker() *FlowTracker {
	return &FlowTracker{r: newFlowRegistry()}
}

// Classify canonicalizes an observation into a stable flow identity plus
// direction, and returns the *flowsession.Flow bound to that identity.
func (t *FlowTracker) Classify(srcIP string, srcPort uint16, dstIP string, dstPort uint16, proto ids.Transport) (*flowsession.Flow, ids.Direction) {
	key, dir := t.r.classify(srcIP, srcPort, dstIP, dstPort, proto)
	return t.r.get(key), dir
}
