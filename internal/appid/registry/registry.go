// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the detector registry (spec §4.1, C1): the
// bookkeeping that lets detector modules declare which ports and byte
// patterns identify them, and lets the selection state machine turn a
// (transport, port) or a pattern match back into a candidate detector.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/pattern"
	"grimm.is/appidcore/internal/logging"
)

// portKey is a registered (transport, port) pair.
type portKey struct {
	transport ids.Transport
	port      uint16
}

// portBinding tracks how many times a detector has registered the same
// port (spec §4.1: "re-registering an already-held port is a no-op that
// bumps a reference count").
type portBinding struct {
	refCount        int
	currentRefCount int
}

// Registry is the detector registry. One Registry instance is built at
// startup, every detector's Init is called against it, then Finalize
// closes registration: RegisterDetector, AddPort, AddReversePort and
// RegisterPattern fail after it. Disable, Enable and RemovePorts still
// take effect after Finalize.
type Registry struct {
	mu sync.RWMutex

	logger *logging.Logger

	detectors []flowsession.Detector

	ports        map[portKey]map[flowsession.Detector]*portBinding
	reversePorts map[portKey]map[flowsession.Detector]*portBinding

	matcherTCP *pattern.Matcher
	matcherUDP *pattern.Matcher

	disabled map[flowsession.Detector]bool

	finalized bool
}

// New builds an empty registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		logger:       logger,
		ports:        make(map[portKey]map[flowsession.Detector]*portBinding),
		reversePorts: make(map[portKey]map[flowsession.Detector]*portBinding),
		matcherTCP:   pattern.New(),
		matcherUDP:   pattern.New(),
		disabled:     make(map[flowsession.Detector]bool),
	}
}

// Disable marks detector as present but inactive: it is skipped by port,
// pattern and brute-force lookups but stays registered, matching the "a
// current_ref_count of zero disables without unregistering" mechanism of
// spec §4.1. AddService still treats a disabled detector's win as success
// at the flow level without persisting it (spec §4.7).
func (r *Registry) Disable(detector flowsession.Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[detector] = true
}

// Enable reverses Disable.
func (r *Registry) Enable(detector flowsession.Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, detector)
}

// Active reports whether detector is not disabled. It does not check that
// detector is registered: an unregistered detector reports true.
func (r *Registry) Active(detector flowsession.Detector) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[detector]
}

// RegisterDetector adds detector to the registry's module list. It must be
// called before Finalize, and fails once MaxRegisteredModules detectors
// have been registered (spec §5 resource bound).
func (r *Registry) RegisterDetector(detector flowsession.Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return fmt.Errorf("registry: cannot register detector %q after finalize", detector.Name())
	}
	if len(r.detectors) >= ids.MaxRegisteredModules {
		return fmt.Errorf("registry: module limit %d exceeded registering %q", ids.MaxRegisteredModules, detector.Name())
	}
	r.detectors = append(r.detectors, detector)
	return nil
}

// AddPort registers detector against (transport, port). Re-registering the
// same pair is idempotent and only bumps the reference count (spec §4.1).
func (r *Registry) AddPort(transport ids.Transport, port uint16, detector flowsession.Detector) error {
	return r.addPort(r.ports, transport, port, detector)
}

// AddReversePort registers detector for reverse-UDP lookup: a match keyed
// by the *client's* ephemeral port on the first packet of a flow (spec
// §4.5, "reverse service detection").
func (r *Registry) AddReversePort(port uint16, detector flowsession.Detector) error {
	return r.addPort(r.reversePorts, ids.TransportUDP, port, detector)
}

func (r *Registry) addPort(table map[portKey]map[flowsession.Detector]*portBinding, transport ids.Transport, port uint16, detector flowsession.Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return fmt.Errorf("registry: cannot add port after finalize")
	}
	key := portKey{transport: transport, port: port}
	byDetector, ok := table[key]
	if !ok {
		byDetector = make(map[flowsession.Detector]*portBinding)
		table[key] = byDetector
	}
	b, ok := byDetector[detector]
	if !ok {
		b = &portBinding{}
		byDetector[detector] = b
	}
	b.refCount++
	return nil
}

// RemovePorts drops every port registration for detector, across both the
// forward and reverse tables.
func (r *Registry) RemovePorts(detector flowsession.Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeFromTable(r.ports, detector)
	removeFromTable(r.reversePorts, detector)
}

func removeFromTable(table map[portKey]map[flowsession.Detector]*portBinding, detector flowsession.Detector) {
	for key, byDetector := range table {
		if _, ok := byDetector[detector]; ok {
			delete(byDetector, detector)
			if len(byDetector) == 0 {
				delete(table, key)
			}
		}
	}
}

// RegisterPattern adds a byte pattern for detector against transport (spec
// §4.1, "ServiceRegisterPattern"). position is -1 for "anywhere in the
// buffer" or a fixed byte offset.
func (r *Registry) RegisterPattern(transport ids.Transport, bytes []byte, detector flowsession.Detector, position int, nocase bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return fmt.Errorf("registry: cannot register pattern after finalize")
	}
	switch transport {
	case ids.TransportTCP:
		r.matcherTCP.Add(bytes, detector, position, nocase)
	case ids.TransportUDP:
		r.matcherUDP.Add(bytes, detector, position, nocase)
	default:
		return fmt.Errorf("registry: unsupported transport %s for pattern registration", transport)
	}
	return nil
}

// Finalize builds the pattern automata and snapshots every port binding's
// reference count into its active count (spec §4.1,
// "finalize_service_patterns"). It is idempotent: calling it twice is a
// no-op on the second call.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	r.matcherTCP.Prep()
	r.matcherUDP.Prep()

	for _, byDetector := range r.ports {
		for _, b := range byDetector {
			b.currentRefCount = b.refCount
		}
	}
	for _, byDetector := range r.reversePorts {
		for _, b := range byDetector {
			b.currentRefCount = b.refCount
		}
	}

	r.finalized = true
	if r.logger != nil {
		r.logger.Info("registry finalized", "detectors", len(r.detectors))
	}
}

// LookupByPort returns the detectors registered against (transport, port)
// with a non-zero active reference count, sorted by Name() (spec §4.5
// step 2, "PORT" phase). Registration order is not kept.
func (r *Registry) LookupByPort(transport ids.Transport, port uint16) []flowsession.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeDetectorsAt(r.ports, portKey{transport: transport, port: port})
}

// LookupByReversePort returns detectors registered for reverse-UDP lookup
// against the client's ephemeral port.
func (r *Registry) LookupByReversePort(port uint16) []flowsession.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeDetectorsAt(r.reversePorts, portKey{transport: ids.TransportUDP, port: port})
}

func (r *Registry) activeDetectorsAt(table map[portKey]map[flowsession.Detector]*portBinding, key portKey) []flowsession.Detector {
	byDetector, ok := table[key]
	if !ok {
		return nil
	}
	out := make([]flowsession.Detector, 0, len(byDetector))
	for d, b := range byDetector {
		if b.currentRefCount > 0 && !r.disabled[d] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// LookupByPattern scans buffer through the pattern matcher for transport
// and returns the matches in precedence order (spec §4.5 step 2, "PATTERN"
// phase).
func (r *Registry) LookupByPattern(transport ids.Transport, buffer []byte) []pattern.ServiceMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var raw []pattern.ServiceMatch
	switch transport {
	case ids.TransportTCP:
		raw = r.matcherTCP.FindAll(buffer)
	case ids.TransportUDP:
		raw = r.matcherUDP.FindAll(buffer)
	default:
		return nil
	}

	out := raw[:0:0]
	for _, m := range raw {
		if !r.disabled[m.Detector] {
			out = append(out, m)
		}
	}
	return out
}

// AllDetectors returns every detector registered against transport, for
// the BRUTE_FORCE phase (spec §4.5 step 2).
func (r *Registry) AllDetectors(transport ids.Transport) []flowsession.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]flowsession.Detector, 0, len(r.detectors))
	for _, d := range r.detectors {
		if d.Transport() == transport && !r.disabled[d] {
			out = append(out, d)
		}
	}
	return out
}

// DumpPorts renders the registered forward TCP and UDP ports as two lines,
// for the diagnostic surface (spec §6, "dumpPorts").
func (r *Registry) DumpPorts() (tcp, udp string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tcpPorts, udpPorts []uint16
	for key, byDetector := range r.ports {
		if !anyActive(byDetector) {
			continue
		}
		switch key.transport {
		case ids.TransportTCP:
			tcpPorts = append(tcpPorts, key.port)
		case ids.TransportUDP:
			udpPorts = append(udpPorts, key.port)
		}
	}
	sort.Slice(tcpPorts, func(i, j int) bool { return tcpPorts[i] < tcpPorts[j] })
	sort.Slice(udpPorts, func(i, j int) bool { return udpPorts[i] < udpPorts[j] })

	return formatPortLine("tcp", tcpPorts), formatPortLine("udp", udpPorts)
}

func anyActive(byDetector map[flowsession.Detector]*portBinding) bool {
	for _, b := range byDetector {
		if b.currentRefCount > 0 {
			return true
		}
	}
	return false
}

func formatPortLine(proto string, ports []uint16) string {
	line := "(" + proto
	for _, p := range ports {
		line += fmt.Sprintf(" %d", p)
	}
	return line + ")"
}
