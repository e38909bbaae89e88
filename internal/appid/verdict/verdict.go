// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package verdict implements the verdict recorder (spec §4.7, C7): the
// four entry points detectors call to report a positive identification,
// partial progress, or a failure, and the hysteresis bookkeeping those
// calls apply to the host-tracker cache.
package verdict

import (
	"context"
	"time"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
)

// Recorder implements flowsession.ServiceAPI against a host-tracker cache
// and detector registry.
type Recorder struct {
	cache    *hosttracker.Cache
	registry *registry.Registry
	config   *config.Config
	logger   *logging.Logger
}

// New builds a verdict recorder.
func New(cache *hosttracker.Cache, reg *registry.Registry, cfg *config.Config, logger *logging.Logger) *Recorder {
	return &Recorder{cache: cache, registry: reg, config: cfg, logger: logger}
}

// endpoint picks the anchored (ip, port) for this verdict: the
// destination when the packet came from the initiator, the source when
// it came from the responder, inverted if UDP_REVERSED is set (spec
// §4.7, "AddService"). PacketMeta is already oriented, so that is
// ServerIP/ServerPort in both directions, or ClientIP/ClientPort when
// UDP_REVERSED is set.
func endpoint(flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction) (string, uint16) {
	if flow.HasFlag(flowsession.FlagUDPReversed) {
		return packet.ClientIP, packet.ClientPort
	}
	return packet.ServerIP, packet.ServerPort
}

// ensureEndpoint sets flow.ServiceIP/ServicePort the first time, and
// returns the host-tracker key for that endpoint.
func (r *Recorder) ensureEndpoint(flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction) hosttracker.Key {
	if flow.ServiceIP == "" {
		ip, port := endpoint(flow, packet, dir)
		flow.ServiceIP = ip
		flow.ServicePort = port
	}
	return hosttracker.Key{
		ServerIP: flow.ServiceIP,
		Proto:    packet.Transport,
		Port:     flow.ServicePort,
		Level:    r.detectionLevel(),
	}
}

func (r *Recorder) detectionLevel() ids.DetectionLevel {
	if r.config != nil {
		return ids.DetectionLevel(r.config.DetectionLevel)
	}
	return ids.DetectionLevelBase
}

// AddService records a positive identification (spec §4.7, "AddService").
func (r *Recorder) AddService(ctx context.Context, flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction, detector flowsession.Detector, appID ids.AppID, vendor, version string, subtypes []string) (ids.Status, error) {
	key := r.ensureEndpoint(flow, packet, dir)

	flow.ServiceAppID = appID
	flow.SetFlag(flowsession.FlagServiceDetected)
	flow.SetVendor(vendor)
	flow.SetVersion(version)
	flow.SetSubtypes(subtypes)

	if r.registry != nil && !r.registry.Active(detector) {
		// Disabled detector: success at the flow level, but no
		// host-tracker persistence (spec §4.7, §7.6).
		return ids.StatusSuccess, nil
	}

	entry := r.cache.GetOrAdd(key)
	entry.Lock()
	defer entry.Unlock()

	entry.ServiceList = nil
	entry.CurrentService = -1

	if entry.State != hosttracker.StateValid {
		entry.DetractCount = 0
		entry.InvalidClientCount = 0
		entry.LastDetract = ""
		entry.LastInvalidClient = ""
	}
	entry.State = hosttracker.StateValid
	entry.Svc = detector
	if entry.ValidCount < ids.MaxValid {
		entry.ValidCount++
	}
	entry.DetractCount = 0
	entry.InvalidClientCount = 0
	entry.Searching = false

	return ids.StatusSuccess, nil
}

// InProcess records that detector needs more packets (spec §4.7,
// "InProcess").
func (r *Recorder) InProcess(ctx context.Context, flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction, detector flowsession.Detector) (ids.Status, error) {
	if dir == ids.FromInitiator || flow.HasFlag(flowsession.FlagIgnoreHost) || flow.HasFlag(flowsession.FlagUDPReversed) {
		return ids.StatusInProcess, nil
	}

	key := r.ensureEndpoint(flow, packet, dir)
	entry := r.cache.GetOrAdd(key)
	entry.Lock()
	defer entry.Unlock()

	if entry.Svc == nil {
		entry.State = hosttracker.StateNew
		entry.Svc = detector
	}

	return ids.StatusInProcess, nil
}

// suppressFailure reports whether an IncompatibleData/FailService call
// should be swallowed because the flow still has other candidates left to
// try (spec §4.7).
func suppressFailure(flow *flowsession.Flow, state hosttracker.State) bool {
	return flow.HasCandidates() &&
		flow.NumCandidatesTried() < ids.MaxCandidateServices &&
		state != hosttracker.StateBruteForce
}

// IncompatibleData records a misidentification signal (spec §4.7,
// "IncompatibleData").
func (r *Recorder) IncompatibleData(ctx context.Context, flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction, detector flowsession.Detector) (ids.Status, error) {
	return r.failOrIncompatible(ctx, flow, packet, dir, detector)
}

// FailService records an exhausted-search failure (spec §4.7,
// "FailService"). It shares its transition logic with IncompatibleData.
func (r *Recorder) FailService(ctx context.Context, flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction, detector flowsession.Detector) (ids.Status, error) {
	return r.failOrIncompatible(ctx, flow, packet, dir, detector)
}

func (r *Recorder) failOrIncompatible(ctx context.Context, flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction, detector flowsession.Detector) (ids.Status, error) {
	key := r.ensureEndpoint(flow, packet, dir)
	_, existed := r.cache.Get(key)
	entry := r.cache.GetOrAdd(key)
	entry.Lock()
	state := entry.State
	entry.Unlock()

	if suppressFailure(flow, state) {
		return ids.StatusSuccess, nil
	}

	flow.SetFlag(flowsession.FlagServiceDetected)
	flow.ClearFlag(flowsession.FlagContinue)
	flow.ServiceAppID = ids.AppIDNone

	if dir == ids.FromInitiator {
		flow.SetFlag(flowsession.FlagIncompatible)
		return ids.StatusNotCompatible, nil
	}

	entry.Lock()
	if !existed {
		entry.State = hosttracker.StateNew
		entry.Svc = detector
	}
	entry.ResetTime = time.Time{}
	entry.Unlock()

	return ids.StatusNotCompatible, nil
}

// RecordInvalidClient bumps invalid_client_count on clientIP (spec §4.5
// step 7 / §7.3, the post-pass bookkeeping consumed by a detector that set
// GotIncompatibleServices): a client IP distinct from the entry's last
// invalid client weighs INCONCLUSIVE_SERVICE_WEIGHT (3), a repeat of the
// same client weighs 1, and the running count never grows past the
// invalid-client threshold. Callers must hold entry's lock.
func (r *Recorder) RecordInvalidClient(entry *hosttracker.Entry, clientIP string) {
	if clientIP != entry.LastInvalidClient {
		entry.LastInvalidClient = clientIP
		entry.InvalidClientCount += ids.InconclusiveServiceWeight
	} else {
		entry.InvalidClientCount++
	}
	if entry.InvalidClientCount > ids.InvalidClientThreshold {
		entry.InvalidClientCount = ids.InvalidClientThreshold
	}
}

// HandleFailure applies the exception-path counter discipline (spec §4.7,
// "HandleFailure"). clientIP is the offending client's address; timeout
// distinguishes in-band failure from a flow-teardown-driven one.
func (r *Recorder) HandleFailure(flow *flowsession.Flow, entry *hosttracker.Entry, clientIP string, timeout bool) {
	entry.Lock()
	defer entry.Unlock()

	if entry.State == hosttracker.StateValid {
		if entry.InvalidClientCount >= ids.InvalidClientThreshold {
			if entry.ValidCount <= 1 {
				resetToNew(entry)
				entry.Searching = false
				return
			}
			entry.ValidCount--
			entry.LastInvalidClient = clientIP
			entry.InvalidClientCount = 0
		} else if entry.InvalidClientCount == 0 {
			if clientIP == entry.LastDetract {
				entry.DetractCount++
			} else {
				entry.LastDetract = clientIP
			}
			if entry.DetractCount >= ids.NeededDupeDetractCount {
				if entry.ValidCount <= 1 {
					resetToNew(entry)
					entry.Searching = false
					return
				}
				entry.ValidCount--
				entry.DetractCount = 0
			}
		}
	}

	if timeout && flow.HasCandidates() {
		entry.State = hosttracker.StateNew
	}

	if flow.HasCandidates() && entry.State == hosttracker.StateBruteForce &&
		entry.InvalidClientCount > 0 && entry.InvalidClientCount < ids.InvalidClientThreshold {
		entry.State = hosttracker.StateNew
	}

	entry.Searching = false
}

func resetToNew(entry *hosttracker.Entry) {
	entry.State = hosttracker.StateNew
	entry.ValidCount = 0
	entry.DetractCount = 0
	entry.InvalidClientCount = 0
	entry.LastDetract = ""
	entry.LastInvalidClient = ""
}

// FailInProcess is invoked by the packet-source layer when a flow
// terminates while a detector was still in-process (spec §4.7,
// "FailInProcess").
func (r *Recorder) FailInProcess(flow *flowsession.Flow, entry *hosttracker.Entry, clientIP string) {
	if flow.HasFlag(flowsession.FlagServiceDetected) || flow.HasFlag(flowsession.FlagUDPReversed) {
		return
	}

	entry.Lock()
	entry.InvalidClientCount += ids.InconclusiveServiceWeight
	entry.Unlock()

	r.HandleFailure(flow, entry, clientIP, true)
}

// The following methods round out flowsession.ServiceAPI with the
// informational recorders (spec §6). Their internals are out of scope
// (spec §1); they record onto the flow's side-info accumulator for the
// diagnostics/side-info layer to read back.

func (r *Recorder) AddServiceSubtype(flow *flowsession.Flow, subtype string) {
	flow.AddSubtype(subtype)
}

func (r *Recorder) AddPayload(flow *flowsession.Flow, payload string) {
	flow.AddPayload(payload)
}

func (r *Recorder) AddUser(flow *flowsession.Flow, user string, appID ids.AppID, success bool) {
	flow.SetUser(user, appID, success)
}

func (r *Recorder) AddMiscellaneousInfo(flow *flowsession.Flow, appID ids.AppID) {
	flow.AddMiscInfo(appID)
}

func (r *Recorder) AddHostInfo(flow *flowsession.Flow, code int, info any) {
	flow.AddHostInfo(code, info)
}

func (r *Recorder) AddHostIPInfo(flow *flowsession.Flow, mac [6]byte, ip string, ttl uint8) {
	flow.AddHostIPInfo(mac, ip, ttl)
}

func (r *Recorder) AddDHCPInfo(flow *flowsession.Flow, option55 []byte) {
	flow.AddDHCPInfo(option55)
}

func (r *Recorder) AddSMBInfo(flow *flowsession.Flow, major, minor int, flags uint32) {
	flow.AddSMBInfo(major, minor, flags)
}

func (r *Recorder) AddDNSQueryInfo(flow *flowsession.Flow, queryID uint16, host string, hostType uint16) {
	flow.AddDNSQueryInfo(queryID, host, hostType)
}

func (r *Recorder) AddDNSResponseInfo(flow *flowsession.Flow, queryID uint16, host string, ttl uint32, responseType uint8) {
	flow.AddDNSResponseInfo(queryID, host, ttl, responseType)
}

func (r *Recorder) ResetDNSInfo(flow *flowsession.Flow) {
	flow.ResetDNSInfo()
}
