// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch implements the dispatch engine (spec §4.5, C6): the
// single per-packet entry point that drives the selection state machine,
// invokes detectors, and collates the results into host-tracker and
// flow-session updates.
package dispatch

import (
	"context"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
	"grimm.is/appidcore/internal/appid/selector"
	"grimm.is/appidcore/internal/appid/verdict"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
)

// Engine is the dispatch engine. One Engine is built per worker thread
// over a shared, finalized Registry (spec §5, "per-thread registry and
// pattern data are independent").
//
// Entry locking discipline: the engine holds an *hosttracker.Entry* lock
// around direct field reads/writes, around selector.Next, and around
// verdict.Recorder.RecordInvalidClient (which expects the caller to hold
// it). It never holds the lock across a detector's Validate or the other
// verdict-recorder entry points, which take the same entry's lock
// themselves (spec §5, "holders must avoid calling detectors while the
// bucket lock is held").
type Engine struct {
	registry *registry.Registry
	cache    *hosttracker.Cache
	selector *selector.Selector
	recorder *verdict.Recorder
	config   *config.Config
	logger   *logging.Logger
}

// New builds a dispatch engine.
func New(reg *registry.Registry, cache *hosttracker.Cache, rec *verdict.Recorder, cfg *config.Config, logger *logging.Logger) *Engine {
	return &Engine{
		registry: reg,
		cache:    cache,
		selector: selector.New(reg),
		recorder: rec,
		config:   cfg,
		logger:   logger,
	}
}

func (e *Engine) detectionLevel() ids.DetectionLevel {
	if e.config != nil {
		return ids.DetectionLevel(e.config.DetectionLevel)
	}
	return ids.DetectionLevelBase
}

func (e *Engine) maxCandidates() int {
	if e.config != nil && e.config.MaxCandidateServices > 0 {
		return e.config.MaxCandidateServices
	}
	return ids.MaxCandidateServices
}

// DiscoverService is the dispatch engine's entry point (spec §4.5,
// discover_service). data is the packet's application-layer payload.
func (e *Engine) DiscoverService(ctx context.Context, data []byte, packet flowsession.PacketMeta, dir ids.Direction, flow *flowsession.Flow) (ids.Status, error) {
	if flow == nil {
		return ids.StatusEInvalid, nil
	}

	// Step 1: fix (ip, port).
	ip, port := e.fixEndpoint(flow, packet, dir)

	// Step 2: obtain or create the host-tracker entry; bind to flow.
	key := hosttracker.Key{ServerIP: ip, Proto: packet.Transport, Port: port, Level: e.detectionLevel()}
	entry := e.cache.GetOrAdd(key)
	if _, ok := hosttracker.EntryOf(flow); !ok {
		hosttracker.Bind(flow, entry)
	}
	e.cache.Touch(key)

	// Step 3: anchor a detector if the flow doesn't have one yet.
	if flow.ServiceData == nil {
		e.tryAnchor(flow, entry, packet)
	}

	args := flowsession.ValidationArgs{
		Data:   data,
		Dir:    dir,
		Flow:   flow,
		Packet: packet,
		Config: e.config,
		Logger: e.logger,
		API:    e.recorder,
	}

	var status ids.Status
	var err error

	// Step 5: a detector is already bound — run it directly.
	if flow.ServiceData != nil {
		status, err = e.runBound(ctx, flow, entry, packet, dir, args)
	} else {
		// Step 6: searching phase.
		status = e.search(ctx, flow, entry, packet, dir, args)
	}

	// Step 8: release service_list once no longer needed. In BRUTE_FORCE
	// CurrentService is tryAnchor's cursor into the transport-wide list, so
	// it is kept.
	entry.Lock()
	if entry.State == hosttracker.StateBruteForce || entry.State == hosttracker.StateValid {
		entry.ServiceList = nil
		if entry.State == hosttracker.StateValid {
			entry.CurrentService = -1
		}
	}
	entry.Unlock()

	return status, err
}

// fixEndpoint implements spec §4.5 step 1. PacketMeta is already oriented
// (Server* is the responder whichever way the packet travels), so the
// responder's endpoint is ServerIP/ServerPort for both directions.
func (e *Engine) fixEndpoint(flow *flowsession.Flow, packet flowsession.PacketMeta, dir ids.Direction) (string, uint16) {
	if flow.ServiceIP != "" {
		return flow.ServiceIP, flow.ServicePort
	}
	return packet.ServerIP, packet.ServerPort
}

// tryAnchor implements spec §4.5 step 3.
func (e *Engine) tryAnchor(flow *flowsession.Flow, entry *hosttracker.Entry, packet flowsession.PacketMeta) {
	entry.Lock()
	defer entry.Unlock()

	if entry.Svc != nil && entry.State == hosttracker.StateValid {
		flow.Bind(entry.Svc)
		return
	}

	if entry.State == hosttracker.StateBruteForce && flow.NumCandidatesTried() == 0 && !entry.Searching {
		detectors := e.registry.AllDetectors(packet.Transport)
		idx := entry.CurrentService
		if idx < 0 {
			idx = 0
		}
		if idx < len(detectors) {
			flow.Bind(detectors[idx])
			entry.CurrentService = idx + 1
		}
	}
}

// runBound implements spec §4.5 step 5.
func (e *Engine) runBound(ctx context.Context, flow *flowsession.Flow, entry *hosttracker.Entry, packet flowsession.PacketMeta, dir ids.Direction, args flowsession.ValidationArgs) (ids.Status, error) {
	detector := flow.ServiceData
	args.DetectorUserData = nil
	status, err := detector.Validate(ctx, args)
	if err != nil {
		return status, err
	}

	switch status {
	case ids.StatusNotCompatible:
		flow.GotIncompatibleServices = true
		_, _ = e.recorder.IncompatibleData(ctx, flow, packet, dir, detector)
		e.recordInvalidClientIfIncompatible(flow, entry, packet)
		e.recorder.HandleFailure(flow, entry, packet.ClientIP, false)
	case ids.StatusInvalid:
		_, _ = e.recorder.FailService(ctx, flow, packet, dir, detector)
		e.recordInvalidClientIfIncompatible(flow, entry, packet)
		e.recorder.HandleFailure(flow, entry, packet.ClientIP, false)
	}

	return status, nil
}

// recordInvalidClientIfIncompatible implements spec §4.5 step 7's post-pass
// bookkeeping: once a flow has seen NOT_COMPATIBLE from any of its
// detectors, every subsequent failure on that flow also weighs against the
// offending client IP (spec §7.3), ahead of the HandleFailure call that
// consumes it.
func (e *Engine) recordInvalidClientIfIncompatible(flow *flowsession.Flow, entry *hosttracker.Entry, packet flowsession.PacketMeta) {
	if !flow.GotIncompatibleServices {
		return
	}
	entry.Lock()
	e.recorder.RecordInvalidClient(entry, packet.ClientIP)
	entry.Unlock()
}

// search implements spec §4.5 step 6.
func (e *Engine) search(ctx context.Context, flow *flowsession.Flow, entry *hosttracker.Entry, packet flowsession.PacketMeta, dir ids.Direction, args flowsession.ValidationArgs) ids.Status {
	entry.Lock()
	if !flow.HasCandidateList() {
		if entry.Searching {
			entry.State = hosttracker.StateNew
		}
		flow.EnsureCandidateList()
		entry.Searching = true
	}
	maxCandidates := e.maxCandidates()
	shouldCollect := entry.State == hosttracker.StateNew || entry.State == hosttracker.StatePort ||
		(entry.State == hosttracker.StatePattern && dir == ids.FromResponder)
	entry.Unlock()

	if shouldCollect {
		for flow.NumCandidatesTried() < maxCandidates {
			entry.Lock()
			next := e.selector.Next(entry, args.Data, packet, dir, flow, e.detectionLevel())
			entry.Unlock()
			if next == nil {
				break
			}
			flow.AddCandidate(next, maxCandidates)
		}
	}

	produced := false
	for _, candidate := range flow.CandidateServices() {
		produced = true
		args.DetectorUserData = nil
		status, err := candidate.Validate(ctx, args)
		if err != nil {
			continue
		}
		switch status {
		case ids.StatusSuccess:
			flow.Bind(candidate)
			flow.ClearCandidates()
			return ids.StatusSuccess
		case ids.StatusInProcess:
			// retained
		default:
			flow.RemoveCandidate(candidate)
			if status == ids.StatusNotCompatible {
				flow.GotIncompatibleServices = true
				_, _ = e.recorder.IncompatibleData(ctx, flow, packet, dir, candidate)
			} else {
				_, _ = e.recorder.FailService(ctx, flow, packet, dir, candidate)
			}
			e.recordInvalidClientIfIncompatible(flow, entry, packet)
			e.recorder.HandleFailure(flow, entry, packet.ClientIP, false)
		}
	}

	entry.Lock()
	state := entry.State
	entry.Unlock()

	exhausted := flow.NumCandidatesTried() >= maxCandidates
	if !flow.HasCandidates() && (exhausted || state == hosttracker.StateBruteForce) {
		_, _ = e.recorder.FailService(ctx, flow, packet, dir, flow.ServiceData)
		return ids.StatusNoMatch
	}

	if dir == ids.FromResponder && !produced && !flow.HasCandidates() {
		_, _ = e.recorder.FailService(ctx, flow, packet, dir, flow.ServiceData)
		return ids.StatusNoMatch
	}

	if flow.HasCandidates() {
		return ids.StatusInProcess
	}

	return ids.StatusNoMatch
}
