// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsession

import (
	"context"

	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
)

// Detector is the contract every service detector module implements (spec
// §6, "Detector contract (inbound)"). Detector identity is the pair
// (Validate, userdata) in the original design; in Go a *rtp.Detector (or
// equivalent pointer-receiver type) stands in for that pair directly —
// two Detector values compare equal iff they're the same pointer, which is
// exactly the identity the registry and host tracker rely on.
type Detector interface {
	// Name is descriptive metadata, used in logs and diagnostics.
	Name() string

	// Transport is the transport this detector is registered against.
	Transport() ids.Transport

	// ProvidesUser reports whether this detector also attributes a user,
	// not just a service (spec §6 "provides-user").
	ProvidesUser() bool

	// FlowDataSlot is this detector's pre-assigned, monotonically unique
	// index into a flow's per-detector scratch slots.
	FlowDataSlot() int

	// Validate inspects one packet's payload for this flow and returns a
	// verdict. It is a pure function of data, dir and the flow's own
	// per-detector scratch (obtained via args.Flow.FlowDataGet/FlowDataAdd) — no global
	// state, no knowledge of other detectors' outcomes (spec §7).
	Validate(ctx context.Context, args ValidationArgs) (ids.Status, error)
}

// ValidationArgs is passed to Detector.Validate on every packet (spec
// §4.5 step 4).
type ValidationArgs struct {
	Data   []byte
	Dir    ids.Direction
	Flow   *Flow
	Packet PacketMeta
	Config *config.Config
	Logger *logging.Logger

	// API is the outbound service API (spec §6, "Service API exposed to
	// detectors"): add_service, fail_service, in_process,
	// incompatible_data, plus the DHCP/DNS/SMB/host side-info recorders.
	API ServiceAPI

	// DetectorUserData is the detector's own opaque config/state handle,
	// distinct from per-flow scratch.
	DetectorUserData any
}

// PacketMeta is the subset of packet/flow-tuple metadata a detector or the
// dispatch engine needs; the packet capture/reassembly layer that produces
// it is out of scope here (spec §1) — only this shape matters.
type PacketMeta struct {
	ServerIP   string
	ServerPort uint16
	ClientIP   string
	ClientPort uint16
	Transport  ids.Transport
}

// ServiceAPI is the outbound surface detectors call into (spec §6). It is
// implemented by the verdict recorder (C7); detectors only ever see this
// interface, never the concrete recorder, so they cannot reach into host
// tracker or flow-session internals directly.
type ServiceAPI interface {
	AddService(ctx context.Context, flow *Flow, packet PacketMeta, dir ids.Direction, detector Detector, appID ids.AppID, vendor, version string, subtypes []string) (ids.Status, error)
	InProcess(ctx context.Context, flow *Flow, packet PacketMeta, dir ids.Direction, detector Detector) (ids.Status, error)
	IncompatibleData(ctx context.Context, flow *Flow, packet PacketMeta, dir ids.Direction, detector Detector) (ids.Status, error)
	FailService(ctx context.Context, flow *Flow, packet PacketMeta, dir ids.Direction, detector Detector) (ids.Status, error)

	AddServiceSubtype(flow *Flow, subtype string)
	AddPayload(flow *Flow, payload string)
	AddUser(flow *Flow, user string, appID ids.AppID, success bool)
	AddMiscellaneousInfo(flow *Flow, appID ids.AppID)
	AddHostInfo(flow *Flow, code int, info any)
	AddHostIPInfo(flow *Flow, mac [6]byte, ip string, ttl uint8)

	AddDHCPInfo(flow *Flow, option55 []byte)
	AddSMBInfo(flow *Flow, major, minor int, flags uint32)
	AddDNSQueryInfo(flow *Flow, queryID uint16, host string, hostType uint16)
	AddDNSResponseInfo(flow *Flow, queryID uint16, host string, ttl uint32, responseType uint8)
	ResetDNSInfo(flow *Flow)
}
