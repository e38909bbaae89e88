// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsession

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/appidcore/internal/appid/ids"
)

// Flag is one of the sticky per-flow bits the dispatch core sets (spec §3,
// "Flow session"). Only CONTINUE is ever cleared, by the verdict
// recorder's FailService/IncompatibleData.
type Flag uint8

const (
	FlagServiceDetected Flag = 1 << iota
	FlagContinue
	FlagIncompatible
	FlagUDPReversed
	FlagIgnoreHost
	FlagAdditionalPacket
)

// flowData is one detector's private scratch slot plus its free callback,
// the Go stand-in for the C void*-plus-destructor pattern (spec §9).
type flowData struct {
	value any
	free  func(any)
}

// Flow is the per-flow state the dispatch core touches (spec §3, C4).
// It is owned exclusively by the packet-source layer; the core only ever
// holds a *Flow passed in by the caller.
type Flow struct {
	mu sync.Mutex

	// CorrelationID tags every log line and metric this flow touches, so
	// a verdict can be traced back through the packet-source layer's own
	// logs without reconstructing the 5-tuple by hand.
	CorrelationID uuid.UUID

	ServiceAppID ids.AppID
	ServiceData  Detector // bound detector, nil until one wins or is anchored

	candidateServices   []Detector // bounded FIFO, size <= MaxCandidateServices
	numCandidatesTried  int        // monotonic, capped at MaxCandidateServices

	ServiceIP   string // fixed at first success/fail
	ServicePort uint16

	// IDState is the flow's handle into the host-tracker entry for its
	// (ip, proto, port, level) key. It is stored as `any` because the
	// host-tracker package itself holds Detector values (from this
	// package) in its entries — a direct *hosttracker.Entry field here
	// would be an import cycle. hosttracker.Bind/hosttracker.EntryOf are
	// the only code that type-asserts it back.
	IDState any

	flags Flag

	GotIncompatibleServices bool
	TriedReverseService     bool

	flowData map[int]*flowData

	// Descriptive attributes attached by detectors via the service API
	// (spec §6). Their consumption is out of scope here; they exist so
	// detectors have somewhere to put what they discover.
	Vendor   string
	Version  string
	Subtypes []string
	Payloads []string
	User     string
	UserSuccess bool
	MiscAppIDs []ids.AppID
	HostInfo   []HostInfoRecord
	HostIPInfo []HostIPRecord
	DHCPOption55 []byte
	SMBMajor, SMBMinor int
	SMBFlags           uint32
	DNSQueries  []DNSQueryRecord
	DNSResponses []DNSResponseRecord
}

// HostInfoRecord is one opaque host-info attachment (spec §6,
// "add_host_info"); code identifies its kind to whatever side-info
// consumer reads it back.
type HostInfoRecord struct {
	Code int
	Info any
}

// HostIPRecord is a discovered (MAC, IP, TTL) triple (spec §6,
// "add_host_ip_info").
type HostIPRecord struct {
	MAC [6]byte
	IP  string
	TTL uint8
}

// DNSQueryRecord is one observed DNS query (spec §6, "add_dns_query_info").
type DNSQueryRecord struct {
	QueryID  uint16
	Host     string
	HostType uint16
}

// DNSResponseRecord is one observed DNS response (spec §6,
// "add_dns_response_info").
type DNSResponseRecord struct {
	QueryID      uint16
	Host         string
	TTL          uint32
	ResponseType uint8
}

// NewFlow returns an empty flow session ready for its first packet.
func NewFlow() *Flow {
	return &Flow{flowData: make(map[int]*flowData), CorrelationID: uuid.New()}
}

// SetFlag raises a sticky flag. Flags are never cleared except CONTINUE,
// which FailService/IncompatibleData reset explicitly (spec §4.7).
func (f *Flow) SetFlag(flag Flag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags |= flag
}

func (f *Flow) ClearFlag(flag Flag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags &^= flag
}

func (f *Flow) HasFlag(flag Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags&flag != 0
}

// FlowDataGet returns the detector's scratch for slot, or nil if none has
// been added yet.
func (f *Flow) FlowDataGet(slot int) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd, ok := f.flowData[slot]; ok {
		return fd.value
	}
	return nil
}

// FlowDataAdd installs a detector's scratch for slot, with an optional free
// callback invoked when the flow (and its scratch) is torn down.
func (f *Flow) FlowDataAdd(slot int, value any, free func(any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowData[slot] = &flowData{value: value, free: free}
}

// Close releases every detector's flow-data free callback. Called by the
// packet-source layer when the flow terminates.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fd := range f.flowData {
		if fd.free != nil {
			fd.free(fd.value)
		}
	}
	f.flowData = nil
}

// CandidateServices returns a snapshot of the current candidate pool.
func (f *Flow) CandidateServices() []Detector {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Detector, len(f.candidateServices))
	copy(out, f.candidateServices)
	return out
}

// NumCandidatesTried returns the monotonic count of unique detectors ever
// added to the candidate pool this flow (spec invariant: capped at
// MaxCandidateServices, never decrements).
func (f *Flow) NumCandidatesTried() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numCandidatesTried
}

// AddCandidate appends detector to the candidate pool if it isn't already
// present and the flow hasn't hit maxCandidates. It reports whether the
// detector was added.
func (f *Flow) AddCandidate(detector Detector, maxCandidates int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.numCandidatesTried >= maxCandidates {
		return false
	}
	for _, d := range f.candidateServices {
		if d == detector {
			return false
		}
	}
	f.candidateServices = append(f.candidateServices, detector)
	f.numCandidatesTried++
	return true
}

// RemoveCandidate drops detector from the pool (a fail/not-compatible/
// invalid verdict prunes it, spec §4.5 step 6).
func (f *Flow) RemoveCandidate(detector Detector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.candidateServices {
		if d == detector {
			f.candidateServices = append(f.candidateServices[:i], f.candidateServices[i+1:]...)
			return
		}
	}
}

// ClearCandidates empties the candidate pool, e.g. once a winner is bound
// (spec invariant 2: "empty once a detector wins").
func (f *Flow) ClearCandidates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidateServices = nil
}

// HasCandidates reports whether the candidate pool is non-empty.
func (f *Flow) HasCandidates() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidateServices) > 0
}

// HasCandidateList reports whether the candidate pool is currently
// allocated, distinct from HasCandidates: a flow can have an
// allocated-but-currently-empty pool mid-search. ClearCandidates releases
// the pool, after which this reports false again.
func (f *Flow) HasCandidateList() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidateServices != nil
}

// EnsureCandidateList allocates the candidate pool slice if this is the
// first time the flow enters the searching phase.
func (f *Flow) EnsureCandidateList() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candidateServices == nil {
		f.candidateServices = make([]Detector, 0, ids.MaxCandidateServices)
	}
}

// Bind sets the flow's anchored detector. Per invariant 1, this is only
// ever called once with a non-nil detector; callers enforce that by
// checking ServiceData == nil first.
func (f *Flow) Bind(detector Detector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ServiceData = detector
}

// SetVendor/SetVersion/SetSubtypes deep-copy a detector's AddService
// attributes onto the flow, replacing any prior copy (spec §4.7,
// "AddService deep-copies vendor/version/subtypes").
func (f *Flow) SetVendor(vendor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Vendor = vendor
}

func (f *Flow) SetVersion(version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Version = version
}

func (f *Flow) SetSubtypes(subtypes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subtypes = append([]string(nil), subtypes...)
}

func (f *Flow) AddSubtype(subtype string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subtypes = append(f.Subtypes, subtype)
}

func (f *Flow) AddPayload(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payloads = append(f.Payloads, payload)
}

func (f *Flow) SetUser(user string, appID ids.AppID, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.User = user
	f.UserSuccess = success
	f.MiscAppIDs = append(f.MiscAppIDs, appID)
}

func (f *Flow) AddMiscInfo(appID ids.AppID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MiscAppIDs = append(f.MiscAppIDs, appID)
}

func (f *Flow) AddHostInfo(code int, info any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HostInfo = append(f.HostInfo, HostInfoRecord{Code: code, Info: info})
}

func (f *Flow) AddHostIPInfo(mac [6]byte, ip string, ttl uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HostIPInfo = append(f.HostIPInfo, HostIPRecord{MAC: mac, IP: ip, TTL: ttl})
}

// AddDHCPInfo records a DHCP option-55 parameter list, truncated to
// DHCPOption55LenMax bytes (spec §5 resource bound).
func (f *Flow) AddDHCPInfo(option55 []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(option55) > ids.DHCPOption55LenMax {
		option55 = option55[:ids.DHCPOption55LenMax]
	}
	f.DHCPOption55 = append([]byte(nil), option55...)
}

func (f *Flow) AddSMBInfo(major, minor int, flags uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SMBMajor, f.SMBMinor, f.SMBFlags = major, minor, flags
}

func (f *Flow) AddDNSQueryInfo(queryID uint16, host string, hostType uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DNSQueries = append(f.DNSQueries, DNSQueryRecord{QueryID: queryID, Host: host, HostType: hostType})
}

func (f *Flow) AddDNSResponseInfo(queryID uint16, host string, ttl uint32, responseType uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DNSResponses = append(f.DNSResponses, DNSResponseRecord{QueryID: queryID, Host: host, TTL: ttl, ResponseType: responseType})
}

func (f *Flow) ResetDNSInfo() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DNSQueries = nil
	f.DNSResponses = nil
}
