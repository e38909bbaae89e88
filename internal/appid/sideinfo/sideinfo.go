// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sideinfo narrows the generic DHCP/DNS/SMB entries of
// flowsession.ServiceAPI (spec §6) down to the typed wire-message shapes a
// detector actually has in hand: a parsed *dhcpv4.DHCPv4 or *dns.Msg,
// rather than raw option bytes or query fields. Internals of DHCP/DNS/SMB
// parsing are out of scope (spec §1) — this package only adapts the
// already-parsed message into the calls the verdict recorder expects,
// and logs the DNS queries and DHCP packets it forwards.
package sideinfo

import (
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/logging"
)

// DNSRecorder accepts typed DNS messages.
type DNSRecorder interface {
	AddDNSQueryInfo(flow *flowsession.Flow, msg *dns.Msg)
	AddDNSResponseInfo(flow *flowsession.Flow, msg *dns.Msg)
	ResetDNSInfo(flow *flowsession.Flow)
}

// DHCPRecorder accepts a typed, already-parsed DHCPv4 packet.
type DHCPRecorder interface {
	AddDHCPInfo(flow *flowsession.Flow, pkt *dhcpv4.DHCPv4)
}

// Recorder adapts typed DHCP/DNS messages onto a flowsession.ServiceAPI
// (spec §6); detectors that parse NetBIOS/SMB/DHCP/DNS payloads call this
// instead of the raw API directly.
type Recorder struct {
	api    flowsession.ServiceAPI
	logger *logging.Logger
}

// New builds a typed side-info recorder over api.
func New(api flowsession.ServiceAPI, logger *logging.Logger) *Recorder {
	return &Recorder{api: api, logger: logger}
}

// AddDNSQueryInfo records msg's first question (spec §6, "add_dns_query_info").
// Messages with no question section are ignored.
func (r *Recorder) AddDNSQueryInfo(flow *flowsession.Flow, msg *dns.Msg) {
	if len(msg.Question) == 0 {
		return
	}
	q := msg.Question[0]
	host := strings.TrimSuffix(q.Name, ".")
	r.api.AddDNSQueryInfo(flow, msg.Id, host, q.Qtype)
	if r.logger != nil {
		r.logger.Debug("appid: dns query", "id", msg.Id, "host", host, "qtype", q.Qtype)
	}
}

// AddDNSResponseInfo records each A/AAAA/CNAME answer in msg (spec §6,
// "add_dns_response_info"). Other record types are not attributed here.
func (r *Recorder) AddDNSResponseInfo(flow *flowsession.Flow, msg *dns.Msg) {
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			r.api.AddDNSResponseInfo(flow, msg.Id, strings.TrimSuffix(rec.Hdr.Name, "."), rec.Hdr.Ttl, uint8(dns.TypeA))
		case *dns.AAAA:
			r.api.AddDNSResponseInfo(flow, msg.Id, strings.TrimSuffix(rec.Hdr.Name, "."), rec.Hdr.Ttl, uint8(dns.TypeAAAA))
		case *dns.CNAME:
			r.api.AddDNSResponseInfo(flow, msg.Id, strings.TrimSuffix(rec.Hdr.Name, "."), rec.Hdr.Ttl, uint8(dns.TypeCNAME))
		}
	}
}

// ResetDNSInfo clears accumulated DNS side-info (spec §6, "reset_dns_info").
func (r *Recorder) ResetDNSInfo(flow *flowsession.Flow) {
	r.api.ResetDNSInfo(flow)
}

// AddDHCPInfo records pkt's option-55 parameter request list and its
// client hardware address (spec §6, "add_dhcp_info", "add_host_ip_info").
func (r *Recorder) AddDHCPInfo(flow *flowsession.Flow, pkt *dhcpv4.DHCPv4) {
	if opt := pkt.Options.Get(dhcpv4.OptionParameterRequestList); opt != nil {
		r.api.AddDHCPInfo(flow, opt)
	}

	hw := pkt.ClientHWAddr
	if len(hw) == 6 && !pkt.YourIPAddr.IsUnspecified() {
		var mac [6]byte
		copy(mac[:], hw)
		r.api.AddHostIPInfo(flow, mac, pkt.YourIPAddr.String(), 0)
	}

	if r.logger != nil {
		r.logger.Debug("appid: dhcp info", "mac", pkt.ClientHWAddr.String())
	}
}

// AddSMBInfo forwards an SMB negotiate response's dialect/capability
// summary (spec §6, "add_smb_info"). NetBIOS/SMB framing is out of scope
// (spec §1); callers hand in already-decoded fields.
func (r *Recorder) AddSMBInfo(flow *flowsession.Flow, major, minor int, flags uint32) {
	r.api.AddSMBInfo(flow, major, minor, flags)
}
