// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sideinfo

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
)

type recordedDNSQuery struct {
	queryID  uint16
	host     string
	hostType uint16
}

type recordedDNSResponse struct {
	queryID      uint16
	host         string
	ttl          uint32
	responseType uint8
}

// minimalAPI captures calls instead of touching host-tracker/flow internals,
// the narrowest stand-in for flowsession.ServiceAPI this package needs. The
// embedded (nil) ServiceAPI supplies the methods this package never calls.
type minimalAPI struct {
	flowsession.ServiceAPI

	queries     []recordedDNSQuery
	responses   []recordedDNSResponse
	resetCalled bool
	dhcpOption  []byte
	hostIPs     [][6]byte
	smbMajor    int
	smbMinor    int
}

func (f *minimalAPI) AddDNSQueryInfo(flow *flowsession.Flow, queryID uint16, host string, hostType uint16) {
	f.queries = append(f.queries, recordedDNSQuery{queryID, host, hostType})
}

func (f *minimalAPI) AddDNSResponseInfo(flow *flowsession.Flow, queryID uint16, host string, ttl uint32, responseType uint8) {
	f.responses = append(f.responses, recordedDNSResponse{queryID, host, ttl, responseType})
}

func (f *minimalAPI) ResetDNSInfo(flow *flowsession.Flow) { f.resetCalled = true }

func (f *minimalAPI) AddDHCPInfo(flow *flowsession.Flow, option55 []byte) {
	f.dhcpOption = append([]byte(nil), option55...)
}

func (f *minimalAPI) AddHostIPInfo(flow *flowsession.Flow, mac [6]byte, ip string, ttl uint8) {
	f.hostIPs = append(f.hostIPs, mac)
}

func (f *minimalAPI) AddSMBInfo(flow *flowsession.Flow, major, minor int, flags uint32) {
	f.smbMajor, f.smbMinor = major, minor
}

func TestAddDNSQueryInfoRecordsFirstQuestion(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)
	msg := new(dns.Msg)
	msg.Id = 42
	msg.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)

	rec.AddDNSQueryInfo(flowsession.NewFlow(), msg)

	require.Len(t, api.queries, 1)
	assert.Equal(t, uint16(42), api.queries[0].queryID)
	assert.Equal(t, "example.com", api.queries[0].host)
	assert.Equal(t, dns.TypeA, api.queries[0].hostType)
}

func TestAddDNSQueryInfoIgnoresEmptyQuestion(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)
	rec.AddDNSQueryInfo(flowsession.NewFlow(), new(dns.Msg))
	assert.Empty(t, api.queries)
}

func TestAddDNSResponseInfoRecordsAAndCNAME(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)
	msg := new(dns.Msg)
	msg.Id = 7
	msg.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Ttl: 300}, A: net.IPv4(1, 2, 3, 4)},
		&dns.CNAME{Hdr: dns.RR_Header{Name: "alias.example.com.", Ttl: 60}, Target: "example.com."},
	}

	rec.AddDNSResponseInfo(flowsession.NewFlow(), msg)

	require.Len(t, api.responses, 2)
	assert.Equal(t, "example.com", api.responses[0].host)
	assert.Equal(t, uint8(dns.TypeA), api.responses[0].responseType)
	assert.Equal(t, "alias.example.com", api.responses[1].host)
	assert.Equal(t, uint8(dns.TypeCNAME), api.responses[1].responseType)
}

func TestResetDNSInfoForwards(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)
	rec.ResetDNSInfo(flowsession.NewFlow())
	assert.True(t, api.resetCalled)
}

func TestAddDHCPInfoForwardsOption55(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)

	pkt, err := dhcpv4.New(
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionParameterRequestList, []byte{1, 3, 6})),
	)
	require.NoError(t, err)
	pkt.ClientHWAddr = net.HardwareAddr{0, 1, 2, 3, 4, 5}
	pkt.YourIPAddr = net.IPv4(192, 168, 1, 50)

	rec.AddDHCPInfo(flowsession.NewFlow(), pkt)

	assert.Equal(t, []byte{1, 3, 6}, api.dhcpOption)
	require.Len(t, api.hostIPs, 1)
	assert.Equal(t, [6]byte{0, 1, 2, 3, 4, 5}, api.hostIPs[0])
}

func TestAddSMBInfoForwards(t *testing.T) {
	api := &minimalAPI{}
	rec := New(api, nil)
	rec.AddSMBInfo(flowsession.NewFlow(), 3, 1, 0)
	assert.Equal(t, 3, api.smbMajor)
	assert.Equal(t, 1, api.smbMinor)
}

var _ = ids.AppIDNone // keep ids imported for parity with other package tests
