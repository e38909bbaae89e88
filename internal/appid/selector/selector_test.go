// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
)

type stubDetector struct {
	name      string
	transport ids.Transport
}

func (s *stubDetector) Name() string            { return s.name }
func (s *stubDetector) Transport() ids.Transport { return s.transport }
func (s *stubDetector) ProvidesUser() bool       { return false }
func (s *stubDetector) FlowDataSlot() int        { return 0 }
func (s *stubDetector) Validate(ctx context.Context, args flowsession.ValidationArgs) (ids.Status, error) {
	return ids.StatusSuccess, nil
}

func newEntry() *hosttracker.Entry {
	c := hosttracker.New(nil, nil)
	return c.GetOrAdd(hosttracker.Key{ServerIP: "10.0.0.1", Proto: ids.TransportTCP, Port: 25, Level: ids.DetectionLevelBase})
}

func TestNewTransitionsToPortAndSelects(t *testing.T) {
	reg := registry.New(nil)
	d := &stubDetector{name: "smtp", transport: ids.TransportTCP}
	require.NoError(t, reg.AddPort(ids.TransportTCP, 25, d))
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	packet := flowsession.PacketMeta{ServerPort: 25, Transport: ids.TransportTCP}

	got := s.Next(entry, nil, packet, ids.FromInitiator, flowsession.NewFlow(), ids.DetectionLevelBase)
	assert.Equal(t, d, got)
	assert.Equal(t, hosttracker.StatePort, entry.State)
}

func TestPortExhaustionTransitionsToPattern(t *testing.T) {
	reg := registry.New(nil)
	s := New(reg)
	reg.Finalize()
	entry := newEntry()
	entry.State = hosttracker.StatePort
	packet := flowsession.PacketMeta{ServerPort: 25, Transport: ids.TransportTCP}

	got := s.Next(entry, nil, packet, ids.FromInitiator, flowsession.NewFlow(), ids.DetectionLevelBase)
	assert.Nil(t, got)
	assert.Equal(t, hosttracker.StatePattern, entry.State)
}

func TestSSLPortRemap(t *testing.T) {
	reg := registry.New(nil)
	d := &stubDetector{name: "smtp", transport: ids.TransportTCP}
	require.NoError(t, reg.AddPort(ids.TransportTCP, 25, d))
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePort
	packet := flowsession.PacketMeta{ServerPort: 465, Transport: ids.TransportTCP}

	got := s.Next(entry, nil, packet, ids.FromInitiator, flowsession.NewFlow(), ids.DetectionLevelSSL)
	assert.Equal(t, d, got)
}

func TestPatternResponderFirstSearch(t *testing.T) {
	reg := registry.New(nil)
	d := &stubDetector{name: "rtsp", transport: ids.TransportTCP}
	require.NoError(t, reg.RegisterPattern(ids.TransportTCP, []byte("RTSP"), d, -1, false))
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePattern
	packet := flowsession.PacketMeta{Transport: ids.TransportTCP}

	got := s.Next(entry, []byte("RTSP/1.0 200 OK\r\n"), packet, ids.FromResponder, flowsession.NewFlow(), ids.DetectionLevelBase)
	assert.Equal(t, d, got)
	assert.Equal(t, 0, entry.CurrentService)
}

func TestPatternExhaustionTransitionsToBruteForce(t *testing.T) {
	reg := registry.New(nil)
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePattern
	packet := flowsession.PacketMeta{Transport: ids.TransportTCP}

	got := s.Next(entry, []byte("no match here"), packet, ids.FromResponder, flowsession.NewFlow(), ids.DetectionLevelBase)
	assert.Nil(t, got)
	assert.Equal(t, hosttracker.StateBruteForce, entry.State)
}

func TestReverseUDPLookupOnFirstInitiatorPacket(t *testing.T) {
	reg := registry.New(nil)
	d := &stubDetector{name: "reverse-rtp", transport: ids.TransportUDP}
	require.NoError(t, reg.AddReversePort(5004, d))
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePattern
	flow := flowsession.NewFlow()
	packet := flowsession.PacketMeta{ClientPort: 5004, Transport: ids.TransportUDP}

	got := s.Next(entry, nil, packet, ids.FromInitiator, flow, ids.DetectionLevelBase)
	assert.Equal(t, d, got)
	assert.True(t, flow.TriedReverseService)
}

func TestReverseUDPLookupOnlyTriedOnce(t *testing.T) {
	reg := registry.New(nil)
	d := &stubDetector{name: "reverse-rtp", transport: ids.TransportUDP}
	require.NoError(t, reg.AddReversePort(5004, d))
	reg.Finalize()

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePattern
	flow := flowsession.NewFlow()
	flow.TriedReverseService = true
	packet := flowsession.PacketMeta{ClientPort: 5004, Transport: ids.TransportUDP}

	got := s.Next(entry, nil, packet, ids.FromInitiator, flow, ids.DetectionLevelBase)
	assert.Nil(t, got)
}

func TestBruteForceAndValidReturnNil(t *testing.T) {
	reg := registry.New(nil)
	reg.Finalize()
	s := New(reg)
	packet := flowsession.PacketMeta{Transport: ids.TransportTCP}
	flow := flowsession.NewFlow()

	bf := newEntry()
	bf.State = hosttracker.StateBruteForce
	assert.Nil(t, s.Next(bf, nil, packet, ids.FromResponder, flow, ids.DetectionLevelBase))

	valid := newEntry()
	valid.State = hosttracker.StateValid
	assert.Nil(t, s.Next(valid, nil, packet, ids.FromResponder, flow, ids.DetectionLevelBase))
}

func TestDisabledDetectorSkippedDuringPatternCursorAdvance(t *testing.T) {
	reg := registry.New(nil)
	first := &stubDetector{name: "first", transport: ids.TransportTCP}
	second := &stubDetector{name: "second", transport: ids.TransportTCP}
	require.NoError(t, reg.RegisterPattern(ids.TransportTCP, []byte("AA"), first, -1, false))
	require.NoError(t, reg.RegisterPattern(ids.TransportTCP, []byte("B"), second, -1, false))
	reg.Finalize()
	reg.Disable(first)

	s := New(reg)
	entry := newEntry()
	entry.State = hosttracker.StatePattern
	packet := flowsession.PacketMeta{Transport: ids.TransportTCP}

	got := s.Next(entry, []byte("AAB"), packet, ids.FromResponder, flowsession.NewFlow(), ids.DetectionLevelBase)
	assert.Equal(t, second, got)
}
