// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
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

func TestAddPortIsIdempotentAndRefCounted(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "rtsp", transport: ids.TransportTCP}

	require.NoError(t, r.AddPort(ids.TransportTCP, 554, d))
	require.NoError(t, r.AddPort(ids.TransportTCP, 554, d))
	r.Finalize()

	got := r.LookupByPort(ids.TransportTCP, 554)
	require.Len(t, got, 1)
	assert.Equal(t, d, got[0])
}

func TestRemovePortsDropsBinding(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "rtsp", transport: ids.TransportTCP}
	require.NoError(t, r.AddPort(ids.TransportTCP, 554, d))
	r.RemovePorts(d)
	r.Finalize()

	assert.Empty(t, r.LookupByPort(ids.TransportTCP, 554))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "rtsp", transport: ids.TransportTCP}
	require.NoError(t, r.AddPort(ids.TransportTCP, 554, d))
	r.Finalize()
	r.Finalize()

	got := r.LookupByPort(ids.TransportTCP, 554)
	require.Len(t, got, 1)
}

func TestRegisterAfterFinalizeFails(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "rtsp", transport: ids.TransportTCP}
	r.Finalize()

	assert.Error(t, r.AddPort(ids.TransportTCP, 554, d))
	assert.Error(t, r.RegisterDetector(d))
	assert.Error(t, r.RegisterPattern(ids.TransportTCP, []byte("x"), d, -1, false))
}

func TestModuleLimitEnforced(t *testing.T) {
	r := New(nil)
	for i := 0; i < ids.MaxRegisteredModules; i++ {
		d := &stubDetector{name: "d", transport: ids.TransportTCP}
		require.NoError(t, r.RegisterDetector(d))
	}
	over := &stubDetector{name: "overflow", transport: ids.TransportTCP}
	assert.Error(t, r.RegisterDetector(over))
}

func TestLookupByPatternPrecedence(t *testing.T) {
	r := New(nil)
	small := &stubDetector{name: "small", transport: ids.TransportTCP}
	big := &stubDetector{name: "big", transport: ids.TransportTCP}
	require.NoError(t, r.RegisterPattern(ids.TransportTCP, []byte("A"), small, -1, false))
	require.NoError(t, r.RegisterPattern(ids.TransportTCP, []byte("AAAA"), big, -1, false))
	r.Finalize()

	matches := r.LookupByPattern(ids.TransportTCP, []byte("AAAA"))
	require.Len(t, matches, 2)
	assert.Equal(t, big, matches[0].Detector)
}

func TestAllDetectorsFiltersByTransport(t *testing.T) {
	r := New(nil)
	tcp := &stubDetector{name: "tcp-d", transport: ids.TransportTCP}
	udp := &stubDetector{name: "udp-d", transport: ids.TransportUDP}
	require.NoError(t, r.RegisterDetector(tcp))
	require.NoError(t, r.RegisterDetector(udp))

	got := r.AllDetectors(ids.TransportTCP)
	require.Len(t, got, 1)
	assert.Equal(t, tcp, got[0])
}

func TestDumpPorts(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "d", transport: ids.TransportTCP}
	require.NoError(t, r.AddPort(ids.TransportTCP, 80, d))
	require.NoError(t, r.AddPort(ids.TransportUDP, 53, d))
	r.Finalize()

	tcp, udp := r.DumpPorts()
	assert.Equal(t, "(tcp 80)", tcp)
	assert.Equal(t, "(udp 53)", udp)
}

func TestReversePortLookup(t *testing.T) {
	r := New(nil)
	d := &stubDetector{name: "reverse", transport: ids.TransportUDP}
	require.NoError(t, r.AddReversePort(5004, d))
	r.Finalize()

	got := r.LookupByReversePort(5004)
	require.Len(t, got, 1)
	assert.Equal(t, d, got[0])
}
