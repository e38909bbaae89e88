// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/ids"
	"grimm.is/appidcore/internal/appid/registry"
	"grimm.is/appidcore/internal/appid/verdict"
	"grimm.is/appidcore/internal/config"
)

// succeedAfterN is a minimal detector stub: INPROCESS for the first n-1
// calls, then SUCCESS, calling AddService itself the way the RTP detector
// does (spec §4.6).
type succeedAfterN struct {
	name  string
	tr    ids.Transport
	n     int
	calls int
}

func (d *succeedAfterN) Name() string             { return d.name }
func (d *succeedAfterN) Transport() ids.Transport  { return d.tr }
func (d *succeedAfterN) ProvidesUser() bool        { return false }
func (d *succeedAfterN) FlowDataSlot() int         { return 0 }
func (d *succeedAfterN) Validate(ctx context.Context, args flowsession.ValidationArgs) (ids.Status, error) {
	d.calls++
	if d.calls < d.n {
		return ids.StatusInProcess, nil
	}
	_, _ = args.API.AddService(ctx, args.Flow, args.Packet, args.Dir, d, ids.AppIDRTP, "", "", nil)
	return ids.StatusSuccess, nil
}

// alwaysInvalid always rejects.
type alwaysInvalid struct {
	name string
	tr   ids.Transport
}

func (d *alwaysInvalid) Name() string             { return d.name }
func (d *alwaysInvalid) Transport() ids.Transport  { return d.tr }
func (d *alwaysInvalid) ProvidesUser() bool        { return false }
func (d *alwaysInvalid) FlowDataSlot() int         { return 1 }
func (d *alwaysInvalid) Validate(ctx context.Context, args flowsession.ValidationArgs) (ids.Status, error) {
	return ids.StatusInvalid, nil
}

func newHarness(t *testing.T) (*Engine, *registry.Registry, *hosttracker.Cache) {
	t.Helper()
	reg := registry.New(nil)
	cache := hosttracker.New(nil, nil)
	cfg := config.DefaultConfig()
	rec := verdict.New(cache, reg, cfg, nil)
	eng := New(reg, cache, rec, cfg, nil)
	return eng, reg, cache
}

func TestDiscoverServiceAnchorsAfterSuccess(t *testing.T) {
	eng, reg, cache := newHarness(t)
	d := &succeedAfterN{name: "rtp", tr: ids.TransportUDP, n: 3}
	require.NoError(t, reg.AddPort(ids.TransportUDP, 5004, d))
	reg.Finalize()

	packet := flowsession.PacketMeta{
		ServerIP: "10.0.0.1", ServerPort: 5004,
		ClientIP: "10.0.0.2", ClientPort: 40000,
		Transport: ids.TransportUDP,
	}

	flow := flowsession.NewFlow()
	s1, err := eng.DiscoverService(context.Background(), []byte("x"), packet, ids.FromInitiator, flow)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusInProcess, s1)

	s2, err := eng.DiscoverService(context.Background(), []byte("x"), packet, ids.FromInitiator, flow)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusInProcess, s2)

	s3, err := eng.DiscoverService(context.Background(), []byte("x"), packet, ids.FromInitiator, flow)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusSuccess, s3)

	key := hosttracker.Key{ServerIP: "10.0.0.1", Proto: ids.TransportUDP, Port: 5004, Level: ids.DetectionLevelBase}
	entry, ok := cache.Get(key)
	require.True(t, ok)
	entry.Lock()
	assert.Equal(t, hosttracker.StateValid, entry.State)
	assert.Equal(t, 1, entry.ValidCount)
	entry.Unlock()
}

func TestSecondFlowToSameEndpointAnchorsImmediately(t *testing.T) {
	eng, reg, _ := newHarness(t)
	d := &succeedAfterN{name: "rtp", tr: ids.TransportUDP, n: 1}
	require.NoError(t, reg.AddPort(ids.TransportUDP, 5004, d))
	reg.Finalize()

	packet := flowsession.PacketMeta{
		ServerIP: "10.0.0.1", ServerPort: 5004,
		ClientIP: "10.0.0.2", ClientPort: 40000,
		Transport: ids.TransportUDP,
	}

	flow1 := flowsession.NewFlow()
	status, err := eng.DiscoverService(context.Background(), []byte("x"), packet, ids.FromInitiator, flow1)
	require.NoError(t, err)
	require.Equal(t, ids.StatusSuccess, status)

	flow2 := flowsession.NewFlow()
	packet2 := packet
	packet2.ClientPort = 40001
	status2, err := eng.DiscoverService(context.Background(), []byte("anything"), packet2, ids.FromInitiator, flow2)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusSuccess, status2)
	assert.Equal(t, flowsession.Detector(d), flow2.ServiceData)
}

func TestFlowWithNoRegisteredDetectorsEventuallyNoMatch(t *testing.T) {
	eng, reg, _ := newHarness(t)
	reg.Finalize()

	packet := flowsession.PacketMeta{
		ServerIP: "10.0.0.1", ServerPort: 9999,
		ClientIP: "10.0.0.2", ClientPort: 40000,
		Transport: ids.TransportTCP,
	}
	flow := flowsession.NewFlow()

	status, err := eng.DiscoverService(context.Background(), []byte("hello"), packet, ids.FromResponder, flow)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusNoMatch, status)
}

func TestBruteForceEscalation(t *testing.T) {
	eng, reg, cache := newHarness(t)
	d := &alwaysInvalid{name: "telnet", tr: ids.TransportTCP}
	require.NoError(t, reg.RegisterDetector(d))
	reg.Finalize()

	packet := flowsession.PacketMeta{
		ServerIP: "10.0.0.1", ServerPort: 9999,
		ClientIP: "10.0.0.2", ClientPort: 40000,
		Transport: ids.TransportTCP,
	}
	flow := flowsession.NewFlow()

	_, err := eng.DiscoverService(context.Background(), []byte("hello"), packet, ids.FromResponder, flow)
	require.NoError(t, err)

	key := hosttracker.Key{ServerIP: "10.0.0.1", Proto: ids.TransportTCP, Port: 9999, Level: ids.DetectionLevelBase}
	entry, ok := cache.Get(key)
	require.True(t, ok)
	entry.Lock()
	state := entry.State
	entry.Unlock()
	assert.Equal(t, hosttracker.StateBruteForce, state)
}

func TestInvalidFlowReturnsEInvalid(t *testing.T) {
	eng, _, _ := newHarness(t)
	status, err := eng.DiscoverService(context.Background(), nil, flowsession.PacketMeta{}, ids.FromInitiator, nil)
	require.NoError(t, err)
	assert.Equal(t, ids.StatusEInvalid, status)
}
