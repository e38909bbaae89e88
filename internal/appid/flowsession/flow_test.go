// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/ids"
)

type stubDetector struct {
	name string
}

func (s *stubDetector) Name() string            { return s.name }
func (s *stubDetector) Transport() ids.Transport { return ids.TransportTCP }
func (s *stubDetector) ProvidesUser() bool       { return false }
func (s *stubDetector) FlowDataSlot() int        { return 0 }
func (s *stubDetector) Validate(ctx context.Context, args ValidationArgs) (ids.Status, error) {
	return ids.StatusInProcess, nil
}

func TestNewFlowAssignsCorrelationID(t *testing.T) {
	a := NewFlow()
	b := NewFlow()
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
	assert.NotEqual(t, a.CorrelationID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestAddCandidateRespectsBound(t *testing.T) {
	f := NewFlow()
	f.EnsureCandidateList()

	for i := 0; i < 3; i++ {
		ok := f.AddCandidate(&stubDetector{name: "d"}, 3)
		require.True(t, ok)
	}
	ok := f.AddCandidate(&stubDetector{name: "overflow"}, 3)
	assert.False(t, ok)
	assert.Len(t, f.CandidateServices(), 3)
}

func TestRemoveCandidateDropsExactMatch(t *testing.T) {
	f := NewFlow()
	f.EnsureCandidateList()
	d1 := &stubDetector{name: "one"}
	d2 := &stubDetector{name: "two"}
	f.AddCandidate(d1, 10)
	f.AddCandidate(d2, 10)

	f.RemoveCandidate(d1)

	cands := f.CandidateServices()
	require.Len(t, cands, 1)
	assert.Same(t, d2, cands[0])
}

func TestFlagsAreSticky(t *testing.T) {
	f := NewFlow()
	f.SetFlag(FlagServiceDetected)
	f.SetFlag(FlagContinue)
	assert.True(t, f.HasFlag(FlagServiceDetected))
	assert.True(t, f.HasFlag(FlagContinue))

	f.ClearFlag(FlagContinue)
	assert.False(t, f.HasFlag(FlagContinue))
	assert.True(t, f.HasFlag(FlagServiceDetected))
}

func TestFlowDataAddAndClose(t *testing.T) {
	f := NewFlow()
	freed := false
	f.FlowDataAdd(0, "payload", func(v any) { freed = true })

	assert.Equal(t, "payload", f.FlowDataGet(0))
	f.Close()
	assert.True(t, freed)
}
