// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pattern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appidcore/internal/appid/flowsession"
	"grimm.is/appidcore/internal/appid/ids"
)

type stubDetector struct {
	name string
}

func (s *stubDetector) Name() string            { return s.name }
func (s *stubDetector) Transport() ids.Transport { return ids.TransportTCP }
func (s *stubDetector) ProvidesUser() bool       { return false }
func (s *stubDetector) FlowDataSlot() int        { return 0 }
func (s *stubDetector) Validate(ctx context.Context, args flowsession.ValidationArgs) (ids.Status, error) {
	return ids.StatusSuccess, nil
}

func TestFindAllMatchesAnywhere(t *testing.T) {
	m := New()
	http := &stubDetector{name: "http"}
	m.Add([]byte("GET "), http, -1, false)
	m.Prep()

	matches := m.FindAll([]byte("GET /index.html HTTP/1.1\r\n"))
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Count)
	assert.Equal(t, 4, matches[0].Size)
}

func TestFindAllRespectsAnchoredPosition(t *testing.T) {
	m := New()
	d := &stubDetector{name: "anchored"}
	m.Add([]byte("XY"), d, 5, false)
	m.Prep()

	assert.Nil(t, m.FindAll([]byte("012345XY")))
}

func TestFindAllAnchoredAcceptsExactOffset(t *testing.T) {
	m := New()
	d := &stubDetector{name: "anchored"}
	m.Add([]byte("XY"), d, 6, false)
	m.Prep()

	matches := m.FindAll([]byte("012345XY"))
	require.Len(t, matches, 1)
}

func TestFindAllOrdersByCountThenSize(t *testing.T) {
	m := New()
	small := &stubDetector{name: "small"}
	big := &stubDetector{name: "big"}

	m.Add([]byte("A"), small, -1, false)
	m.Add([]byte("AAAA"), big, -1, false)
	m.Prep()

	matches := m.FindAll([]byte("AAAA"))
	require.Len(t, matches, 2)
	assert.Equal(t, 4, matches[0].Size)
	assert.Equal(t, big, matches[0].Detector)
}

func TestFindAllCaseInsensitive(t *testing.T) {
	m := New()
	d := &stubDetector{name: "ci"}
	m.Add([]byte("rtsp"), d, -1, true)
	m.Prep()

	matches := m.FindAll([]byte("RTSP/1.0 200 OK\r\n"))
	require.Len(t, matches, 1)
}

func TestFindAllCaseSensitiveDoesNotFoldCase(t *testing.T) {
	m := New()
	d := &stubDetector{name: "cs"}
	m.Add([]byte("rtsp"), d, -1, false)
	m.Prep()

	assert.Nil(t, m.FindAll([]byte("RTSP/1.0 200 OK\r\n")))
}

func TestFindAllNoPrepReturnsNil(t *testing.T) {
	m := New()
	d := &stubDetector{name: "unprepped"}
	m.Add([]byte("X"), d, -1, false)
	assert.Nil(t, m.FindAll([]byte("X")))
}

func TestFindAllMultiplePatternsSameDetectorCounted(t *testing.T) {
	m := New()
	d := &stubDetector{name: "multi"}
	m.Add([]byte("foo"), d, -1, false)
	m.Add([]byte("bar"), d, -1, false)
	m.Prep()

	matches := m.FindAll([]byte("foobar"))
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].Count)
}
