// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package diagnostics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDumper struct{ tcp, udp string }

func (f fakeDumper) DumpPorts() (string, string) { return f.tcp, f.udp }

func TestPortsHandler(t *testing.T) {
	s := New(":0", fakeDumper{tcp: "(tcp 80 443)", udp: "(udp 53)"}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ports", nil)
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "(tcp 80 443)")
	assert.Contains(t, rec.Body.String(), "(udp 53)")
}

func TestPortsHandlerNoDumper(t *testing.T) {
	s := New(":0", nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ports", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	s := New(":0", nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzHandler(t *testing.T) {
	s := New(":0", nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
