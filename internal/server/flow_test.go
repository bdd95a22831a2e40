//go:build !windows

package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodekeeper/internal/history"
	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/manager"
	"github.com/loykin/nodekeeper/internal/process"
)

const assetPath = "/releases/download/v1.5.0/reth-v1.5.0-x86_64-unknown-linux-gnu.tar.gz"

func archiveServer(t *testing.T, script string) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	body := []byte("#!/bin/sh\n" + script)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "reth", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	archive := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != assetPath {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstallStartStopOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := archiveServer(t, "echo \"ERROR disk slow\"\nexec sleep 30\n")
	cfg := testConfig(t)
	cfg.Install.BaseURL = srv.URL
	mgr := newManager(t, cfg, true)
	mgr.SetVersionSource(fixedVersion("v1.5.0"), fixedVersion("v1.5.0"))
	h := NewRouter(mgr, "/api").Handler()

	rec := doReq(t, h, http.MethodPost, "/api/install?wait=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, lifecycle.Completed, mgr.Snapshot().State.Kind)

	// Installing again needs a reset first.
	rec = doReq(t, h, http.MethodPost, "/api/install", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/node/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[manager.Snapshot](t, rec)
	assert.Equal(t, lifecycle.Running, snap.State.Kind)
	assert.NotZero(t, snap.Node.PID)

	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodPost, "/api/node/start", nil).Code)
	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodPost, "/api/reset", nil).Code)

	require.Eventually(t, func() bool {
		mgr.Tick()
		return len(mgr.Logs(0)) > 0
	}, 5*time.Second, 20*time.Millisecond)
	rec = doReq(t, h, http.MethodGet, "/api/logs?tail=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := decode[[]process.LogLine](t, rec)
	require.Len(t, lines, 1)
	assert.Equal(t, process.LevelError, lines[0].Level)

	rec = doReq(t, h, http.MethodPost, "/api/node/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.Stopped, decode[manager.Snapshot](t, rec).State.Kind)

	rec = doReq(t, h, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.Idle, decode[manager.Snapshot](t, rec).State.Kind)

	rec = doReq(t, h, http.MethodGet, "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]history.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventReset, events[0].Type)
	assert.Equal(t, history.EventStop, events[1].Type)
}

func TestAsyncInstallReportsProgressViaState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := archiveServer(t, "exec sleep 30\n")
	cfg := testConfig(t)
	cfg.Install.BaseURL = srv.URL
	mgr := newManager(t, cfg, false)
	mgr.SetVersionSource(fixedVersion("v1.5.0"), fixedVersion("v1.5.0"))
	h := NewRouter(mgr, "/api").Handler()

	rec := doReq(t, h, http.MethodPost, "/api/install", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := doReq(t, h, http.MethodGet, "/api/state", nil)
		return decode[manager.Snapshot](t, rec).State.Kind == lifecycle.Completed
	}, 10*time.Second, 20*time.Millisecond)
}

func TestWaitInstallOutlivesCanceledRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := archiveServer(t, "exec sleep 30\n")
	cfg := testConfig(t)
	cfg.Install.BaseURL = srv.URL
	mgr := newManager(t, cfg, false)
	mgr.SetVersionSource(fixedVersion("v1.5.0"), fixedVersion("v1.5.0"))
	h := NewRouter(mgr, "/api").Handler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/install?wait=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, lifecycle.Completed, mgr.Snapshot().State.Kind)
}
