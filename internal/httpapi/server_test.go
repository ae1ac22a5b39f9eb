package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/security"
)

type fixedReadiness bool

func (r fixedReadiness) IsReady() bool { return bool(r) }

func newTestHTTPServer(t *testing.T, ready bool) (*Server, *security.TokenHandler, http.Handler) {
	t.Helper()

	tokens, err := security.NewTokenHandler("test-secret-key", nil)
	require.NoError(t, err)
	keys, err := security.NewAPIKeyStore(filepath.Join(t.TempDir(), "keys.json"), nil)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.MediaMTX.RecordingsPath = t.TempDir()
	cfg.MediaMTX.SnapshotsPath = t.TempDir()
	cfg.HTTP.Host = "127.0.0.1"

	s := NewServer(cfg, tokens, keys, fixedReadiness(ready), nil, nil)
	return s, tokens, s.routes()
}

func bearerToken(t *testing.T, tokens *security.TokenHandler) string {
	t.Helper()
	token, err := tokens.Generate("viewer", security.RoleViewer, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHealthEndpoints(t *testing.T) {
	_, _, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyEndpointNotReady(t *testing.T) {
	_, _, handler := newTestHTTPServer(t, false)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFileDownloadRequiresAuth(t *testing.T) {
	_, _, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/recordings/test.mp4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFileDownloadServesBytes(t *testing.T) {
	s, tokens, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	payload := []byte("recorded bytes")
	require.NoError(t, os.WriteFile(
		filepath.Join(s.cfg.MediaMTX.RecordingsPath, "clip.mp4"), payload, 0o644))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/files/recordings/clip.mp4", nil)
	req.Header.Set("Authorization", bearerToken(t, tokens))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFileDownloadMissing404(t *testing.T) {
	_, tokens, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/files/snapshots/nope.jpg", nil)
	req.Header.Set("Authorization", bearerToken(t, tokens))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileDownloadRejectsTraversal(t *testing.T) {
	_, tokens, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	for _, name := range []string{"..%2F..%2Fetc%2Fpasswd", "%2e%2e", ".hidden"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/files/recordings/"+name, nil)
		req.Header.Set("Authorization", bearerToken(t, tokens))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "name %q", name)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	_, _, handler := newTestHTTPServer(t, true)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "camera_daemon_connected_cameras")
}
