package mediamtx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camerakit/camera-daemon/internal/config"
)

func captureTestConfig(t *testing.T, serverURL string) *testCaptureEnv {
	t.Helper()
	cfg := testClientConfig(t, serverURL)
	cfg.RecordingsPath = t.TempDir()
	cfg.SnapshotsPath = t.TempDir()
	cfg.ProcessTerminationTimeout = 0.5
	cfg.ProcessKillTimeout = 0.5
	cfg.RecordSegmentDuration = "1h"
	client := NewClient(cfg, nil)
	return &testCaptureEnv{driver: NewCaptureDriver(client, cfg, nil), cfg: cfg}
}

type testCaptureEnv struct {
	driver *CaptureDriver
	cfg    *config.MediaMTXConfig
}

func TestStartRecordingRegistersSession(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	ctx := context.Background()

	session, err := env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.Filename, "cam0_"))
	assert.Equal(t, "mp4", session.Format)

	// The media server path carries record=true.
	assert.Equal(t, true, fake.paths["cam0"]["record"])

	// One session per path.
	_, err = env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestConcurrentStartRecordingSingleWinner(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-race"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one start wins per path")
	sessions := env.driver.ActiveSessions()
	assert.Len(t, sessions, 1)
}

func TestStopRecordingClearsSession(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	ctx := context.Background()

	_, err := env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-1")
	require.NoError(t, err)

	result, err := env.driver.StopRecording(ctx, "cam0", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", result.Status)
	assert.GreaterOrEqual(t, result.Duration, 0.0)
	// File was never written: success with a warning, not a failure.
	assert.NotEmpty(t, result.Warning)

	assert.Equal(t, false, fake.paths["cam0"]["record"])
	_, active := env.driver.ActiveSession("cam0")
	assert.False(t, active)
}

func TestStopRecordingRetainsSessionOnAPIFailure(t *testing.T) {
	var failPatches atomic.Bool
	fake := newFakeMediaMTX()
	inner := fake.handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failPatches.Load() && strings.HasPrefix(r.URL.Path, "/v3/config/paths/patch/") {
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	ctx := context.Background()

	_, err := env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-1")
	require.NoError(t, err)

	failPatches.Store(true)
	_, err = env.driver.StopRecording(ctx, "cam0", "corr-1")
	require.Error(t, err)

	// Session retained for retry.
	_, active := env.driver.ActiveSession("cam0")
	assert.True(t, active)

	// Retry after the upstream recovers clears it.
	failPatches.Store(false)
	_, err = env.driver.StopRecording(ctx, "cam0", "corr-1")
	require.NoError(t, err)
	_, active = env.driver.ActiveSession("cam0")
	assert.False(t, active)
}

func TestStopRecordingReadsFileSize(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	ctx := context.Background()

	session, err := env.driver.StartRecording(ctx, "cam0", 0, "mp4", "corr-1")
	require.NoError(t, err)

	dir := envRecordingsDir(env)
	payload := []byte("not really video")
	require.NoError(t, os.WriteFile(filepath.Join(dir, session.Filename), payload, 0o644))

	result, err := env.driver.StopRecording(ctx, "cam0", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), result.SizeBytes)
	assert.Empty(t, result.Warning)
}

func TestSnapshotEncoderFailureReportsStderr(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	// A shell that writes to stderr and exits non-zero.
	script := writeScript(t, "#!/bin/sh\necho 'Connection refused' >&2\nexit 1\n")
	env.driver.SetEncoderBinary(script)

	result := env.driver.TakeSnapshot(context.Background(), "cam0", "", "corr-1")
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "Connection refused")
}

func TestSnapshotFilenameGenerated(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	// The fake encoder writes its last argument so the file exists.
	script := writeScript(t, "#!/bin/sh\nfor last; do :; done\necho data > \"$last\"\n")
	env.driver.SetEncoderBinary(script)

	result := env.driver.TakeSnapshot(context.Background(), "cam0", "", "corr-1")
	require.Equal(t, "completed", result.Status)
	assert.True(t, strings.HasPrefix(result.Filename, "cam0_snapshot_"))
	assert.True(t, strings.HasSuffix(result.Filename, ".jpg"))
	assert.Greater(t, result.SizeBytes, int64(0))
}

func TestSnapshotCancellationKillsEncoder(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)
	// An encoder that ignores SIGTERM and sleeps forever: the guard must
	// escalate to kill.
	script := writeScript(t, "#!/bin/sh\ntrap '' TERM\nsleep 60\n")
	env.driver.SetEncoderBinary(script)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := env.driver.TakeSnapshot(ctx, "cam0", "", "corr-1")
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "cancelled")
	assert.Contains(t, []string{"terminated", "killed"}, result.Termination)
}

func TestTerminateEscalation(t *testing.T) {
	fake := newFakeMediaMTX()
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	env := captureTestConfig(t, server.URL)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// sleep exits on SIGTERM: graceful termination succeeds.
	outcome := env.driver.terminate(cmd, exited)
	assert.Equal(t, "terminated", outcome)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func envRecordingsDir(env *testCaptureEnv) string {
	return env.cfg.RecordingsPath
}
