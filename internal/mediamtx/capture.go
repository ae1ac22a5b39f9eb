// Snapshot and recording driver: supervises the external encoder process
// and keeps recording session bookkeeping.
package mediamtx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
)

const (
	snapshotSpawnTimeout = 10 * time.Second
	snapshotExecTimeout  = 15 * time.Second
)

// CaptureDriver owns snapshot capture and recording sessions.
type CaptureDriver struct {
	client *Client
	cfg    *config.MediaMTXConfig
	logger *logging.Logger

	encoderBin string

	sessionsMu sync.Mutex
	sessions   map[string]*RecordingSession

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewCaptureDriver builds the driver over the given client.
func NewCaptureDriver(client *Client, cfg *config.MediaMTXConfig, logger *logging.Logger) *CaptureDriver {
	if logger == nil {
		logger = logging.GetLogger("capture-driver")
	}
	return &CaptureDriver{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		encoderBin: "ffmpeg",
		sessions:   make(map[string]*RecordingSession),
		timers:     make(map[string]*time.Timer),
	}
}

// SetEncoderBinary overrides the encoder executable. Used by tests.
func (d *CaptureDriver) SetEncoderBinary(bin string) { d.encoderBin = bin }

// TakeSnapshot grabs one frame from the stream's RTSP endpoint. It never
// returns a framework error for encoder failures; those come back as a
// failed SnapshotResult sourced from the encoder's stderr.
func (d *CaptureDriver) TakeSnapshot(ctx context.Context, streamName, filename, corrID string) *SnapshotResult {
	log := d.logger.WithCorrelationID(corrID).WithField("stream", streamName)

	if filename == "" {
		filename = fmt.Sprintf("%s_snapshot_%s.jpg", streamName, time.Now().Format("2006-01-02_15-04-05"))
	}

	if err := os.MkdirAll(d.cfg.SnapshotsPath, 0o755); err != nil {
		log.WithError(err).Error("Cannot create snapshots directory")
		return &SnapshotResult{
			Status: "failed",
			Error:  fmt.Sprintf("snapshots directory unavailable: %v", err),
		}
	}

	filePath := filepath.Join(d.cfg.SnapshotsPath, filename)
	rtspURL := fmt.Sprintf("rtsp://%s:%d/%s", d.cfg.Host, d.cfg.RTSPPort, streamName)

	args := []string{
		"-y",
		"-rtsp_transport", "tcp",
		"-timeout", "5000000",
		"-i", rtspURL,
		"-frames:v", "1",
		"-q:v", "2",
		filePath,
	}

	spawnCtx, cancelSpawn := context.WithTimeout(ctx, snapshotSpawnTimeout)
	defer cancelSpawn()

	cmd := exec.Command(d.encoderBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Stop waiting on the stderr pipe shortly after the encoder exits, so a
	// leftover child holding the pipe cannot hide that the encoder is gone.
	cmd.WaitDelay = 100 * time.Millisecond

	startErr := make(chan error, 1)
	go func() { startErr <- cmd.Start() }()
	select {
	case err := <-startErr:
		if err != nil {
			log.WithError(err).Error("Encoder spawn failed")
			return &SnapshotResult{Status: "failed", Error: fmt.Sprintf("encoder spawn failed: %v", err)}
		}
	case <-spawnCtx.Done():
		return &SnapshotResult{Status: "failed", Error: "encoder spawn timeout"}
	}

	// exited closes once Wait returns; the cleanup guard keys off it on
	// every exit path: graceful terminate, escalate to kill, then give up
	// and report force_exit.
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	termination := ""
	cleanup := func() {
		select {
		case <-exited:
			return
		default:
		}
		termination = d.terminate(cmd, exited)
	}
	defer cleanup()

	select {
	case <-exited:
		if waitErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			log.WithField("stderr", msg).Warn("Encoder exited with error")
			return &SnapshotResult{Status: "failed", Error: msg}
		}
	case <-time.After(snapshotExecTimeout):
		cleanup()
		log.WithField("termination", termination).Warn("Encoder execution timeout")
		return &SnapshotResult{
			Status:      "failed",
			Error:       fmt.Sprintf("encoder timeout, process %s", termination),
			Termination: termination,
		}
	case <-ctx.Done():
		cleanup()
		return &SnapshotResult{
			Status:      "failed",
			Error:       fmt.Sprintf("snapshot cancelled, process %s", termination),
			Termination: termination,
		}
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return &SnapshotResult{Status: "failed", Error: fmt.Sprintf("snapshot file missing: %v", err)}
	}

	log.WithFields(logging.Fields{
		"filename": filename,
		"size":     info.Size(),
	}).Info("Snapshot captured")
	return &SnapshotResult{
		Status:    "completed",
		Filename:  filename,
		FilePath:  filePath,
		SizeBytes: info.Size(),
	}
}

// terminate escalates graceful termination to kill to force-exit,
// reporting which stage ended the process. exited closes when the Wait
// goroutine reaps the process.
func (d *CaptureDriver) terminate(cmd *exec.Cmd, exited <-chan struct{}) string {
	if cmd.Process == nil {
		return ""
	}

	termTimeout := time.Duration(d.cfg.ProcessTerminationTimeout * float64(time.Second))
	killTimeout := time.Duration(d.cfg.ProcessKillTimeout * float64(time.Second))

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return "terminated"
	case <-time.After(termTimeout):
	}

	_ = cmd.Process.Kill()
	select {
	case <-exited:
		return "killed"
	case <-time.After(killTimeout):
	}
	return "force_exit"
}

// StartRecording enables record on the path and registers the session.
// At most one session per path may exist.
func (d *CaptureDriver) StartRecording(ctx context.Context, streamName string, duration time.Duration, format, corrID string) (*RecordingSession, error) {
	if format == "" {
		format = "mp4"
	}

	now := time.Now()
	session := &RecordingSession{
		StreamName:    streamName,
		Filename:      fmt.Sprintf("%s_%s.%s", streamName, now.Format("2006-01-02_15-04-05"), format),
		StartedAt:     now,
		startedMono:   now,
		Duration:      duration,
		Format:        format,
		CorrelationID: corrID,
	}

	// Check and insert under one lock so concurrent starts for the same
	// path cannot both pass the existence check. The losing caller never
	// reaches the media server.
	d.sessionsMu.Lock()
	if _, exists := d.sessions[streamName]; exists {
		d.sessionsMu.Unlock()
		return nil, fmt.Errorf("recording already in progress for %s", streamName)
	}
	d.sessions[streamName] = session
	d.sessionsMu.Unlock()

	if err := d.client.SetRecording(ctx, streamName, true, d.cfg.RecordingsPath, d.cfg.RecordSegmentDuration); err != nil {
		d.sessionsMu.Lock()
		delete(d.sessions, streamName)
		d.sessionsMu.Unlock()
		return nil, err
	}

	if duration > 0 {
		d.armAutoStop(streamName, duration)
	}

	d.logger.WithCorrelationID(corrID).WithFields(logging.Fields{
		"stream":   streamName,
		"filename": session.Filename,
		"duration": duration,
	}).Info("Recording started")
	return session, nil
}

// armAutoStop schedules a stop when the requested duration elapses.
func (d *CaptureDriver) armAutoStop(streamName string, duration time.Duration) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	d.timers[streamName] = time.AfterFunc(duration, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()
		if _, err := d.StopRecording(ctx, streamName, "auto-stop"); err != nil {
			d.logger.WithError(err).WithField("stream", streamName).
				Warn("Scheduled recording stop failed; session retained for retry")
		}
	})
}

// StopRecording disables record on the path and clears the session. On
// API failure the session is retained so the stop can be retried; only a
// successful stop clears it.
func (d *CaptureDriver) StopRecording(ctx context.Context, streamName, corrID string) (*RecordingResult, error) {
	d.sessionsMu.Lock()
	session, exists := d.sessions[streamName]
	d.sessionsMu.Unlock()
	if !exists {
		return nil, fmt.Errorf("no active recording for %s", streamName)
	}

	if err := d.client.SetRecording(ctx, streamName, false, "", ""); err != nil {
		d.logger.WithCorrelationID(corrID).WithError(err).WithField("stream", streamName).
			Warn("Recording stop failed; session retained")
		return nil, err
	}

	d.sessionsMu.Lock()
	delete(d.sessions, streamName)
	d.sessionsMu.Unlock()

	d.timersMu.Lock()
	if t, ok := d.timers[streamName]; ok {
		t.Stop()
		delete(d.timers, streamName)
	}
	d.timersMu.Unlock()

	result := &RecordingResult{
		Status:   "stopped",
		Filename: session.Filename,
		Duration: time.Since(session.startedMono).Seconds(),
	}

	filePath := filepath.Join(d.cfg.RecordingsPath, session.Filename)
	if info, err := os.Stat(filePath); err == nil {
		result.SizeBytes = info.Size()
	} else {
		result.Warning = fmt.Sprintf("recording file not readable: %v", err)
	}

	d.logger.WithCorrelationID(corrID).WithFields(logging.Fields{
		"stream":   streamName,
		"filename": result.Filename,
		"duration": result.Duration,
	}).Info("Recording stopped")
	return result, nil
}

// ActiveSession returns the session for a stream, if any.
func (d *CaptureDriver) ActiveSession(streamName string) (*RecordingSession, bool) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	s, ok := d.sessions[streamName]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ActiveSessions returns copies of all active sessions.
func (d *CaptureDriver) ActiveSessions() []RecordingSession {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	out := make([]RecordingSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, *s)
	}
	return out
}
