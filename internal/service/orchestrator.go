// Package service wires the daemon together: startup ordering, device
// event handling, and the behavior behind every RPC method.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/camerakit/camera-daemon/internal/camera"
	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
	"github.com/camerakit/camera-daemon/internal/mediamtx"
	"github.com/camerakit/camera-daemon/internal/rpc"
	"github.com/camerakit/camera-daemon/internal/security"
)

const serviceVersion = "1.0.0"

// SessionServer is the session-layer surface the orchestrator drives.
// Satisfied by *rpc.Server.
type SessionServer interface {
	Start() error
	Stop(ctx context.Context) error
	Metrics() map[string]interface{}
	ClientCount() int
	NotifyCameraStatusUpdate(params map[string]interface{})
	NotifyRecordingStatusUpdate(params map[string]interface{})
}

// Orchestrator coordinates component lifecycle and bridges discovery
// events to path operations and client notifications.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	client  *mediamtx.Client
	health  *mediamtx.HealthSupervisor
	paths   *mediamtx.PathManager
	capture *mediamtx.CaptureDriver
	monitor *camera.Monitor
	auth    *security.AuthManager
	session SessionServer

	startTime time.Time
	// stopStack holds teardown functions in start order; teardown runs in
	// reverse.
	stopStack []func(ctx context.Context) error
}

// NewOrchestrator builds the orchestrator over already-constructed
// components. The session server is attached separately because its
// backend is the orchestrator itself.
func NewOrchestrator(
	cfg *config.Config,
	client *mediamtx.Client,
	health *mediamtx.HealthSupervisor,
	paths *mediamtx.PathManager,
	capture *mediamtx.CaptureDriver,
	monitor *camera.Monitor,
	auth *security.AuthManager,
	logger *logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.GetLogger("orchestrator")
	}
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		health:  health,
		paths:   paths,
		capture: capture,
		monitor: monitor,
		auth:    auth,
	}
	monitor.AddDeviceEventHandler(o)
	return o
}

// AttachSessionServer connects the session server before Start.
func (o *Orchestrator) AttachSessionServer(s SessionServer) { o.session = s }

// Start brings components up in dependency order. Any failure tears the
// already-started components down in reverse and returns the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.session == nil {
		return fmt.Errorf("session server not attached")
	}

	o.startTime = time.Now()
	o.stopStack = nil

	steps := []struct {
		name  string
		start func() error
		stop  func(ctx context.Context) error
	}{
		{"media-client", o.verifyMediaServer, nil},
		{"health-supervisor", func() error { return o.health.Start(ctx) }, o.health.Stop},
		{"path-manager", func() error { return nil }, nil},
		{"camera-monitor", func() error { return o.monitor.Start(ctx) }, o.monitor.Stop},
		{"auth-middleware", func() error { return nil }, nil},
		{"session-server", func() error { return o.session.Start() }, o.session.Stop},
	}

	for _, step := range steps {
		if err := step.start(); err != nil {
			o.logger.WithError(err).WithField("component", step.name).Error("Component start failed, tearing down")
			o.teardown(ctx)
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
		if step.stop != nil {
			o.stopStack = append(o.stopStack, step.stop)
		}
		o.logger.WithField("component", step.name).Info("Component started")
	}

	o.logger.Info("Camera service started")
	return nil
}

// verifyMediaServer checks the upstream once at startup. Unreachability
// is logged but not fatal; the health supervisor recovers it.
func (o *Orchestrator) verifyMediaServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.MediaMTX.Timeout)
	defer cancel()
	if _, err := o.client.HealthCheck(ctx); err != nil {
		o.logger.WithError(err).Warn("Media server not reachable at startup; supervisor will retry")
	}
	return nil
}

// Stop tears everything down in reverse start order.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.logger.Info("Stopping camera service")
	o.teardown(ctx)
	o.logger.Info("Camera service stopped")
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context) {
	for i := len(o.stopStack) - 1; i >= 0; i-- {
		if err := o.stopStack[i](ctx); err != nil {
			o.logger.WithError(err).Warn("Component stop reported error")
		}
	}
	o.stopStack = nil
}

// HandleDeviceEvent implements camera.DeviceEventHandler. Stream
// provisioning for a CONNECTED event completes before the notification is
// emitted; a provisioning failure does not suppress the notification.
func (o *Orchestrator) HandleDeviceEvent(ctx context.Context, data camera.DeviceEventData) {
	log := o.logger.WithCorrelationID(data.CorrelationID).WithFields(logging.Fields{
		"device": data.Device.Path,
		"event":  data.Kind,
	})

	opCtx, cancel := context.WithTimeout(context.Background(), o.cfg.MediaMTX.Timeout)
	defer cancel()

	switch data.Kind {
	case camera.DeviceEventConnected:
		urls, err := o.paths.EnsurePath(opCtx, data.Device.Num, data.Device.Path)
		params := metadataParams(data.Device, string(camera.DeviceStatusConnected), data.Capability, data.CapabilityConfirmed)
		if err != nil {
			log.WithError(err).Error("Path provisioning failed")
			params["metadata_validation"] = "error"
			params["streams"] = map[string]interface{}{}
		} else {
			params["streams"] = streamsMap(urls)
		}
		o.session.NotifyCameraStatusUpdate(params)

	case camera.DeviceEventDisconnected:
		if err := o.paths.DeletePath(opCtx, data.Device.Num); err != nil {
			log.WithError(err).Warn("Path delete failed")
		}
		params := defaultStatusParams(data.Device.Path, string(camera.DeviceStatusDisconnected))
		o.session.NotifyCameraStatusUpdate(params)

	case camera.DeviceEventStatusChanged:
		params := metadataParams(data.Device, string(data.Device.Status), data.Capability, data.CapabilityConfirmed)
		params["streams"] = streamsMap(o.paths.StreamURLs(o.streamName(data.Device)))
		o.session.NotifyCameraStatusUpdate(params)
	}
}

func (o *Orchestrator) streamName(device camera.Device) string {
	if device.Num >= 0 {
		return mediamtx.PathName(device.Num)
	}
	return camera.StreamNameForDevice(device.Path)
}

func streamsMap(urls mediamtx.StreamURLs) map[string]interface{} {
	return map[string]interface{}{
		"rtsp":   urls.RTSP,
		"webrtc": urls.WebRTC,
		"hls":    urls.HLS,
	}
}

// statusParams builds the camera_status_update payload, querying the
// monitor for the effective capability. Only safe outside device-event
// handling; event handlers use the snapshot carried on the event.
func (o *Orchestrator) statusParams(device camera.Device, status string) map[string]interface{} {
	probe, confirmed, _ := o.monitor.EffectiveCapability(device.Path)
	return metadataParams(device, status, probe, confirmed)
}

// metadataParams derives the enhanced metadata block from a capability
// snapshot. Absent or failed capability falls back to defaults.
func metadataParams(device camera.Device, status string, probe *camera.CapabilityProbe, confirmed bool) map[string]interface{} {
	params := map[string]interface{}{
		"device":     device.Path,
		"status":     status,
		"name":       device.Name,
		"resolution": "1920x1080",
		"fps":        30,
	}

	ok := probe != nil
	switch {
	case ok && confirmed:
		params["metadata_source"] = "confirmed_capability"
		params["metadata_validation"] = "confirmed"
		params["metadata_provisional"] = false
		params["metadata_confirmed"] = true
	case ok:
		params["metadata_source"] = "provisional_capability"
		params["metadata_validation"] = "provisional"
		params["metadata_provisional"] = true
		params["metadata_confirmed"] = false
	default:
		params["metadata_source"] = "default"
		if device.Status == camera.DeviceStatusError {
			params["metadata_validation"] = "error"
		} else {
			params["metadata_validation"] = "none"
		}
		params["metadata_provisional"] = false
		params["metadata_confirmed"] = false
	}

	if ok {
		if len(probe.Resolutions) > 0 {
			params["resolution"] = probe.Resolutions[0]
		}
		if len(probe.FrameRates) > 0 {
			params["fps"] = probe.FrameRates[0]
		}
		if probe.DeviceName != "" {
			params["name"] = probe.DeviceName
		}
	}
	return params
}

// defaultStatusParams is the payload for devices without live metadata.
func defaultStatusParams(devicePath, status string) map[string]interface{} {
	return map[string]interface{}{
		"device":               devicePath,
		"status":               status,
		"name":                 "",
		"resolution":           "1920x1080",
		"fps":                  30,
		"streams":              map[string]interface{}{},
		"metadata_source":      "default",
		"metadata_validation":  "none",
		"metadata_provisional": false,
		"metadata_confirmed":   false,
	}
}

// ---- rpc.Backend ----

// GetCameraList returns all known devices with their stream endpoints.
func (o *Orchestrator) GetCameraList(ctx context.Context) (interface{}, error) {
	devices := o.monitor.GetAllDevices()
	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })

	cameras := make([]map[string]interface{}, 0, len(devices))
	connected := 0
	for _, d := range devices {
		if d.Status == camera.DeviceStatusConnected {
			connected++
		}
		entry := o.statusParams(d, string(d.Status))
		entry["streams"] = streamsMap(o.paths.StreamURLs(o.streamName(d)))
		cameras = append(cameras, entry)
	}
	return map[string]interface{}{
		"cameras":   cameras,
		"total":     len(devices),
		"connected": connected,
	}, nil
}

// GetCameraStatus returns one device's state.
func (o *Orchestrator) GetCameraStatus(ctx context.Context, device string) (interface{}, error) {
	d, ok := o.monitor.GetDevice(device)
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", rpc.ErrNotFoundParam, device)
	}
	entry := o.statusParams(d, string(d.Status))
	entry["streams"] = streamsMap(o.paths.StreamURLs(o.streamName(d)))
	return entry, nil
}

// GetStreams lists active stream paths from the media server.
func (o *Orchestrator) GetStreams(ctx context.Context) (interface{}, error) {
	streams, err := o.client.GetStreamList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(streams))
	for _, st := range streams {
		out = append(out, map[string]interface{}{
			"name":       st.Name,
			"source":     st.Source,
			"ready":      st.Ready,
			"readers":    st.Readers,
			"bytes_sent": st.BytesSent,
		})
	}
	return map[string]interface{}{"streams": out, "total": len(out)}, nil
}

// TakeSnapshot captures one frame from the device's stream.
func (o *Orchestrator) TakeSnapshot(ctx context.Context, device, filename, corrID string) (interface{}, error) {
	d, ok := o.monitor.GetDevice(device)
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", rpc.ErrNotFoundParam, device)
	}
	result := o.capture.TakeSnapshot(ctx, o.streamName(d), filename, corrID)
	return result, nil
}

// StartRecording begins recording on the device's stream path.
func (o *Orchestrator) StartRecording(ctx context.Context, device string, duration time.Duration, format, corrID string) (interface{}, error) {
	d, ok := o.monitor.GetDevice(device)
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", rpc.ErrNotFoundParam, device)
	}
	session, err := o.capture.StartRecording(ctx, o.streamName(d), duration, format, corrID)
	if err != nil {
		o.session.NotifyRecordingStatusUpdate(map[string]interface{}{
			"device": device, "status": "FAILED", "filename": "", "duration": 0,
		})
		return nil, err
	}
	o.session.NotifyRecordingStatusUpdate(map[string]interface{}{
		"device": device, "status": "STARTED", "filename": session.Filename, "duration": 0,
	})
	return map[string]interface{}{
		"device":    device,
		"filename":  session.Filename,
		"status":    "recording",
		"format":    session.Format,
		"start_time": session.StartedAt.Format(time.RFC3339),
	}, nil
}

// StopRecording ends the device's active recording.
func (o *Orchestrator) StopRecording(ctx context.Context, device, corrID string) (interface{}, error) {
	d, ok := o.monitor.GetDevice(device)
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %s", rpc.ErrNotFoundParam, device)
	}
	result, err := o.capture.StopRecording(ctx, o.streamName(d), corrID)
	if err != nil {
		o.session.NotifyRecordingStatusUpdate(map[string]interface{}{
			"device": device, "status": "FAILED", "filename": "", "duration": 0,
		})
		return nil, err
	}
	o.session.NotifyRecordingStatusUpdate(map[string]interface{}{
		"device": device, "status": "STOPPED", "filename": result.Filename, "duration": result.Duration,
	})
	return result, nil
}

// ---- artifact listings ----

// safeArtifact rejects names that are not a single path component.
func safeArtifact(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid filename", rpc.ErrNotFoundParam)
	}
	return filepath.Join(dir, name), nil
}

func listArtifacts(dir string, limit, offset int, downloadPrefix string) (interface{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{"files": []interface{}{}, "total": 0, "limit": limit, "offset": offset}, nil
		}
		return nil, err
	}

	type fileInfo struct {
		name string
		size int64
		mod  time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{e.Name(), info.Size(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	if limit <= 0 {
		limit = 50
	}
	total := len(files)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]map[string]interface{}, 0, end-offset)
	for _, f := range files[offset:end] {
		out = append(out, map[string]interface{}{
			"filename":      f.name,
			"size":          f.size,
			"modified_time": f.mod.Format(time.RFC3339),
			"download_url":  downloadPrefix + "/" + f.name,
		})
	}
	return map[string]interface{}{"files": out, "total": total, "limit": limit, "offset": offset}, nil
}

// ListRecordings pages the recordings directory.
func (o *Orchestrator) ListRecordings(ctx context.Context, limit, offset int) (interface{}, error) {
	return listArtifacts(o.cfg.MediaMTX.RecordingsPath, limit, offset, "/files/recordings")
}

// ListSnapshots pages the snapshots directory.
func (o *Orchestrator) ListSnapshots(ctx context.Context, limit, offset int) (interface{}, error) {
	return listArtifacts(o.cfg.MediaMTX.SnapshotsPath, limit, offset, "/files/snapshots")
}

func artifactInfo(dir, name, downloadPrefix string) (interface{}, error) {
	path, err := safeArtifact(dir, name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", rpc.ErrNotFoundParam, name)
	}
	return map[string]interface{}{
		"filename":      name,
		"size":          info.Size(),
		"modified_time": info.ModTime().Format(time.RFC3339),
		"download_url":  downloadPrefix + "/" + name,
	}, nil
}

// GetRecordingInfo returns metadata for one recording file.
func (o *Orchestrator) GetRecordingInfo(ctx context.Context, filename string) (interface{}, error) {
	return artifactInfo(o.cfg.MediaMTX.RecordingsPath, filename, "/files/recordings")
}

// GetSnapshotInfo returns metadata for one snapshot file.
func (o *Orchestrator) GetSnapshotInfo(ctx context.Context, filename string) (interface{}, error) {
	return artifactInfo(o.cfg.MediaMTX.SnapshotsPath, filename, "/files/snapshots")
}

// DeleteRecording removes one recording file.
func (o *Orchestrator) DeleteRecording(ctx context.Context, filename string) (interface{}, error) {
	path, err := safeArtifact(o.cfg.MediaMTX.RecordingsPath, filename)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rpc.ErrNotFoundParam, filename)
		}
		return nil, err
	}
	return map[string]interface{}{"filename": filename, "deleted": true}, nil
}

// ---- operational data ----

// GetMetrics aggregates monitor, health, session and system counters.
func (o *Orchestrator) GetMetrics(ctx context.Context) (interface{}, error) {
	stats := o.monitor.Stats()
	healthSnap := o.health.Snapshot()

	metrics := map[string]interface{}{
		"monitor": stats,
		"health":  healthSnap,
		"session": o.session.Metrics(),
	}

	if percs, err := cpu.Percent(0, false); err == nil && len(percs) > 0 {
		metrics["cpu_percent"] = percs[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics["memory_percent"] = vm.UsedPercent
	}
	return metrics, nil
}

// GetStatus reports overall service health.
func (o *Orchestrator) GetStatus(ctx context.Context) (interface{}, error) {
	healthSnap := o.health.Snapshot()
	status := "healthy"
	if !o.health.IsHealthy() {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":          status,
		"uptime_seconds":  time.Since(o.startTime).Seconds(),
		"version":         serviceVersion,
		"mediamtx_status": healthSnap.Status,
		"monitor_running": o.monitor.IsRunning(),
		"monitor_ready":   o.monitor.IsReady(),
		"connections":     o.session.ClientCount(),
	}, nil
}

// GetServerInfo reports static service facts.
func (o *Orchestrator) GetServerInfo(ctx context.Context) (interface{}, error) {
	return map[string]interface{}{
		"name":             "camera-daemon",
		"version":          serviceVersion,
		"websocket_path":   o.cfg.Server.WebSocketPath,
		"max_connections":  o.cfg.Server.MaxConnections,
		"capabilities":     []string{"snapshots", "recordings", "streaming"},
		"supported_formats": []string{"mp4", "mkv"},
	}, nil
}

// GetStorageInfo reports disk usage for the artifact directories.
func (o *Orchestrator) GetStorageInfo(ctx context.Context) (interface{}, error) {
	usage, err := disk.Usage(o.cfg.MediaMTX.RecordingsPath)
	if err != nil {
		// Fall back to the filesystem root when the directory is missing.
		usage, err = disk.Usage("/")
		if err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"total_bytes":     usage.Total,
		"used_bytes":      usage.Used,
		"free_bytes":      usage.Free,
		"used_percent":    usage.UsedPercent,
		"recordings_path": o.cfg.MediaMTX.RecordingsPath,
		"snapshots_path":  o.cfg.MediaMTX.SnapshotsPath,
	}, nil
}

// IsReady reports whether discovery has completed its first cycle.
func (o *Orchestrator) IsReady() bool { return o.monitor.IsReady() }

// ConnectedCameraCount feeds the metrics gauges.
func (o *Orchestrator) ConnectedCameraCount() int {
	return len(o.monitor.GetConnectedDevices())
}

// ActiveConnectionCount feeds the metrics gauges.
func (o *Orchestrator) ActiveConnectionCount() int {
	if o.session == nil {
		return 0
	}
	return o.session.ClientCount()
}
