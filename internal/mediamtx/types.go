package mediamtx

import "time"

// HealthCheckResult is the typed result of one liveness probe.
type HealthCheckResult struct {
	Status         string  `json:"status"`
	Version        string  `json:"version,omitempty"`
	Uptime         float64 `json:"uptime,omitempty"`
	ResponseTimeMS float64 `json:"response_time_ms"`
}

// StreamInfo describes one active stream path on the media server.
type StreamInfo struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Ready     bool   `json:"ready"`
	Readers   int    `json:"readers"`
	BytesSent int64  `json:"bytes_sent"`
}

// StreamURLs are the transport endpoints for one provisioned path.
type StreamURLs struct {
	RTSP   string `json:"rtsp"`
	WebRTC string `json:"webrtc"`
	HLS    string `json:"hls"`
}

// RecordingSession is the bookkeeping for one active recording, keyed by
// stream path.
type RecordingSession struct {
	StreamName    string        `json:"stream_name"`
	Filename      string        `json:"filename"`
	StartedAt     time.Time     `json:"started_at"`
	startedMono   time.Time     // monotonic baseline for duration
	Duration      time.Duration `json:"requested_duration,omitempty"`
	Format        string        `json:"format"`
	CorrelationID string        `json:"correlation_id"`
}

// SnapshotResult reports the outcome of a snapshot capture.
type SnapshotResult struct {
	Status      string `json:"status"` // completed | failed
	Filename    string `json:"filename,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
	Termination string `json:"termination,omitempty"` // terminated | killed | force_exit
}

// RecordingResult reports the outcome of a recording stop.
type RecordingResult struct {
	Status    string  `json:"status"`
	Filename  string  `json:"filename,omitempty"`
	Duration  float64 `json:"duration_seconds"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	Warning   string  `json:"warning,omitempty"`
}

// pathConf is the wire shape of a MediaMTX path configuration patch.
type pathConf struct {
	Source             string `json:"source,omitempty"`
	RunOnDemand        string `json:"runOnDemand,omitempty"`
	RunOnDemandRestart bool   `json:"runOnDemandRestart,omitempty"`
	Record             *bool  `json:"record,omitempty"`
	RecordPath         string `json:"recordPath,omitempty"`
	RecordSegment      string `json:"recordSegmentDuration,omitempty"`
	RecordDeleteAfter  string `json:"recordDeleteAfter,omitempty"`
}

// pathItem is one entry of /v3/paths/list.
type pathItem struct {
	Name   string      `json:"name"`
	ConfName string    `json:"confName,omitempty"`
	Source interface{} `json:"source"`
	Ready  bool        `json:"ready"`
	Readers []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"readers"`
	BytesSent int64 `json:"bytesSent"`
}

// pathListResponse is the wire shape of /v3/paths/list.
type pathListResponse struct {
	ItemCount int        `json:"itemCount"`
	PageCount int        `json:"pageCount"`
	Items     []pathItem `json:"items"`
}
