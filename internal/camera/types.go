package camera

import (
	"context"
	"time"
)

// DeviceStatus is the lifecycle status of a capture device.
type DeviceStatus string

const (
	DeviceStatusConnected    DeviceStatus = "CONNECTED"
	DeviceStatusDisconnected DeviceStatus = "DISCONNECTED"
	DeviceStatusError        DeviceStatus = "ERROR"
)

// Device is a locally attached video capture device. The discovery monitor
// owns the authoritative instance; accessors hand out copies.
type Device struct {
	Path     string       `json:"path"`
	Num      int          `json:"num"`
	Name     string       `json:"name"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"last_seen"`
	Error    string       `json:"error,omitempty"`
}

// PixelFormat is one pixel format reported by a device.
type PixelFormat struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// ProbeDiagnostics carries structured context about a single probe attempt.
type ProbeDiagnostics struct {
	ProbeDuration time.Duration     `json:"probe_duration"`
	Attempted     bool              `json:"probe_attempted"`
	ErrorCode     string            `json:"error_code,omitempty"` // timeout | process_error | parse_error
	Error         string            `json:"error,omitempty"`
	StageOutcomes map[string]string `json:"stage_outcomes,omitempty"`
	RatesFallback bool              `json:"rates_fallback"`
}

// CapabilityProbe is the immutable result of one device introspection.
type CapabilityProbe struct {
	DevicePath  string           `json:"device_path"`
	Detected    bool             `json:"detected"`
	Accessible  bool             `json:"accessible"`
	DeviceName  string           `json:"device_name,omitempty"`
	Driver      string           `json:"driver,omitempty"`
	Formats     []PixelFormat    `json:"formats"`
	Resolutions []string         `json:"resolutions"`
	FrameRates  []string         `json:"frame_rates"`
	ProbedAt    time.Time        `json:"probed_at"`
	Diagnostics ProbeDiagnostics `json:"diagnostics"`
}

// DeviceEventKind is the kind of discovery event emitted to subscribers.
type DeviceEventKind string

const (
	DeviceEventConnected     DeviceEventKind = "CONNECTED"
	DeviceEventDisconnected  DeviceEventKind = "DISCONNECTED"
	DeviceEventStatusChanged DeviceEventKind = "STATUS_CHANGED"
)

// DeviceEventData is delivered to event handlers. Device and Capability
// are snapshots taken inside the monitor's critical section; handlers run
// there too, so they must not call back into monitor accessors.
type DeviceEventData struct {
	Device              Device
	Kind                DeviceEventKind
	Timestamp           time.Time
	CorrelationID       string
	Capability          *CapabilityProbe
	CapabilityConfirmed bool
}

// DeviceEventHandler receives discovery events from the monitor.
type DeviceEventHandler interface {
	HandleDeviceEvent(ctx context.Context, data DeviceEventData)
}

// DeviceChecker abstracts device-node existence checks for testability.
type DeviceChecker interface {
	Exists(path string) bool
}

// CommandExecutor runs one introspection tool invocation against a device
// and returns its stdout. Implementations must honor the context deadline.
type CommandExecutor interface {
	Execute(ctx context.Context, devicePath string, args ...string) (string, error)
}

// MonitorStats is a copyable snapshot of monitor counters.
type MonitorStats struct {
	Running                    bool    `json:"running"`
	PollingCycles              int64   `json:"polling_cycles"`
	PollingFailures            int64   `json:"polling_failures"`
	KernelEventsProcessed      int64   `json:"kernel_events_processed"`
	KernelEventsFiltered       int64   `json:"events_filtered"`
	DeviceStateChanges         int64   `json:"device_state_changes"`
	CapabilityProbesAttempted  int64   `json:"capability_probes_attempted"`
	CapabilityProbesSuccessful int64   `json:"capability_probes_successful"`
	CapabilityTimeouts         int64   `json:"capability_timeouts"`
	CapabilityParseErrors      int64   `json:"capability_parse_errors"`
	CurrentPollInterval        float64 `json:"current_poll_interval"`
	KnownDevices               int     `json:"known_devices"`
}
