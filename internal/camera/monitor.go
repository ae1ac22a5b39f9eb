// Hybrid device discovery: a kernel event stream fused with an adaptive
// poller. The monitor owns the authoritative device map and the per-device
// capability validation state.
package camera

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
)

const (
	devicePrefix = "/dev/video"

	// freshnessThreshold is the maximum age of the last kernel event
	// before the poller starts accelerating.
	freshnessThreshold = 15 * time.Second

	maxConsecutivePollFailures = 5
	probeConcurrency           = 4
	persistentFailureThreshold = 3
)

// CapabilityProber produces probe results for a device path.
type CapabilityProber interface {
	Probe(ctx context.Context, devicePath string) *CapabilityProbe
}

// Monitor maintains the device path -> Device mapping and emits
// CONNECTED / DISCONNECTED / STATUS_CHANGED events to registered handlers.
type Monitor struct {
	cfg    config.CameraConfig
	logger *logging.Logger

	checker     DeviceChecker
	prober      CapabilityProber
	eventSource DeviceEventSource

	// stateMu serializes every mutation of knownDevices and
	// capabilityStates; diff-and-emit runs entirely under it.
	stateMu          sync.Mutex
	knownDevices     map[string]*Device
	capabilityStates map[string]*CapabilityState

	handlersMu sync.RWMutex
	handlers   []DeviceEventHandler

	// Adaptive polling
	basePollInterval    float64
	minPollInterval     float64
	maxPollInterval     float64
	currentPollInterval float64 // guarded by pollMu
	pollMu              sync.Mutex
	rng                 *rand.Rand
	lastKernelEventNano int64 // atomic

	// Counters (atomic)
	pollingCycles         int64
	pollingFailures       int64
	kernelEventsProcessed int64
	kernelEventsFiltered  int64
	deviceStateChanges    int64
	probesAttempted       int64
	probesSuccessful      int64
	probeTimeouts         int64
	probeParseErrors      int64

	running int32
	ready   int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
}

// NewMonitor wires a monitor from its dependencies. Passing a nil event
// source selects the fsnotify implementation; hosts without event support
// should pass NewNoneEventSource().
func NewMonitor(
	cfg config.CameraConfig,
	checker DeviceChecker,
	prober CapabilityProber,
	eventSource DeviceEventSource,
	logger *logging.Logger,
) (*Monitor, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker cannot be nil")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if logger == nil {
		logger = logging.GetLogger("camera-monitor")
	}
	if eventSource == nil {
		eventSource = NewDeviceEventSource("/dev", logger)
	}

	base := cfg.PollInterval
	if base <= 0 {
		base = 0.1
	}

	m := &Monitor{
		cfg:              cfg,
		logger:           logger,
		checker:          checker,
		prober:           prober,
		eventSource:      eventSource,
		knownDevices:     make(map[string]*Device),
		capabilityStates: make(map[string]*CapabilityState),

		basePollInterval:    base,
		minPollInterval:     math.Max(0.05, base*0.1),
		maxPollInterval:     math.Min(60, base*50),
		currentPollInterval: base,
	}
	m.rng = rand.New(rand.NewSource(int64(m.identitySeed())))
	return m, nil
}

// identitySeed derives a deterministic jitter seed from the monitor's
// identity (prefix and monitored range).
func (m *Monitor) identitySeed() uint32 {
	h := fnv.New32a()
	h.Write([]byte(devicePrefix))
	for _, n := range m.cfg.DeviceRange {
		h.Write([]byte{byte(n), '|'})
	}
	return h.Sum32()
}

// AddDeviceEventHandler registers a subscriber for discovery events.
func (m *Monitor) AddDeviceEventHandler(h DeviceEventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins discovery. The initial poll cycle seeds knownDevices before
// IsReady turns true.
func (m *Monitor) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return fmt.Errorf("monitor is already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.eventSource.Start(m.ctx); err != nil {
		atomic.StoreInt32(&m.running, 0)
		return fmt.Errorf("failed to start device event source: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"events_supported": m.eventSource.EventsSupported(),
		"device_range":     m.cfg.DeviceRange,
		"poll_interval":    m.basePollInterval,
	}).Info("Starting hybrid camera monitor")

	m.wg.Add(2)
	go m.kernelEventLoop()
	go m.pollLoop()

	return nil
}

// Stop cancels the monitor's tasks and waits for them with the caller's
// deadline. Idempotent.
func (m *Monitor) Stop(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if atomic.LoadInt32(&m.running) == 0 {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Camera monitor shutdown timeout")
		return ctx.Err()
	}

	if err := m.eventSource.Close(); err != nil {
		m.logger.WithError(err).Warn("Error closing device event source")
	}
	atomic.StoreInt32(&m.running, 0)
	atomic.StoreInt32(&m.ready, 0)
	m.logger.Info("Camera monitor stopped")
	return nil
}

// IsRunning reports whether the monitor is active.
func (m *Monitor) IsRunning() bool { return atomic.LoadInt32(&m.running) == 1 }

// IsReady reports whether the initial discovery cycle has completed.
func (m *Monitor) IsReady() bool { return atomic.LoadInt32(&m.ready) == 1 }

// kernelEventLoop consumes the real-time event stream.
func (m *Monitor) kernelEventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.eventSource.Events():
			if !ok {
				return
			}
			m.handleKernelEvent(ev)
		}
	}
}

// handleKernelEvent filters and applies one kernel event.
func (m *Monitor) handleKernelEvent(ev KernelEvent) {
	corrID := logging.NewCorrelationID()
	log := m.logger.WithCorrelationID(corrID).WithFields(logging.Fields{
		"device": ev.DeviceNode,
		"action": ev.Action,
	})

	if !m.monitored(ev.DeviceNode) {
		atomic.AddInt64(&m.kernelEventsFiltered, 1)
		log.Debug("Kernel event filtered")
		return
	}

	atomic.AddInt64(&m.kernelEventsProcessed, 1)
	atomic.StoreInt64(&m.lastKernelEventNano, time.Now().UnixNano())
	log.Debug("Processing kernel event")

	switch ev.Action {
	case "add", "change":
		device := m.buildDevice(m.ctx, ev.DeviceNode)
		m.stateMu.Lock()
		if device.Status == DeviceStatusDisconnected {
			// Node vanished between the event and the check.
			m.applyRemoval(ev.DeviceNode, corrID)
		} else {
			m.applyDevice(device, corrID)
		}
		m.stateMu.Unlock()
	case "remove":
		m.stateMu.Lock()
		m.applyRemoval(ev.DeviceNode, corrID)
		m.stateMu.Unlock()
	default:
		log.Debug("Ignoring unknown kernel event action")
	}
}

// monitored reports whether the node is inside the configured range.
func (m *Monitor) monitored(deviceNode string) bool {
	if len(deviceNode) <= len(devicePrefix) || deviceNode[:len(devicePrefix)] != devicePrefix {
		return false
	}
	num, err := strconv.Atoi(deviceNode[len(devicePrefix):])
	if err != nil {
		return false
	}
	for _, n := range m.cfg.DeviceRange {
		if n == num {
			return true
		}
	}
	return false
}

// pollLoop is the adaptive fallback poller. It exits after
// maxConsecutivePollFailures consecutive cycle panics.
func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	consecutiveFailures := 0
	first := true

	for {
		interval := m.pollInterval()
		if first {
			interval = 0
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(time.Duration(interval * float64(time.Second))):
		}

		err := m.runPollCycle()
		if first {
			atomic.StoreInt32(&m.ready, 1)
			first = false
		}

		if err != nil {
			consecutiveFailures++
			atomic.AddInt64(&m.pollingFailures, 1)
			m.logger.WithError(err).WithField("consecutive_failures", consecutiveFailures).
				Warn("Polling cycle failed")
			if consecutiveFailures >= maxConsecutivePollFailures {
				m.logger.WithField("consecutive_failures", consecutiveFailures).
					Error("Polling loop exiting after repeated failures; discovery degraded to kernel events only")
				return
			}
			m.backoffAfterFailure(consecutiveFailures)
			continue
		}
		consecutiveFailures = 0
		m.adjustPollInterval()
	}
}

// runPollCycle enumerates the monitored range and diffs against known
// state. A panic inside the cycle is converted to an error.
func (m *Monitor) runPollCycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
	}()

	atomic.AddInt64(&m.pollingCycles, 1)

	current := make(map[string]*Device, len(m.cfg.DeviceRange))
	var currentMu sync.Mutex

	g, gctx := errgroup.WithContext(m.ctx)
	g.SetLimit(probeConcurrency)
	for _, num := range m.cfg.DeviceRange {
		devicePath := devicePrefix + strconv.Itoa(num)
		g.Go(func() error {
			if !m.checker.Exists(devicePath) {
				return nil
			}
			device := m.buildDevice(gctx, devicePath)
			currentMu.Lock()
			current[devicePath] = device
			currentMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	corrID := logging.NewCorrelationID()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	for _, device := range current {
		m.applyDevice(device, corrID)
	}
	for path := range m.knownDevices {
		if _, ok := current[path]; !ok {
			m.applyRemoval(path, corrID)
		}
	}
	return nil
}

// buildDevice checks the node and probes capabilities, updating the
// validation state machine.
func (m *Monitor) buildDevice(ctx context.Context, devicePath string) *Device {
	num := DeviceNumForPath(devicePath)
	device := &Device{
		Path:     devicePath,
		Num:      num,
		Name:     "Video Device " + strconv.Itoa(num),
		Status:   DeviceStatusConnected,
		LastSeen: time.Now(),
	}

	if !m.checker.Exists(devicePath) {
		device.Status = DeviceStatusDisconnected
		return device
	}

	if !m.cfg.EnableCapabilityDetection {
		return device
	}

	atomic.AddInt64(&m.probesAttempted, 1)
	probe := m.prober.Probe(ctx, devicePath)

	switch probe.Diagnostics.ErrorCode {
	case probeErrTimeout:
		atomic.AddInt64(&m.probeTimeouts, 1)
	case probeErrParse:
		atomic.AddInt64(&m.probeParseErrors, 1)
	}

	m.stateMu.Lock()
	state, ok := m.capabilityStates[devicePath]
	if !ok {
		state = NewCapabilityState()
		m.capabilityStates[devicePath] = state
	}
	if probe.Detected {
		atomic.AddInt64(&m.probesSuccessful, 1)
		action := state.RecordSuccess(probe)
		if action == "confirmed" && probe.DeviceName != "" {
			device.Name = probe.DeviceName
		}
	} else {
		failures := state.RecordFailure(probe)
		if failures >= persistentFailureThreshold {
			m.logger.WithFields(logging.Fields{
				"device":               devicePath,
				"consecutive_failures": failures,
				"error_code":           probe.Diagnostics.ErrorCode,
			}).Warn("Persistent capability probe failure")
		}
		device.Status = DeviceStatusError
		device.Error = probe.Diagnostics.Error
	}
	if probe.DeviceName != "" {
		device.Name = probe.DeviceName
	}
	m.stateMu.Unlock()

	return device
}

// applyDevice merges one observed device into known state and emits the
// resulting event while still inside the critical section. Callers hold
// stateMu.
func (m *Monitor) applyDevice(device *Device, corrID string) {
	existing, known := m.knownDevices[device.Path]
	if !known {
		m.knownDevices[device.Path] = device
		atomic.AddInt64(&m.deviceStateChanges, 1)
		m.emitLocked(DeviceEventData{
			Device:        *device,
			Kind:          DeviceEventConnected,
			Timestamp:     time.Now(),
			CorrelationID: corrID,
		})
		return
	}

	existing.LastSeen = device.LastSeen
	if existing.Status != device.Status {
		existing.Status = device.Status
		existing.Error = device.Error
		existing.Name = device.Name
		atomic.AddInt64(&m.deviceStateChanges, 1)
		m.emitLocked(DeviceEventData{
			Device:        *existing,
			Kind:          DeviceEventStatusChanged,
			Timestamp:     time.Now(),
			CorrelationID: corrID,
		})
	}
}

// applyRemoval drops one device and its capability state. Callers hold
// stateMu.
func (m *Monitor) applyRemoval(devicePath, corrID string) {
	device, ok := m.knownDevices[devicePath]
	if !ok {
		return
	}
	device.Status = DeviceStatusDisconnected
	snapshot := *device
	delete(m.knownDevices, devicePath)
	delete(m.capabilityStates, devicePath)
	atomic.AddInt64(&m.deviceStateChanges, 1)
	m.emitLocked(DeviceEventData{
		Device:        snapshot,
		Kind:          DeviceEventDisconnected,
		Timestamp:     time.Now(),
		CorrelationID: corrID,
	})
}

// emitLocked delivers one event to every handler, in registration order,
// inside the monitor's critical section so per-device event order is the
// acceptance order. The capability snapshot rides along because handlers
// cannot re-enter monitor accessors from here.
func (m *Monitor) emitLocked(data DeviceEventData) {
	if state, ok := m.capabilityStates[data.Device.Path]; ok {
		if eff := state.Effective(); eff != nil {
			cp := *eff
			data.Capability = &cp
			data.CapabilityConfirmed = state.IsConfirmed()
		}
	}
	m.handlersMu.RLock()
	handlers := append([]DeviceEventHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h.HandleDeviceEvent(m.ctx, data)
	}
}

// pollInterval returns the current adaptive interval in seconds.
func (m *Monitor) pollInterval() float64 {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.currentPollInterval
}

// adjustPollInterval speeds polling up when the kernel event stream looks
// stale and relaxes it when events are fresh.
func (m *Monitor) adjustPollInterval() {
	last := atomic.LoadInt64(&m.lastKernelEventNano)
	sinceKernel := time.Duration(math.MaxInt64)
	if last > 0 {
		sinceKernel = time.Since(time.Unix(0, last))
	}

	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	switch {
	case sinceKernel > freshnessThreshold:
		m.currentPollInterval = math.Max(m.minPollInterval, m.currentPollInterval*0.8)
	case sinceKernel < freshnessThreshold/2:
		m.currentPollInterval = math.Min(m.maxPollInterval, m.currentPollInterval*1.2)
	}
}

// backoffAfterFailure grows the interval after a failed cycle and sleeps
// an exponentially backed-off, jittered delay after an exception.
func (m *Monitor) backoffAfterFailure(failureCount int) {
	m.pollMu.Lock()
	m.currentPollInterval = math.Min(m.maxPollInterval,
		m.currentPollInterval*(1+0.1*float64(failureCount)))
	jitter := 0.8 + m.rng.Float64()*0.4
	delay := math.Min(m.maxPollInterval,
		m.basePollInterval*math.Pow(2, float64(failureCount))) * jitter
	m.pollMu.Unlock()

	select {
	case <-m.ctx.Done():
	case <-time.After(time.Duration(delay * float64(time.Second))):
	}
}

// GetDevice returns a snapshot of one known device.
func (m *Monitor) GetDevice(devicePath string) (Device, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	device, ok := m.knownDevices[devicePath]
	if !ok {
		return Device{}, false
	}
	return *device, true
}

// GetConnectedDevices returns snapshots of all connected devices.
func (m *Monitor) GetConnectedDevices() []Device {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]Device, 0, len(m.knownDevices))
	for _, d := range m.knownDevices {
		if d.Status == DeviceStatusConnected {
			out = append(out, *d)
		}
	}
	return out
}

// GetAllDevices returns snapshots of every known device.
func (m *Monitor) GetAllDevices() []Device {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make([]Device, 0, len(m.knownDevices))
	for _, d := range m.knownDevices {
		out = append(out, *d)
	}
	return out
}

// EffectiveCapability returns the confirmed-or-provisional capability for
// a device plus whether it is confirmed. The third return (ok) is false
// when the device has never probed successfully.
func (m *Monitor) EffectiveCapability(devicePath string) (probe *CapabilityProbe, confirmed bool, ok bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	state, exists := m.capabilityStates[devicePath]
	if !exists {
		return nil, false, false
	}
	eff := state.Effective()
	if eff == nil {
		return nil, false, false
	}
	cp := *eff
	return &cp, state.IsConfirmed(), true
}

// Stats returns a snapshot of monitor counters.
func (m *Monitor) Stats() MonitorStats {
	m.stateMu.Lock()
	known := len(m.knownDevices)
	m.stateMu.Unlock()
	return MonitorStats{
		Running:                    m.IsRunning(),
		PollingCycles:              atomic.LoadInt64(&m.pollingCycles),
		PollingFailures:            atomic.LoadInt64(&m.pollingFailures),
		KernelEventsProcessed:      atomic.LoadInt64(&m.kernelEventsProcessed),
		KernelEventsFiltered:       atomic.LoadInt64(&m.kernelEventsFiltered),
		DeviceStateChanges:         atomic.LoadInt64(&m.deviceStateChanges),
		CapabilityProbesAttempted:  atomic.LoadInt64(&m.probesAttempted),
		CapabilityProbesSuccessful: atomic.LoadInt64(&m.probesSuccessful),
		CapabilityTimeouts:         atomic.LoadInt64(&m.probeTimeouts),
		CapabilityParseErrors:      atomic.LoadInt64(&m.probeParseErrors),
		CurrentPollInterval:        m.pollInterval(),
		KnownDevices:               known,
	}
}
