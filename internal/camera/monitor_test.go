package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camerakit/camera-daemon/internal/config"
)

// fakeChecker reports existence from a mutable set.
type fakeChecker struct {
	mu      sync.Mutex
	present map[string]bool
}

func (c *fakeChecker) Exists(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present[path]
}

func (c *fakeChecker) set(path string, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present[path] = present
}

// fakeProber returns a canned successful probe.
type fakeProber struct{}

func (p *fakeProber) Probe(ctx context.Context, devicePath string) *CapabilityProbe {
	probe := probeWith(
		[]string{"YUYV"},
		[]string{"1920x1080"},
		[]string{"30"},
	)
	probe.DevicePath = devicePath
	probe.DeviceName = "Test Camera"
	return probe
}

// fakeEventSource lets tests inject kernel events.
type fakeEventSource struct {
	events chan KernelEvent
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{events: make(chan KernelEvent, 16)}
}

func (s *fakeEventSource) Start(ctx context.Context) error { return nil }
func (s *fakeEventSource) Events() <-chan KernelEvent      { return s.events }
func (s *fakeEventSource) EventsSupported() bool           { return true }
func (s *fakeEventSource) Close() error                    { return nil }

// recordingHandler collects events on a channel.
type recordingHandler struct {
	events chan DeviceEventData
}

func (h *recordingHandler) HandleDeviceEvent(ctx context.Context, data DeviceEventData) {
	h.events <- data
}

func testCameraConfig() config.CameraConfig {
	return config.CameraConfig{
		DeviceRange:               []int{0, 1, 2},
		PollInterval:              0.05,
		DetectionTimeout:          1.0,
		EnableCapabilityDetection: true,
	}
}

func startTestMonitor(t *testing.T, checker *fakeChecker, source DeviceEventSource) (*Monitor, *recordingHandler) {
	t.Helper()
	monitor, err := NewMonitor(testCameraConfig(), checker, &fakeProber{}, source, nil)
	require.NoError(t, err)

	handler := &recordingHandler{events: make(chan DeviceEventData, 16)}
	monitor.AddDeviceEventHandler(handler)

	require.NoError(t, monitor.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = monitor.Stop(ctx)
	})
	return monitor, handler
}

func waitForEvent(t *testing.T, handler *recordingHandler, kind DeviceEventKind) DeviceEventData {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-handler.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestKernelAddEventConnectsDevice(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	source := newFakeEventSource()
	monitor, handler := startTestMonitor(t, checker, source)

	checker.set("/dev/video0", true)
	source.events <- KernelEvent{DeviceNode: "/dev/video0", Action: "add"}

	ev := waitForEvent(t, handler, DeviceEventConnected)
	assert.Equal(t, "/dev/video0", ev.Device.Path)
	assert.Equal(t, 0, ev.Device.Num)
	assert.Equal(t, DeviceStatusConnected, ev.Device.Status)
	assert.NotEmpty(t, ev.CorrelationID)

	device, ok := monitor.GetDevice("/dev/video0")
	require.True(t, ok)
	assert.Equal(t, DeviceStatusConnected, device.Status)
}

func TestKernelEventOutsideRangeIsFiltered(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	source := newFakeEventSource()
	monitor, _ := startTestMonitor(t, checker, source)

	source.events <- KernelEvent{DeviceNode: "/dev/video99", Action: "add"}
	source.events <- KernelEvent{DeviceNode: "/dev/ttyUSB0", Action: "add"}

	assert.Eventually(t, func() bool {
		return monitor.Stats().KernelEventsFiltered == 2
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := monitor.GetDevice("/dev/video99")
	assert.False(t, ok)
}

func TestKernelRemoveEmitsDisconnect(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{"/dev/video1": true}}
	source := newFakeEventSource()
	monitor, handler := startTestMonitor(t, checker, source)

	// Polling seeds the device.
	waitForEvent(t, handler, DeviceEventConnected)

	checker.set("/dev/video1", false)
	source.events <- KernelEvent{DeviceNode: "/dev/video1", Action: "remove"}

	ev := waitForEvent(t, handler, DeviceEventDisconnected)
	assert.Equal(t, "/dev/video1", ev.Device.Path)
	assert.Equal(t, DeviceStatusDisconnected, ev.Device.Status)

	// Capability state goes with the device.
	_, _, ok := monitor.EffectiveCapability("/dev/video1")
	assert.False(t, ok)
}

func TestRemoveForUnknownDeviceIsNoop(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	source := newFakeEventSource()
	monitor, handler := startTestMonitor(t, checker, source)

	source.events <- KernelEvent{DeviceNode: "/dev/video2", Action: "remove"}

	// No event is emitted and the monitor keeps running.
	select {
	case ev := <-handler.events:
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(300 * time.Millisecond):
	}
	assert.True(t, monitor.IsRunning())
}

func TestEventCarriesCapabilitySnapshot(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	source := newFakeEventSource()
	_, handler := startTestMonitor(t, checker, source)

	checker.set("/dev/video0", true)
	source.events <- KernelEvent{DeviceNode: "/dev/video0", Action: "add"}

	ev := waitForEvent(t, handler, DeviceEventConnected)
	require.NotNil(t, ev.Capability)
	assert.Equal(t, []string{"1920x1080"}, ev.Capability.Resolutions)
	assert.False(t, ev.CapabilityConfirmed, "single probe stays provisional")
}

func TestMonitorBecomesReadyAfterSeedDiscovery(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	source := newFakeEventSource()
	monitor, _ := startTestMonitor(t, checker, source)

	assert.Eventually(t, monitor.IsReady, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	checker := &fakeChecker{present: map[string]bool{}}
	monitor, err := NewMonitor(testCameraConfig(), checker, &fakeProber{}, newFakeEventSource(), nil)
	require.NoError(t, err)
	require.NoError(t, monitor.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, monitor.Stop(ctx))
	require.NoError(t, monitor.Stop(ctx))
}
