package camera

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsnotifySourceEmitsAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	source := NewDeviceEventSource(dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, source.Start(ctx))
	t.Cleanup(func() { _ = source.Close() })

	require.True(t, source.EventsSupported())

	node := filepath.Join(dir, "video0")
	require.NoError(t, os.WriteFile(node, nil, 0o644))

	ev := waitKernelEvent(t, source, "add")
	assert.Equal(t, node, ev.DeviceNode)

	require.NoError(t, os.Remove(node))
	waitKernelEvent(t, source, "remove")
}

func TestFsnotifySourceIgnoresOtherNodes(t *testing.T) {
	dir := t.TempDir()
	source := NewDeviceEventSource(dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, source.Start(ctx))
	t.Cleanup(func() { _ = source.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0o644))

	select {
	case ev := <-source.Events():
		t.Fatalf("unexpected event for %s", ev.DeviceNode)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFsnotifySourceDoubleStartRejected(t *testing.T) {
	dir := t.TempDir()
	source := NewDeviceEventSource(dir, nil)

	ctx := context.Background()
	require.NoError(t, source.Start(ctx))
	require.Error(t, source.Start(ctx))
	require.NoError(t, source.Close())
	// Close is idempotent.
	require.NoError(t, source.Close())
}

func TestNoneEventSource(t *testing.T) {
	source := NewNoneEventSource()
	require.NoError(t, source.Start(context.Background()))
	assert.False(t, source.EventsSupported())

	select {
	case <-source.Events():
		t.Fatal("none source must never deliver events")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, source.Close())
}

// waitKernelEvent discards unrelated events (a create may be followed by
// a write/change on some platforms) until the wanted action arrives.
func waitKernelEvent(t *testing.T, source DeviceEventSource, action string) KernelEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-source.Events():
			if ev.Action == action {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", action)
			return KernelEvent{}
		}
	}
}
