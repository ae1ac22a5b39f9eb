package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/camerakit/camera-daemon/internal/logging"
)

// KernelEvent is one device lifecycle event from the host's video
// subsystem.
type KernelEvent struct {
	DeviceNode string // e.g. /dev/video0
	Action     string // add | remove | change
}

// DeviceEventSource abstracts the kernel event stream. Hosts without event
// support compose the "none" implementation; the monitor then runs in
// poll-only mode.
type DeviceEventSource interface {
	Start(ctx context.Context) error
	Events() <-chan KernelEvent
	EventsSupported() bool
	Close() error
}

// fsnotifyEventSource watches /dev for video node churn.
type fsnotifyEventSource struct {
	watchDir string
	watcher  *fsnotify.Watcher
	events   chan KernelEvent
	logger   *logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDeviceEventSource returns the fsnotify-backed event source watching
// the given directory (normally /dev). If the watcher cannot be created on
// this host, callers should fall back to NewNoneEventSource.
func NewDeviceEventSource(watchDir string, logger *logging.Logger) DeviceEventSource {
	if logger == nil {
		logger = logging.GetLogger("device-events")
	}
	return &fsnotifyEventSource{
		watchDir: watchDir,
		events:   make(chan KernelEvent, 64),
		logger:   logger,
	}
}

func (s *fsnotifyEventSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("device event source is already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.watchDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.watchDir, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)
	return nil
}

func (s *fsnotifyEventSource) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			ke, ok := translate(ev)
			if !ok {
				continue
			}
			select {
			case s.events <- ke:
			default:
				s.logger.WithField("device", ke.DeviceNode).Warn("Kernel event channel full, dropping event")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("Device watcher error")
		}
	}
}

// translate maps a filesystem event on a video node to a kernel event.
func translate(ev fsnotify.Event) (KernelEvent, bool) {
	name := filepath.Base(ev.Name)
	if !strings.HasPrefix(name, "video") {
		return KernelEvent{}, false
	}
	switch {
	case ev.Op.Has(fsnotify.Create):
		return KernelEvent{DeviceNode: ev.Name, Action: "add"}, true
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		return KernelEvent{DeviceNode: ev.Name, Action: "remove"}, true
	case ev.Op.Has(fsnotify.Chmod) || ev.Op.Has(fsnotify.Write):
		return KernelEvent{DeviceNode: ev.Name, Action: "change"}, true
	}
	return KernelEvent{}, false
}

func (s *fsnotifyEventSource) Events() <-chan KernelEvent { return s.events }

func (s *fsnotifyEventSource) EventsSupported() bool { return true }

func (s *fsnotifyEventSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	err := s.watcher.Close()
	<-s.done
	s.started = false
	return err
}

// noneEventSource delivers nothing; the monitor runs poll-only.
type noneEventSource struct {
	events chan KernelEvent
}

// NewNoneEventSource returns an event source for hosts without kernel
// event support.
func NewNoneEventSource() DeviceEventSource {
	return &noneEventSource{events: make(chan KernelEvent)}
}

func (s *noneEventSource) Start(ctx context.Context) error { return nil }
func (s *noneEventSource) Events() <-chan KernelEvent      { return s.events }
func (s *noneEventSource) EventsSupported() bool           { return false }
func (s *noneEventSource) Close() error                    { return nil }
