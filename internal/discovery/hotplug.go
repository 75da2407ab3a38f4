// internal/discovery/hotplug.go
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// HotplugOp is the kind of device node change
type HotplugOp string

const (
	HotplugAdded   HotplugOp = "ADDED"
	HotplugRemoved HotplugOp = "REMOVED"
)

// HotplugEvent reports a serial device node appearing or disappearing
type HotplugEvent struct {
	Op   HotplugOp
	Path string
}

const hotplugBuffer = 16

// HotplugWatcher turns device directory changes into hot-plug events
type HotplugWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	events  chan HotplugEvent
	logger  *zap.Logger
}

// NewHotplugWatcher starts watching dir (normally /dev) for serial device nodes
func NewHotplugWatcher(dir string, logger *zap.Logger) (*HotplugWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &HotplugWatcher{
		dir:     dir,
		watcher: watcher,
		events:  make(chan HotplugEvent, hotplugBuffer),
		logger:  logger.With(zap.String("component", "hotplug"), zap.String("dir", dir)),
	}, nil
}

// Events returns the event stream. It is closed when Run returns.
func (w *HotplugWatcher) Events() <-chan HotplugEvent {
	return w.events
}

// Run forwards events until ctx is cancelled
func (w *HotplugWatcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.watcher.Close()

	w.logger.Info("Hot-plug watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if hp, ok := translate(event); ok {
				w.emit(hp)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Hot-plug watcher error", zap.Error(err))
		}
	}
}

// emit never blocks; a dropped event only delays reconnection until the next backoff
func (w *HotplugWatcher) emit(event HotplugEvent) {
	select {
	case w.events <- event:
		w.logger.Debug("Hot-plug event",
			zap.String("op", string(event.Op)),
			zap.String("path", event.Path),
		)
	default:
		w.logger.Debug("Hot-plug event dropped", zap.String("path", event.Path))
	}
}

func translate(event fsnotify.Event) (HotplugEvent, bool) {
	if !isSerialNode(filepath.Base(event.Name)) {
		return HotplugEvent{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		return HotplugEvent{Op: HotplugAdded, Path: event.Name}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return HotplugEvent{Op: HotplugRemoved, Path: event.Name}, true
	}
	return HotplugEvent{}, false
}

func isSerialNode(name string) bool {
	return strings.HasPrefix(name, "tty") || strings.HasPrefix(name, "cu.")
}
