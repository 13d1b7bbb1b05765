package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FleetSource publishes the current fleet switches to concurrent readers.
type FleetSource struct {
	v atomic.Pointer[Fleet]
}

// NewFleetSource starts out holding f.
func NewFleetSource(f Fleet) *FleetSource {
	s := &FleetSource{}
	s.Store(f)
	return s
}

// Load returns the switches currently in force.
func (s *FleetSource) Load() Fleet {
	return *s.v.Load()
}

// Store replaces the switches; readers see either the old or the new set.
func (s *FleetSource) Store(f Fleet) {
	s.v.Store(&f)
}

// Watcher reloads the config file when it changes and pushes the new fleet
// switches into a FleetSource. Other sections need a restart.
type Watcher struct {
	path    string
	source  *FleetSource
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that replace the file by rename are picked up.
func Watch(ctx context.Context, path string, source *FleetSource, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		source:  source,
		logger:  logger,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.path)
	if err != nil {
		// Half-written files show up here; the next write event retries.
		w.logger.Warn("config reload failed, keeping previous fleet settings",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	prev := w.source.Load()
	if prev == c.Fleet {
		return
	}
	w.source.Store(c.Fleet)
	w.logger.Info("fleet settings reloaded",
		slog.Bool("disableDeleteRepo", c.Fleet.DisableDeleteRepo),
		slog.Bool("allowCompactAppendOnly", c.Fleet.AllowCompactAppendOnly),
	)
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
