// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package scheduler

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/certkeeper/certkeeper/pkg/errdefs"
	"github.com/certkeeper/certkeeper/pkg/registry"
	utilsfs "github.com/certkeeper/certkeeper/pkg/utils/fs"
	"github.com/certkeeper/certkeeper/pkg/utils/metrics"
)

// DefaultDebounce is the quiet window per path before an event is handled;
// it absorbs rename-in-place sequences.
const DefaultDebounce = 200 * time.Millisecond

// Watcher maps filesystem events under the certificate directory to registry
// change notifications. Newly created subdirectories are watched as they
// appear; backups, archive and hidden directories are ignored.
type Watcher struct {
	registry *registry.Registry
	metrics  *metrics.Set
	notify   *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// NewWatcher builds a watcher over the registry's certificate directory.
// debounce <= 0 selects the default quiet window.
func NewWatcher(reg *registry.Registry, set *metrics.Set, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.IOError(errors.Wrap(err, "unable to create filesystem watcher"))
	}
	return &Watcher{
		registry: reg,
		metrics:  set,
		notify:   notify,
		debounce: debounce,
		timers:   map[string]*time.Timer{},
		done:     make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins processing events.
func (w *Watcher) Start() error {
	root := w.registry.CertsDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && utilsfs.IsIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.notify.Add(path)
	})
	if err != nil {
		return errdefs.IOError(errors.Wrapf(err, "unable to watch %s", root))
	}
	go w.loop()
	log.Info("filesystem watcher started", "dir", root, "debounce", w.debounce.String())
	return nil
}

// Stop ends event processing and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.doneOnce.Do(func() {
		close(w.done)
		_ = w.notify.Close()
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			w.onEvent(event)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			log.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) onEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if utilsfs.IsIgnoredDir(base) {
		return
	}

	// new directories join the watch set
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.notify.Add(event.Name); err != nil {
				log.Error(err, "unable to watch new directory", "dir", event.Name)
			}
			return
		}
	}

	if !utilsfs.IsCertFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.schedule(event.Name)
}

// schedule arms (or re-arms) the per-path debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.handle(path)
	})
}

// handle fires once per quiet window and maps the path to a registry
// notification.
func (w *Watcher) handle(path string) {
	select {
	case <-w.done:
		return
	default:
	}
	if w.metrics != nil {
		w.metrics.WatcherEventsTotal.Inc()
	}

	_, statErr := os.Stat(path)
	fp, known := w.registry.FingerprintForPath(path)

	switch {
	case known && statErr == nil:
		log.V(1).Info("certificate file changed", "path", path)
		w.registry.NotifyChanged(fp, registry.ChangeUpdate)
	case known:
		log.V(1).Info("certificate file removed", "path", path)
		w.registry.NotifyChanged(fp, registry.ChangeDelete)
	case statErr == nil:
		// unknown file appeared; only a full rescan can identify it
		log.V(1).Info("new certificate file discovered", "path", path)
		w.registry.Invalidate()
	}
}
