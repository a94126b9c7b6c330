// Package filewatch supplements spec §3's cached Instance.file mtime
// check with a live fsnotify watch on the scripts base directory: a
// ScriptFile/Module instance whose resolved path changes on disk is
// re-evaluated without waiting for the next press/update to notice
// (SPEC_FULL §B domain-stack wiring for fsnotify/fsnotify).
package filewatch

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

// InstanceSource lists the instances a changed path might belong to.
type InstanceSource interface {
	Instances() []*instance.Instance
}

// Presser re-evaluates an instance (implemented by *scheduler.Scheduler).
type Presser interface {
	Press(i *instance.Instance)
}

// Watcher wraps one fsnotify.Watcher watching the configured scripts
// base directory (non-recursive, matching the flat layout implied by
// spec §6's single -p/--path flag).
type Watcher struct {
	fsw   *fsnotify.Watcher
	reg   InstanceSource
	sched Presser
	log   *logrus.Entry

	watchedDirs map[string]bool
}

// New constructs a Watcher. log may be nil.
func New(reg InstanceSource, sched Presser, log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Watcher{fsw: fsw, reg: reg, sched: sched, log: log, watchedDirs: map[string]bool{}}, nil
}

// WatchDir adds dir to the watch set. Safe to call repeatedly with the
// same dir.
func (w *Watcher) WatchDir(dir string) error {
	if dir == "" || w.watchedDirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watchedDirs[dir] = true
	return nil
}

// Run drains events until ctx is cancelled, re-validating and
// re-pressing any instance whose resolved file path matches a changed
// path.
func (w *Watcher) Run(ctx context.Context) {
	go func() {
		defer w.fsw.Close()
		for {
			select {
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				w.handle(ev.Name)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("file watch error")
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) handle(path string) {
	for _, i := range w.reg.Instances() {
		snap, ok := i.Snapshot()
		if !ok {
			continue
		}
		if snap.InputType != instance.InputScriptFile && snap.InputType != instance.InputModule {
			continue
		}
		if snap.File.Resolved != path {
			continue
		}
		var modTime time.Time
		info, statErr := os.Stat(path)
		exists := statErr == nil
		if exists {
			modTime = info.ModTime()
		}
		if err := i.MarkFileResolved(path, modTime, exists); err != nil {
			continue
		}
		w.sched.Press(i)
	}
}
