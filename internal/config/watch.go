package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "timerd/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the config file on change until ctx is canceled. It watches
// the directory, since editors save by renaming a temp file over the
// original, and debounces bursts of events into one reload. A broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := rewatchMin

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, func() { backoff = rewatchMin })
		if ctx.Err() != nil {
			break
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(2*backoff, rewatchMax)
		m.log.Warn("config watcher failed; restarting", logx.Err(err), logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. healthy
// is called once the directory is being watched.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	// A nil channel blocks, so no reload is pending until the first event.
	var pending <-chan time.Time
	debounce := func(why string) {
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path), logx.String("why", why))
		pending = time.After(reloadDebounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			pending = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce(ev.Op.String())
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce("overflow")
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
