// Package fswatch watches a single file for changes with fsnotify.
//
// The parent directory is watched rather than the file itself so that
// editors and atomic writers (temp file + rename) keep being observed.
// Bursts of events are debounced into one callback.
package fswatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "powersched/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

type Options struct {
	Debounce time.Duration
	Log      logx.Logger
}

// File blocks until ctx is done, calling onChange (from a timer goroutine)
// after each debounced burst of events touching path. If the watcher breaks
// it is recreated with jittered exponential backoff. File always returns nil
// once ctx is done.
func File(ctx context.Context, path string, opt Options, onChange func()) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	log := opt.Log.With(logx.String("path", path))
	debounceFor := opt.Debounce
	if debounceFor <= 0 {
		debounceFor = DefaultDebounce
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceFor, func() {
			if ctx.Err() == nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func(reason string) bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		log.Warn(reason, logx.Duration("backoff", wait))
		backoff = min(backoff*2, restartBackoffMax)
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Debug("watcher init failed", logx.Err(err))
			if !sleep("file watch init failed; retrying") {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			log.Debug("watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep("file watch add failed; retrying") {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		log.Debug("file watcher started")

		if stopped := pump(ctx, w, file, debounce, log); stopped {
			_ = w.Close()
			return nil
		}
		_ = w.Close()
		// Events may have been missed while the watcher was broken.
		debounce()
		if !sleep("file watcher stopped; restarting") {
			return nil
		}
	}
	return nil
}

// pump forwards matching events until ctx is done (returns true) or the
// watcher breaks (returns false).
func pump(ctx context.Context, w *fsnotify.Watcher, file string, debounce func(), log logx.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				log.Warn("file watch overflow; forcing reload", logx.Err(err))
				debounce()
				continue
			}
			log.Warn("file watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return false
			}
		}
	}
}
