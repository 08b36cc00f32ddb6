// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// FILESYSTEM WATCHER
// =============================================================================

// watcher invalidates cached session listings when session files change on
// disk outside this process (manual edits, a second instance, sync tools).
type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the store's base directory and every existing
// owner directory for session file changes. Cached listings for an owner
// are dropped when any .json file under that owner changes. Calling Watch
// twice is a no-op.
func (s *SessionStore) Watch() error {
	if s.watcher != nil {
		return nil
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := fs.Add(s.BaseDir); err != nil {
		fs.Close()
		return err
	}

	// Existing owner directories. New ones are picked up from create
	// events on the base directory.
	if entries, err := filepath.Glob(filepath.Join(s.BaseDir, "*")); err == nil {
		for _, entry := range entries {
			// Best effort: an owner dir that cannot be watched is
			// still served correctly, just without cache invalidation.
			fs.Add(entry)
		}
	}

	w := &watcher{fs: fs, done: make(chan struct{})}
	s.watcher = w

	go s.watchLoop(w)
	return nil
}

// Close stops the filesystem watcher, if one is running.
func (s *SessionStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.fs.Close()
	<-s.watcher.done
	s.watcher = nil
	return err
}

func (s *SessionStore) watchLoop(w *watcher) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			s.handleEvent(w, event)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			// Watch errors mean we may have missed events; flush
			// everything rather than serve stale listings.
			s.invalidateAll()
		}
	}
}

func (s *SessionStore) handleEvent(w *watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(s.BaseDir, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch len(parts) {
	case 1:
		// Direct child of the base dir: a new owner directory.
		if event.Op.Has(fsnotify.Create) {
			w.fs.Add(event.Name)
			s.invalidate(parts[0])
		}
	case 2:
		// A session file under an owner directory.
		if strings.HasSuffix(parts[1], ".json") {
			s.invalidate(parts[0])
		}
	}
}
