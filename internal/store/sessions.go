// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides session and user persistence for stembot.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"stembot/internal/model"
	"stembot/internal/util"
)

// =============================================================================
// SESSION METADATA
// =============================================================================

// SessionMeta contains metadata for listing sessions without loading the
// full transcript repeatedly.
type SessionMeta struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"` // First user message, truncated
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists one JSON array of messages per session, under a
// per-owner subdirectory:
//
//	<base>/<owner>/<session_id>.json
//
// The format is human-inspectable and needs no locking beyond atomic file
// replacement; concurrent writers to the same session are not expected.
// A per-owner metadata index avoids re-scanning the directory on every
// listing; it is invalidated on every write and delete, and by the optional
// filesystem watcher when session files change underneath us.
type SessionStore struct {
	// BaseDir is the directory holding all per-owner session directories.
	BaseDir string

	mu    sync.Mutex
	index map[string][]SessionMeta // owner -> metas, newest first

	watcher *watcher
}

// NewSessionStore creates a session store rooted at baseDir.
func NewSessionStore(baseDir string) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &SessionStore{
		BaseDir: baseDir,
		index:   make(map[string][]SessionMeta),
	}, nil
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns every session identifier belonging to owner, ordered by
// descending creation time as embedded in the identifier's timestamp
// prefix. Identifiers that do not parse as timestamps sort to the oldest
// position. Fails softly: on read error the list is empty.
func (s *SessionStore) List(owner string) []string {
	metas := s.ListMeta(owner)
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	return ids
}

// ListMeta returns session metadata for owner, newest first.
func (s *SessionStore) ListMeta(owner string) []SessionMeta {
	if !validName(owner) {
		return []SessionMeta{}
	}

	s.mu.Lock()
	if metas, ok := s.index[owner]; ok {
		out := make([]SessionMeta, len(metas))
		copy(out, metas)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	metas := s.scanOwner(owner)

	s.mu.Lock()
	s.index[owner] = metas
	s.mu.Unlock()

	out := make([]SessionMeta, len(metas))
	copy(out, metas)
	return out
}

// scanOwner reads the owner's directory and builds fresh metadata.
func (s *SessionStore) scanOwner(owner string) []SessionMeta {
	entries, err := os.ReadDir(s.ownerDir(owner))
	if err != nil {
		// Missing directory (owner has no sessions yet) and unreadable
		// directories both degrade to an empty listing.
		return []SessionMeta{}
	}

	metas := make([]SessionMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")
		messages := s.readMessages(owner, id)

		preview := ""
		for _, msg := range messages {
			if msg.Role == model.RoleUser {
				preview = msg.Preview(80)
				break
			}
		}

		metas = append(metas, SessionMeta{
			ID:           id,
			CreatedAt:    model.TimeFromSessionID(id),
			MessageCount: len(messages),
			Preview:      preview,
		})
	}

	// Newest first; ties (including all non-timestamp IDs at time zero)
	// break on the identifier so the order is stable.
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.After(metas[j].CreatedAt)
		}
		return metas[i].ID > metas[j].ID
	})

	return metas
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load returns the persisted message list for (owner, id). A missing
// session or unreadable/corrupt backing file is treated as "no history",
// never a fatal error.
func (s *SessionStore) Load(owner, id string) []model.Message {
	if !validName(owner) || !validName(id) {
		return []model.Message{}
	}
	return s.readMessages(owner, id)
}

func (s *SessionStore) readMessages(owner, id string) []model.Message {
	data, err := os.ReadFile(s.filePath(owner, id))
	if err != nil {
		return []model.Message{}
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		// Malformed backing data is "no history", not an error.
		return []model.Message{}
	}
	return messages
}

// Save persists the full message list for (owner, id), overwriting any
// prior content. The write is atomic: a reader never observes a partially
// written file.
func (s *SessionStore) Save(owner, id string, messages []model.Message) error {
	if !validName(owner) || !validName(id) {
		return fmt.Errorf("invalid owner or session id")
	}

	if messages == nil {
		messages = []model.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", id, err)
	}

	if err := os.MkdirAll(s.ownerDir(owner), 0755); err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}
	if err := util.AtomicWriteFile(s.filePath(owner, id), data, 0644); err != nil {
		return fmt.Errorf("save session %q: %w", id, err)
	}

	s.invalidate(owner)
	return nil
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes one session. Returns false if the session did not exist
// or could not be removed.
func (s *SessionStore) Delete(owner, id string) bool {
	if !validName(owner) || !validName(id) {
		return false
	}

	if err := os.Remove(s.filePath(owner, id)); err != nil {
		return false
	}

	s.invalidate(owner)
	return true
}

// DeleteAll removes every session belonging to owner. Per-file errors are
// collected and returned while the operation continues for the remaining
// files; the boolean is false only when the owner directory itself could
// not be read. Zero sessions is a success.
func (s *SessionStore) DeleteAll(owner string) (bool, []error) {
	if !validName(owner) {
		return false, []error{fmt.Errorf("invalid owner %q", owner)}
	}

	dir := s.ownerDir(owner)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, []error{err}
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", entry.Name(), err))
		}
	}

	s.invalidate(owner)
	return true, errs
}

// =============================================================================
// SESSION ID CREATION
// =============================================================================

// NewSessionID returns a fresh session identifier for owner, derived from
// the current time at second resolution. Rapid successive calls within the
// same clock second disambiguate with a numeric suffix instead of silently
// overwriting.
func (s *SessionStore) NewSessionID(owner string) string {
	base := model.NewSessionID(time.Now())
	id := base
	for n := 2; s.exists(owner, id); n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	return id
}

func (s *SessionStore) exists(owner, id string) bool {
	_, err := os.Stat(s.filePath(owner, id))
	return err == nil
}

// =============================================================================
// INDEX MAINTENANCE
// =============================================================================

// invalidate drops the cached metadata for one owner.
func (s *SessionStore) invalidate(owner string) {
	s.mu.Lock()
	delete(s.index, owner)
	s.mu.Unlock()
}

// invalidateAll drops every cached listing.
func (s *SessionStore) invalidateAll() {
	s.mu.Lock()
	s.index = make(map[string][]SessionMeta)
	s.mu.Unlock()
}

// =============================================================================
// HELPERS
// =============================================================================

// ownerDir returns the directory holding one owner's sessions.
func (s *SessionStore) ownerDir(owner string) string {
	return filepath.Join(s.BaseDir, owner)
}

// filePath returns the backing file for a session.
func (s *SessionStore) filePath(owner, id string) string {
	return filepath.Join(s.ownerDir(owner), id+".json")
}

// validName rejects identifiers that could escape the store directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
