// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stembot/internal/model"
	"stembot/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUserExists is returned when registering a username that is taken.
	ErrUserExists = errors.New("username already exists")

	// ErrInvalidCredentials is returned when authentication fails. The same
	// error covers unknown usernames and wrong passwords so callers cannot
	// probe which usernames are registered.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// =============================================================================
// USER STORE
// =============================================================================

// UserStore persists registered users in a single JSON file mapping
// username to credential record. Passwords are stored only as bcrypt
// hashes. All operations are safe for concurrent use.
type UserStore struct {
	path string

	mu    sync.Mutex
	users map[string]model.User
}

// userRecord is the on-disk shape of one user entry.
type userRecord struct {
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUserStore loads (or initializes) the user database at path. A missing
// file is an empty database; a corrupt file is an error, since silently
// starting over would orphan every registered account.
func NewUserStore(path string) (*UserStore, error) {
	s := &UserStore{
		path:  path,
		users: make(map[string]model.User),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read user database: %w", err)
	}

	var records map[string]userRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse user database %s: %w", path, err)
	}

	for name, rec := range records {
		s.users[name] = model.User{
			Username:     name,
			PasswordHash: rec.PasswordHash,
			CreatedAt:    rec.CreatedAt,
		}
	}
	return s, nil
}

// Register creates a new user with the given password. The username must
// be usable as a directory name; the password is hashed with bcrypt before
// it ever touches disk.
func (s *UserStore) Register(username, password string) error {
	if !validName(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}

	s.users[username] = model.User{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.saveLocked(); err != nil {
		delete(s.users, username)
		return err
	}
	return nil
}

// Authenticate verifies a username/password pair and returns the user
// record on success.
func (s *UserStore) Authenticate(username, password string) (model.User, error) {
	s.mu.Lock()
	user, ok := s.users[username]
	s.mu.Unlock()

	if !ok {
		// Burn a comparable amount of time on unknown usernames so the
		// response latency does not reveal whether the account exists.
		bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(password))
		return model.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return model.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Exists reports whether a username is registered.
func (s *UserStore) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// Count returns the number of registered users.
func (s *UserStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// saveLocked writes the database atomically. Caller holds s.mu.
func (s *UserStore) saveLocked() error {
	records := make(map[string]userRecord, len(s.users))
	for name, user := range s.users {
		records[name] = userRecord{
			PasswordHash: user.PasswordHash,
			CreatedAt:    user.CreatedAt,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user database: %w", err)
	}

	// 0600: the file holds credential hashes.
	if err := util.AtomicWriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("save user database: %w", err)
	}
	return nil
}
