// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// SESSION TYPE
// =============================================================================

// SessionIDLayout is the time layout embedded in generated session IDs.
// List ordering is derived from this prefix rather than file mtimes, so a
// session keeps its position even after being re-saved.
const SessionIDLayout = "20060102_150405"

// DefaultPageSize is the number of messages shown per transcript page.
const DefaultPageSize = 10

// Session is a named, ordered list of chat messages belonging to one user.
// Ordering is chronological and append-only; deletion removes a whole
// session, never individual messages.
type Session struct {
	Owner    string    `json:"-"`
	ID       string    `json:"-"`
	Messages []Message `json:"messages"`
}

// NewSession creates an empty session for the given owner.
func NewSession(owner, id string) *Session {
	return &Session{Owner: owner, ID: id}
}

// Append adds a message to the end of the session.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	return len(s.Messages)
}

// Title returns a short label for the session derived from the first user
// message, or a fallback when the session is empty.
func (s *Session) Title() string {
	for _, msg := range s.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			return msg.Preview(50)
		}
	}
	return "New conversation"
}

// CreatedAt returns the creation time embedded in the session ID, or the
// zero time when the ID does not carry a timestamp prefix.
func (s *Session) CreatedAt() time.Time {
	return TimeFromSessionID(s.ID)
}

// =============================================================================
// PAGINATION
// =============================================================================

// PageCount returns the number of transcript pages for the given page size.
// An empty session still has one (empty) page.
func (s *Session) PageCount(pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if len(s.Messages) == 0 {
		return 1
	}
	return (len(s.Messages) + pageSize - 1) / pageSize
}

// Page returns one transcript page in chronological order. Page 1 holds the
// newest messages; higher page numbers walk back in time. Out-of-range page
// numbers are clamped.
func (s *Session) Page(page, pageSize int) []Message {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	max := s.PageCount(pageSize)
	if page < 1 {
		page = 1
	}
	if page > max {
		page = max
	}

	// Page 1 is the tail of the chronological slice.
	end := len(s.Messages) - (page-1)*pageSize
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}
	return s.Messages[start:end]
}

// =============================================================================
// SESSION ID HELPERS
// =============================================================================

// NewSessionID derives a session identifier from the given creation time,
// second resolution (e.g. "20240101_120000").
func NewSessionID(t time.Time) string {
	return t.Format(SessionIDLayout)
}

// TimeFromSessionID parses the timestamp prefix of a session identifier.
// IDs that do not parse return the zero time, which sorts them to the
// oldest position in descending listings.
func TimeFromSessionID(id string) time.Time {
	if len(id) < len(SessionIDLayout) {
		return time.Time{}
	}
	t, err := time.Parse(SessionIDLayout, id[:len(SessionIDLayout)])
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// USER TYPE
// =============================================================================

// User is a registered account. Sessions are owned exclusively by one user
// and scoped by username on disk.
type User struct {
	Username     string    `json:"-"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}
