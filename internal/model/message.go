// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"time"

	"github.com/google/uuid"

	"stembot/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem is used only on outbound requests (prompt scaffolding);
	// system messages are never persisted into a session.
	RoleSystem Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session.
//
// Reasoning is only meaningful on assistant messages; an empty value means
// no reasoning block was found in the reply (or the role is user).
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Reasoning is the model's separated "thinking" text, if any.
	Reasoning string `json:"reasoning,omitempty"`

	// ElapsedSeconds is the wall-clock generation time for assistant
	// messages.
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message carrying the split
// answer, optional reasoning, and the measured generation time.
func NewAssistantMessage(answer, reasoning string, elapsed time.Duration) Message {
	msg := NewMessage(RoleAssistant, answer)
	msg.Reasoning = reasoning
	msg.ElapsedSeconds = elapsed.Seconds()
	return msg
}

// HasReasoning reports whether the message carries a reasoning block.
func (m Message) HasReasoning() bool {
	return m.Role == RoleAssistant && m.Reasoning != ""
}

// Preview returns a one-line truncated preview of the message content.
func (m Message) Preview(maxLen int) string {
	return util.TruncateRunes(util.CollapseNewlines(m.Content), maxLen)
}

// IsEmpty returns true if the message has no content.
func (m Message) IsEmpty() bool {
	return len(m.Content) == 0
}
