// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package think separates a model reply into its reasoning block and the
// user-facing answer.
package think

import (
	"strings"
)

// Reasoning block markers emitted by the model.
const (
	StartTag = "<think>"
	EndTag   = "</think>"
)

// Result holds the two parts of a split reply.
type Result struct {
	// Answer is the user-facing text. Empty only when the entire reply
	// was reasoning.
	Answer string

	// Reasoning is the text between the markers, trimmed. Empty when no
	// well-formed block was found.
	Reasoning string
}

// Split scans a raw model reply for a delimited reasoning block.
//
// The reply is treated as three segments - before the start marker, inside
// the markers, after the end marker:
//
//	before <think> inside </think> after
//
// Rules, in order:
//  1. If either marker is absent, the whole reply is the answer.
//  2. If the first end marker does not come strictly after the first start
//     marker, the markers are treated as absent. Malformed input degrades,
//     it never errors.
//  3. Reasoning is the inside segment, trimmed.
//  4. The answer is the trimmed after segment; if that is empty, the
//     trimmed before segment; if that is also empty, the empty string
//     (the entire reply was reasoning).
//
// Split is pure and total: the same input always yields the same output,
// and no input panics.
func Split(raw string) Result {
	start := strings.Index(raw, StartTag)
	end := strings.Index(raw, EndTag)

	// Segment boundaries must be well formed: both markers present and the
	// start strictly before the end.
	if start < 0 || end < 0 || start >= end {
		return Result{Answer: raw}
	}

	before := strings.TrimSpace(raw[:start])
	inside := strings.TrimSpace(raw[start+len(StartTag) : end])
	after := strings.TrimSpace(raw[end+len(EndTag):])

	answer := after
	if answer == "" {
		answer = before
	}

	return Result{Answer: answer, Reasoning: inside}
}
