// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package think

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitWellFormed(t *testing.T) {
	res := Split("<think>step one</think>Final answer.")

	assert.Equal(t, "Final answer.", res.Answer)
	assert.Equal(t, "step one", res.Reasoning)
}

func TestSplitNoMarkers(t *testing.T) {
	raw := "Just an answer, no tags."
	res := Split(raw)

	assert.Equal(t, raw, res.Answer, "unmarked reply passes through unchanged")
	assert.Empty(t, res.Reasoning)
}

func TestSplitEndBeforeStart(t *testing.T) {
	raw := "</think>oops<think>"
	res := Split(raw)

	assert.Equal(t, raw, res.Answer, "malformed markers fall back to the full reply")
	assert.Empty(t, res.Reasoning)
}

func TestSplitMissingEndTag(t *testing.T) {
	raw := "<think>never closed, so this is all answer"
	res := Split(raw)

	assert.Equal(t, raw, res.Answer)
	assert.Empty(t, res.Reasoning)
}

func TestSplitAnswerBeforeBlock(t *testing.T) {
	res := Split("The answer is 4. <think>2+2</think>")

	assert.Equal(t, "The answer is 4.", res.Answer)
	assert.Equal(t, "2+2", res.Reasoning)
}

func TestSplitEntireReplyIsReasoning(t *testing.T) {
	res := Split("  <think>all of it</think>  ")

	assert.Empty(t, res.Answer)
	assert.Equal(t, "all of it", res.Reasoning)
}

func TestSplitNestedStartTag(t *testing.T) {
	// A nested start marker stays inside the reasoning segment: the scan
	// keys off the first start and first end marker only.
	res := Split("<think>outer <think> inner</think>answer")

	assert.Equal(t, "answer", res.Answer)
	assert.Equal(t, "outer <think> inner", res.Reasoning)
}

func TestSplitTrimsWhitespace(t *testing.T) {
	res := Split("<think>\n  thoughts \n</think>\n\n  spaced answer \n")

	assert.Equal(t, "spaced answer", res.Answer)
	assert.Equal(t, "thoughts", res.Reasoning)
}

// Splitting then reconstructing recovers every non-marker character of a
// well-formed reply (modulo the trimmed whitespace).
func TestSplitRoundTripProperty(t *testing.T) {
	inputs := []string{
		"<think>a</think>b",
		"before <think>middle</think> after",
		"<think>only reasoning</think>",
		"x<think></think>y",
	}

	for _, raw := range inputs {
		res := Split(raw)

		stripped := strings.ReplaceAll(raw, StartTag, "")
		stripped = strings.ReplaceAll(stripped, EndTag, "")
		for _, part := range []string{res.Answer, res.Reasoning} {
			if part != "" {
				assert.Contains(t, stripped, part,
					"Split(%q) produced %q, not a substring of the marker-free input", raw, part)
			}
		}
	}
}

func TestSplitIdempotent(t *testing.T) {
	raw := "<think>r</think>a"
	assert.Equal(t, Split(raw), Split(raw), "Split must be deterministic")
}
