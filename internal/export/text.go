// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"stembot/internal/model"
)

// =============================================================================
// TEXT EXPORTER
// =============================================================================

// TextExporter exports sessions as a plain "Role: content" transcript.
type TextExporter struct {
	options *Options
}

// NewTextExporter creates a new plain-text exporter.
func NewTextExporter(opts *Options) *TextExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &TextExporter{options: opts}
}

// Export converts a session to a plain-text transcript.
func (e *TextExporter) Export(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("Chat session %s\n", s.ID))
		if created := s.CreatedAt(); !created.IsZero() {
			sb.WriteString(fmt.Sprintf("Created: %s\n", formatTimestamp(created)))
		}
		sb.WriteString(fmt.Sprintf("Messages: %d\n", s.Len()))
		sb.WriteString(fmt.Sprintf("Exported: %s\n\n", formatTimestamp(time.Now())))
	}

	for _, msg := range e.options.selectMessages(s) {
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			sb.WriteString(fmt.Sprintf("[%s] ", formatShortTimestamp(msg.Timestamp)))
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", roleLabel(msg.Role), strings.TrimSpace(msg.Content)))

		if e.options.IncludeReasoning && msg.HasReasoning() {
			sb.WriteString("  [reasoning]\n")
			for _, line := range strings.Split(strings.TrimSpace(msg.Reasoning), "\n") {
				sb.WriteString("  ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
			sb.WriteString("  [/reasoning]\n")
		}
		sb.WriteString("\n")
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for plain text.
func (e *TextExporter) FileExtension() string {
	return ".txt"
}

// MimeType returns the MIME type for plain text.
func (e *TextExporter) MimeType() string {
	return "text/plain"
}
