// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"stembot/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports sessions as a self-describing JSON document. Unlike
// the raw storage format, the export carries the session identifier and an
// export timestamp so the file stands on its own.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// jsonDocument is the exported document shape.
type jsonDocument struct {
	SessionID  string          `json:"session_id"`
	Title      string          `json:"title"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	ExportedAt time.Time       `json:"exported_at"`
	Messages   []model.Message `json:"messages"`
}

// Export converts a session to indented JSON.
func (e *JSONExporter) Export(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	doc := jsonDocument{
		SessionID:  s.ID,
		Title:      s.Title(),
		ExportedAt: time.Now().UTC(),
		Messages:   e.options.selectMessages(s),
	}
	if created := s.CreatedAt(); !created.IsZero() {
		doc.CreatedAt = &created
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return append(data, '\n'), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
