// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders chat sessions into downloadable documents:
// plain text, Markdown, JSON, Word, PDF, Excel and PowerPoint.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stembot/internal/model"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a session into one target format.
type Exporter interface {
	// Export converts a session to the target format and returns the content.
	Export(s *model.Session) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".txt", ".docx").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior. The zero value exports both roles
// with no watermark.
type Options struct {
	// OutputDir is the directory where files are saved by ExportToFile.
	// Default: current working directory
	OutputDir string

	// IncludeUser and IncludeAssistant select which roles appear in the
	// document. Both false behaves as both true, so the zero value does
	// the obvious thing.
	IncludeUser      bool
	IncludeAssistant bool

	// Watermark is stamped on formats that support it (Word, PDF).
	// Empty disables the watermark.
	Watermark string

	// IncludeMetadata includes a header (session id, created, counts).
	IncludeMetadata bool

	// IncludeTimestamps includes per-message timestamps.
	IncludeTimestamps bool

	// IncludeReasoning includes the model's reasoning sections where the
	// format has room for them.
	IncludeReasoning bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeUser:       true,
		IncludeAssistant:  true,
		IncludeMetadata:   true,
		IncludeTimestamps: false,
		IncludeReasoning:  false,
	}
}

// includeRole reports whether messages with the given role are exported.
func (o *Options) includeRole(role model.Role) bool {
	if role == model.RoleSystem {
		return false
	}
	if !o.IncludeUser && !o.IncludeAssistant {
		return true
	}
	switch role {
	case model.RoleUser:
		return o.IncludeUser
	case model.RoleAssistant:
		return o.IncludeAssistant
	default:
		return false
	}
}

// selectMessages returns the messages the options admit, in order.
func (o *Options) selectMessages(s *model.Session) []model.Message {
	out := make([]model.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if o.includeRole(m.Role) {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// FORMAT REGISTRY
// =============================================================================

// ForFormat returns the exporter for a format name: "text", "markdown",
// "json", "word", "pdf", "excel" or "powerpoint".
func ForFormat(format string, opts *Options) (Exporter, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	switch format {
	case "text", "txt":
		return NewTextExporter(opts), nil
	case "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	case "word", "docx":
		return NewWordExporter(opts), nil
	case "pdf":
		return NewPDFExporter(opts), nil
	case "excel", "xlsx":
		return NewExcelExporter(opts), nil
	case "powerpoint", "pptx":
		return NewPowerPointExporter(opts), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

// Formats lists the supported format names in menu order.
func Formats() []string {
	return []string{"text", "markdown", "json", "word", "pdf", "excel", "powerpoint"}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// OutputFilename builds the name an exported session is saved or served
// under: the sanitized session id plus an export timestamp, so repeated
// exports of the same session do not clobber each other.
func OutputFilename(sessionID string, exporter Exporter) string {
	return fmt.Sprintf("chat_%s_%s%s",
		sanitizeFilename(sessionID),
		time.Now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
}

// ExportToFile renders a session and writes it next to the other exports.
// Returns the output file path.
func ExportToFile(s *model.Session, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(s)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := OutputFilename(s.ID, exporter)

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	outputPath := filepath.Join(opts.OutputDir, filename)
	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// roleLabel returns the display label for a message role.
func roleLabel(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "User"
	case model.RoleAssistant:
		return "Assistant"
	case model.RoleSystem:
		return "System"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		if runes[0] >= 'a' && runes[0] <= 'z' {
			runes[0] = runes[0] - 'a' + 'A'
		}
		return string(runes)
	}
}

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	maxLen := 50
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := []rune{}
	for _, r := range s {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "session"
	}
	return string(result)
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
