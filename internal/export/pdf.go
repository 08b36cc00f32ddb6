// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"stembot/internal/model"
)

// =============================================================================
// PDF EXPORTER
// =============================================================================

// PDFExporter exports sessions as PDF documents. The configured watermark
// is printed centered at the top of the first page in large gray type.
type PDFExporter struct {
	options *Options
}

// NewPDFExporter creates a new PDF exporter.
func NewPDFExporter(opts *Options) *PDFExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &PDFExporter{options: opts}
}

// Export converts a session to a PDF document.
func (e *PDFExporter) Export(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	textWidth := pageWidth - left - right

	if e.options.Watermark != "" {
		pdf.SetFont("Helvetica", "B", 30)
		pdf.SetTextColor(200, 200, 200)
		pdf.CellFormat(textWidth, 14, e.options.Watermark, "", 1, "C", false, 0, "")
		pdf.Ln(4)
	}

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(textWidth, 8, s.Title(), "", "L", false)
	pdf.Ln(2)

	if e.options.IncludeMetadata {
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(120, 120, 120)
		meta := fmt.Sprintf("Session %s", s.ID)
		if created := s.CreatedAt(); !created.IsZero() {
			meta += "  |  " + formatTimestamp(created)
		}
		meta += fmt.Sprintf("  |  %d messages", s.Len())
		pdf.MultiCell(textWidth, 5, meta, "", "L", false)
		pdf.Ln(3)
	}

	for _, msg := range e.options.selectMessages(s) {
		label := roleLabel(msg.Role)
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			label = fmt.Sprintf("%s (%s)", label, formatShortTimestamp(msg.Timestamp))
		}

		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(textWidth, 6, label, "", "L", false)

		if e.options.IncludeReasoning && msg.HasReasoning() {
			pdf.SetFont("Helvetica", "I", 9)
			pdf.SetTextColor(120, 120, 120)
			pdf.MultiCell(textWidth, 5, strings.TrimSpace(msg.Reasoning), "", "L", false)
			pdf.Ln(1)
		}

		pdf.SetFont("Helvetica", "", 11)
		pdf.SetTextColor(0, 0, 0)
		pdf.MultiCell(textWidth, 6, strings.TrimSpace(msg.Content), "", "L", false)
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// FileExtension returns the file extension for PDF.
func (e *PDFExporter) FileExtension() string {
	return ".pdf"
}

// MimeType returns the MIME type for PDF.
func (e *PDFExporter) MimeType() string {
	return "application/pdf"
}
