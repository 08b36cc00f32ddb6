// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"

	"stembot/internal/model"
)

// =============================================================================
// WORD EXPORTER
// =============================================================================

// WordExporter exports sessions as Word (.docx) documents. When a
// watermark is configured it appears as the first paragraph in large gray
// bold type.
type WordExporter struct {
	options *Options
}

// NewWordExporter creates a new Word exporter.
func NewWordExporter(opts *Options) *WordExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &WordExporter{options: opts}
}

const docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const docxRootRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// Export converts a session to a .docx package.
func (e *WordExporter) Export(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	var body strings.Builder

	if e.options.Watermark != "" {
		body.WriteString(watermarkParagraph(e.options.Watermark))
	}

	body.WriteString(headingParagraph(s.Title()))

	for _, msg := range e.options.selectMessages(s) {
		label := roleLabel(msg.Role)
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			label = fmt.Sprintf("%s (%s)", label, formatShortTimestamp(msg.Timestamp))
		}
		body.WriteString(boldParagraph(label))

		if e.options.IncludeReasoning && msg.HasReasoning() {
			body.WriteString(italicParagraphs(msg.Reasoning))
		}
		body.WriteString(plainParagraphs(msg.Content))
		body.WriteString(emptyParagraph)
	}

	document := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>%s</w:body>
</w:document>`, body.String())

	return writeOOXMLPackage([]ooxmlPart{
		{Name: "[Content_Types].xml", Content: docxContentTypes},
		{Name: "_rels/.rels", Content: docxRootRels},
		{Name: "word/document.xml", Content: document},
	})
}

// FileExtension returns the file extension for Word documents.
func (e *WordExporter) FileExtension() string {
	return ".docx"
}

// MimeType returns the MIME type for Word documents.
func (e *WordExporter) MimeType() string {
	return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
}

// =============================================================================
// PARAGRAPH BUILDERS
// =============================================================================

const emptyParagraph = `<w:p/>`

// watermarkParagraph renders the stamp text centered in 36pt gray bold.
// Sizes in WordprocessingML are half-points.
func watermarkParagraph(text string) string {
	return fmt.Sprintf(`<w:p><w:pPr><w:jc w:val="center"/></w:pPr>`+
		`<w:r><w:rPr><w:b/><w:color w:val="C8C8C8"/><w:sz w:val="72"/></w:rPr>`+
		`<w:t xml:space="preserve">%s</w:t></w:r></w:p>`, xmlEscape(text))
}

func headingParagraph(text string) string {
	return fmt.Sprintf(`<w:p><w:r><w:rPr><w:b/><w:sz w:val="32"/></w:rPr>`+
		`<w:t xml:space="preserve">%s</w:t></w:r></w:p>`, xmlEscape(text))
}

func boldParagraph(text string) string {
	return fmt.Sprintf(`<w:p><w:r><w:rPr><w:b/></w:rPr>`+
		`<w:t xml:space="preserve">%s</w:t></w:r></w:p>`, xmlEscape(text))
}

// plainParagraphs renders text as one paragraph per line.
func plainParagraphs(text string) string {
	var sb strings.Builder
	for _, line := range splitXMLLines(text) {
		sb.WriteString(fmt.Sprintf(`<w:p><w:r><w:t xml:space="preserve">%s</w:t></w:r></w:p>`,
			xmlEscape(line)))
	}
	return sb.String()
}

// italicParagraphs renders reasoning text in italics, one paragraph per line.
func italicParagraphs(text string) string {
	var sb strings.Builder
	for _, line := range splitXMLLines(text) {
		sb.WriteString(fmt.Sprintf(`<w:p><w:r><w:rPr><w:i/><w:color w:val="666666"/></w:rPr>`+
			`<w:t xml:space="preserve">%s</w:t></w:r></w:p>`, xmlEscape(line)))
	}
	return sb.String()
}
