// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package extract pulls plain text out of uploaded files so their content
// can be folded into a prompt.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned for file types no extractor handles.
var ErrUnsupported = errors.New("unsupported file type")

// MaxUploadBytes caps the size of an uploaded file accepted for
// extraction. Larger prompts would blow past any local model's context
// window anyway.
const MaxUploadBytes = 10 << 20

// FromFile extracts the text content of an uploaded file, dispatching on
// the filename extension. Returns ErrUnsupported (wrapped) for extensions
// without an extractor.
func FromFile(name string, data []byte) (string, error) {
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("file %s exceeds %d byte upload limit", name, MaxUploadBytes)
	}

	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".txt", ".md", ".csv", ".log":
		return fromPlainText(name, data)
	case ".docx":
		return fromDocx(name, data)
	default:
		return "", fmt.Errorf("%s: %w", name, ErrUnsupported)
	}
}

// SupportedExtensions lists the extensions FromFile accepts.
func SupportedExtensions() []string {
	return []string{".txt", ".md", ".csv", ".log", ".docx"}
}

// fromPlainText validates and returns the file body as-is.
func fromPlainText(name string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %s is not valid UTF-8 text", name)
	}
	return string(data), nil
}

// =============================================================================
// DOCX EXTRACTION
// =============================================================================

// fromDocx reads a Word document and concatenates its text runs. Paragraph
// boundaries become newlines; all styling is discarded.
func fromDocx(name string, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("file %s is not a valid Word document: %w", name, err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("file %s is not a valid Word document: missing document part", name)
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("read document part: %w", err)
	}
	defer rc.Close()

	return collectDocumentText(rc)
}

// collectDocumentText walks WordprocessingML, gathering the character data
// of every <w:t> run and emitting a newline at each paragraph end.
func collectDocumentText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var sb strings.Builder
	inRun := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inRun {
				sb.Write(t)
			}
		}
	}

	return strings.TrimSpace(sb.String()), nil
}
