// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// =============================================================================
// OOXML PACKAGE HELPERS
// =============================================================================

// Word and PowerPoint documents are ZIP packages of XML parts. The writers
// here emit the minimal set of parts the formats require; part content is
// built with template strings and xml-escaped text runs rather than a
// full object model.

// ooxmlPart is one file inside an OOXML package.
type ooxmlPart struct {
	Name    string
	Content string
}

// writeOOXMLPackage assembles the parts into a ZIP archive.
func writeOOXMLPackage(parts []ooxmlPart) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, part := range parts {
		w, err := zw.Create(part.Name)
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("create part %s: %w", part.Name, err)
		}
		if _, err := w.Write([]byte(part.Content)); err != nil {
			zw.Close()
			return nil, fmt.Errorf("write part %s: %w", part.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize package: %w", err)
	}
	return buf.Bytes(), nil
}

// xmlEscape escapes text for inclusion in an XML text node or attribute.
func xmlEscape(s string) string {
	var buf bytes.Buffer
	// EscapeText only fails on a failing writer; bytes.Buffer never fails.
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// splitXMLLines breaks text on newlines for formats where each line is a
// separate run or paragraph. Carriage returns are dropped.
func splitXMLLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}
