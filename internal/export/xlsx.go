// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"stembot/internal/model"
)

// =============================================================================
// EXCEL EXPORTER
// =============================================================================

// ExcelExporter exports sessions as Excel (.xlsx) workbooks with one row
// per message in Role | Message columns.
type ExcelExporter struct {
	options *Options
}

// NewExcelExporter creates a new Excel exporter.
func NewExcelExporter(opts *Options) *ExcelExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &ExcelExporter{options: opts}
}

// Export converts a session to an .xlsx workbook.
func (e *ExcelExporter) Export(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"

	headers := []string{"Role", "Message"}
	if e.options.IncludeTimestamps {
		headers = append(headers, "Time")
	}
	if e.options.IncludeReasoning {
		headers = append(headers, "Reasoning")
	}
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		f.SetCellStyle(sheet, "A1", last, headerStyle)
	}

	for i, msg := range e.options.selectMessages(s) {
		row := i + 2
		values := []interface{}{roleLabel(msg.Role), msg.Content}
		if e.options.IncludeTimestamps {
			ts := ""
			if !msg.Timestamp.IsZero() {
				ts = formatTimestamp(msg.Timestamp)
			}
			values = append(values, ts)
		}
		if e.options.IncludeReasoning {
			values = append(values, msg.Reasoning)
		}

		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	// Readable defaults: narrow role column, wide message column.
	f.SetColWidth(sheet, "A", "A", 14)
	f.SetColWidth(sheet, "B", "B", 90)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// FileExtension returns the file extension for Excel workbooks.
func (e *ExcelExporter) FileExtension() string {
	return ".xlsx"
}

// MimeType returns the MIME type for Excel workbooks.
func (e *ExcelExporter) MimeType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
