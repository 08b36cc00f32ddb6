// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"
	"strings"

	"stembot/internal/util"
)

// =============================================================================
// SESSION TABLE FORMATTING
// =============================================================================

// FormatSessionTable renders session metadata as an aligned plain-text
// table for terminal output. Column widths account for wide runes so CJK
// previews do not break the alignment.
func FormatSessionTable(metas []SessionMeta) string {
	if len(metas) == 0 {
		return "No sessions found.\n"
	}

	const (
		idWidth      = 20
		msgsWidth    = 5
		previewWidth = 48
	)

	var b strings.Builder
	b.WriteString(util.PadWidth("SESSION", idWidth))
	b.WriteString("  ")
	b.WriteString(util.PadWidth("CREATED", 17))
	b.WriteString("  ")
	b.WriteString(util.PadWidth("MSGS", msgsWidth))
	b.WriteString("  ")
	b.WriteString("TITLE\n")

	for _, m := range metas {
		created := "unknown"
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.Format("2006-01-02 15:04")
		}

		b.WriteString(util.PadWidth(util.TruncateWidth(m.ID, idWidth), idWidth))
		b.WriteString("  ")
		b.WriteString(util.PadWidth(created, 17))
		b.WriteString("  ")
		b.WriteString(util.PadWidth(fmt.Sprintf("%d", m.MessageCount), msgsWidth))
		b.WriteString("  ")
		b.WriteString(util.TruncateWidth(util.CollapseNewlines(m.Preview), previewWidth))
		b.WriteString("\n")
	}

	return b.String()
}
