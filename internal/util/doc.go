// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared helpers for the stembot application.
//
// It contains the atomic file-write primitive used by every on-disk store
// and a handful of Unicode-safe string helpers used by the session table
// formatter and the exporters.
package util
