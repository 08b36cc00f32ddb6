// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// A Message is exclusively owned by its containing Session; a Session is
// exclusively owned by one User. The package also holds the session-ID
// timestamp scheme and transcript pagination, which the store and the HTTP
// layer share.
package model
