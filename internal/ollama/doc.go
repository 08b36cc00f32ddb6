// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with the Ollama API.
//
// The client covers the three surfaces stembot needs: a health check,
// model listing via /api/tags, and chat completion via /api/chat in both
// non-streaming and streaming (NDJSON) form. Errors are classified with
// ClientError so callers can map each transport failure to a user-facing
// fallback message.
package ollama
