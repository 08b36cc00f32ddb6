// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat service over HTTP.
//
// Endpoints:
//   - POST   /api/register      - Create a user account
//   - POST   /api/token         - Exchange credentials for an access token
//   - GET    /api/models        - List models available on the Ollama server
//   - GET    /api/sessions      - List the caller's sessions
//   - GET    /api/sessions/{id} - Fetch one page of a session's history
//   - DELETE /api/sessions/{id} - Delete one session
//   - DELETE /api/sessions      - Delete every session of the caller
//   - POST   /api/chat          - Send a prompt (JSON or multipart with upload)
//   - POST   /api/chat/stream   - Send a prompt, reply streamed as NDJSON
//   - POST   /api/export        - Download or save a session as a document
//   - GET    /health            - Health check
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"stembot/internal/chat"
	"stembot/internal/export"
	"stembot/internal/extract"
	"stembot/internal/model"
	"stembot/internal/store"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Sender runs one chat exchange. Satisfied by *chat.Orchestrator.
type Sender interface {
	Send(ctx context.Context, req chat.Request) (*chat.Result, error)
}

// StreamSender is a Sender that can deliver the reply incrementally.
// Also satisfied by *chat.Orchestrator.
type StreamSender interface {
	SendStream(ctx context.Context, req chat.Request, deliver func(delta string)) (*chat.Result, error)
}

// ModelLister reports what the model server offers. Satisfied by
// *ollama.Client.
type ModelLister interface {
	ListModelNames(ctx context.Context) ([]string, error)
	CheckRunning(ctx context.Context) error
}

// Config carries the server's runtime settings.
type Config struct {
	Host            string
	Port            int
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimitPerSec float64
	PageSize        int
	WatermarkText   string
	// ExportDir is where server-side exports are written when the caller
	// asks to save rather than download.
	ExportDir string
}

// =============================================================================
// SERVER
// =============================================================================

// Server is the HTTP front end over the chat orchestrator and stores.
type Server struct {
	cfg    Config
	logger *zap.Logger

	sender   Sender
	models   ModelLister
	sessions *store.SessionStore
	users    *store.UserStore
	tokens   *TokenIssuer

	httpServer *http.Server
}

// New wires a server from its dependencies. A missing JWT secret leaves
// authenticated endpoints returning 503 rather than running open.
func New(cfg Config, sender Sender, models ModelLister, sessions *store.SessionStore, users *store.UserStore, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = model.DefaultPageSize
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sender:   sender,
		models:   models,
		sessions: sessions,
		users:    users,
	}

	if cfg.JWTSecret != "" {
		issuer, err := NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		s.tokens = issuer
	} else {
		logger.Warn("no JWT secret configured; authenticated endpoints disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/token", s.handleToken)
	mux.HandleFunc("GET /api/models", s.requireAuth(s.handleModels))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("DELETE /api/sessions", s.requireAuth(s.handleDeleteAllSessions))
	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("POST /api/chat/stream", s.requireAuth(s.handleChatStream))
	mux.HandleFunc("POST /api/export", s.requireAuth(s.handleExport))

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = rateLimitMiddleware(cfg.RateLimitPerSec, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No overall write timeout: chat requests can legitimately take
		// minutes against a local model.
	}
	return s, nil
}

// Handler returns the assembled HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts serving until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// =============================================================================
// HEALTH AND AUTH HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "ollama": "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.models.CheckRunning(ctx); err != nil {
		status["ollama"] = "unreachable"
	}
	s.writeJSON(w, http.StatusOK, status)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.users.Register(req.Username, req.Password); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			s.writeError(w, http.StatusConflict, "username already exists")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("user registered", zap.String("username", req.Username))
	s.writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		s.writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expires, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.logger.Error("issue token", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expires.UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// MODEL AND SESSION HANDLERS
// =============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ string) {
	names, err := s.models.ListModelNames(r.Context())
	if err != nil {
		// Degrade to an empty list; the caller can still use the
		// configured default model name.
		s.logger.Warn("list models", zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"models": names})
}

// handleListSessions serves JSON by default; a text/plain Accept header
// gets the aligned table instead, for curl and terminal clients.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, username string) {
	metas := s.sessions.ListMeta(username)
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, store.FormatSessionTable(metas))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": metas})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, username string) {
	id := r.PathValue("id")
	messages := s.sessions.Load(username, id)
	if len(messages) == 0 {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	session := &model.Session{Owner: username, ID: id, Messages: messages}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}

	pageCount := session.PageCount(s.cfg.PageSize)
	if page > pageCount {
		page = pageCount
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"page":       page,
		"page_count": pageCount,
		"page_size":  s.cfg.PageSize,
		"total":      session.Len(),
		"messages":   session.Page(page, s.cfg.PageSize),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, username string) {
	id := r.PathValue("id")
	if !s.sessions.Delete(username, id) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request, username string) {
	ok, errs := s.sessions.DeleteAll(username)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "could not delete sessions")
		return
	}
	for _, err := range errs {
		s.logger.Warn("delete session file", zap.String("owner", username), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"failed": len(errs)})
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

type chatRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
}

// handleChat accepts either a JSON body or multipart form data. Multipart
// requests may attach a file whose extracted text is appended to the
// prompt.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, username string) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	result, err := s.sender.Send(r.Context(), chat.Request{
		Owner:     username,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Model:     req.Model,
	})
	if err != nil {
		s.logger.Error("chat exchange", zap.String("owner", username), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not persist exchange")
		return
	}

	session := &model.Session{Owner: username, ID: result.SessionID, Messages: result.Messages}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":      result.SessionID,
		"answer":          result.Answer,
		"reasoning":       result.Reasoning,
		"elapsed_seconds": result.Elapsed.Seconds(),
		"failed":          result.Failure != chat.FailureNone,
		// The newest exchange always lands on page 1.
		"page":       1,
		"page_count": session.PageCount(s.cfg.PageSize),
	})
}

// handleChatStream runs the same exchange as handleChat but writes the
// reply as NDJSON: one {"delta": ...} line per raw chunk, then a closing
// line with the split answer and page position. The raw chunks carry any
// reasoning markers verbatim; the split applies to the complete reply.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, username string) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	deliver := func(delta string) {
		enc.Encode(map[string]string{"delta": delta})
		if flusher != nil {
			flusher.Flush()
		}
	}

	chatReq := chat.Request{
		Owner:     username,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Model:     req.Model,
	}

	var result *chat.Result
	if streamer, ok := s.sender.(StreamSender); ok {
		result, err = streamer.SendStream(r.Context(), chatReq, deliver)
	} else {
		result, err = s.sender.Send(r.Context(), chatReq)
		if err == nil && result.Failure == chat.FailureNone {
			deliver(result.Answer)
		}
	}
	if err != nil {
		// The status line is already written; the error becomes the
		// closing NDJSON line.
		s.logger.Error("chat exchange", zap.String("owner", username), zap.Error(err))
		enc.Encode(map[string]string{"error": "could not persist exchange"})
		return
	}

	session := &model.Session{Owner: username, ID: result.SessionID, Messages: result.Messages}
	enc.Encode(map[string]interface{}{
		"done":            true,
		"session_id":      result.SessionID,
		"answer":          result.Answer,
		"reasoning":       result.Reasoning,
		"elapsed_seconds": result.Elapsed.Seconds(),
		"failed":          result.Failure != chat.FailureNone,
		"page":            1,
		"page_count":      session.PageCount(s.cfg.PageSize),
	})
}

// decodeChatRequest reads the chat parameters from JSON or multipart form
// data, folding any uploaded file into the prompt.
func (s *Server) decodeChatRequest(r *http.Request) (*chatRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON body")
		}
		return &req, nil
	}

	if err := r.ParseMultipartForm(MaxRequestBodySize); err != nil {
		return nil, fmt.Errorf("invalid multipart form")
	}

	req := &chatRequest{
		SessionID: r.FormValue("session_id"),
		Prompt:    r.FormValue("prompt"),
		Model:     r.FormValue("model"),
	}

	file, header, err := r.FormFile("file")
	if err == http.ErrMissingFile {
		return req, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid file upload")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, extract.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %v", err)
	}

	text, err := extract.FromFile(header.Filename, data)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupported) {
			return nil, fmt.Errorf("unsupported file type %s (supported: %s)",
				header.Filename, strings.Join(extract.SupportedExtensions(), ", "))
		}
		return nil, err
	}

	fileMessage := fmt.Sprintf("Content from file '%s':\n\n%s", header.Filename, text)
	if req.Prompt == "" {
		req.Prompt = fileMessage
	} else {
		req.Prompt = req.Prompt + "\n\n" + fileMessage
	}
	return req, nil
}

// =============================================================================
// EXPORT HANDLER
// =============================================================================

type exportRequest struct {
	SessionID        string `json:"session_id"`
	Format           string `json:"format"`
	IncludeUser      *bool  `json:"include_user"`
	IncludeAssistant *bool  `json:"include_assistant"`
	IncludeReasoning bool   `json:"include_reasoning"`
	// Save writes the document into the server's export directory
	// instead of streaming it back.
	Save bool `json:"save"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, username string) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	messages := s.sessions.Load(username, req.SessionID)
	if len(messages) == 0 {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	opts := export.DefaultOptions()
	opts.Watermark = s.cfg.WatermarkText
	opts.IncludeReasoning = req.IncludeReasoning
	if req.IncludeUser != nil {
		opts.IncludeUser = *req.IncludeUser
	}
	if req.IncludeAssistant != nil {
		opts.IncludeAssistant = *req.IncludeAssistant
	}

	exporter, err := export.ForFormat(req.Format, opts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown format %q (supported: %s)", req.Format, strings.Join(export.Formats(), ", ")))
		return
	}

	session := &model.Session{Owner: username, ID: req.SessionID, Messages: messages}

	if req.Save {
		if s.cfg.ExportDir != "" {
			opts.OutputDir = s.cfg.ExportDir
		}
		path, err := export.ExportToFile(session, exporter, opts)
		if err != nil {
			s.logger.Error("export session", zap.String("session", req.SessionID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "export failed")
			return
		}
		s.logger.Info("session exported",
			zap.String("owner", username),
			zap.String("session", req.SessionID),
			zap.String("path", path))
		s.writeJSON(w, http.StatusOK, map[string]string{
			"path":     path,
			"filename": filepath.Base(path),
		})
		return
	}

	content, err := exporter.Export(session)
	if err != nil {
		s.logger.Error("export session", zap.String("session", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	filename := export.OutputFilename(req.SessionID, exporter)
	w.Header().Set("Content-Type", exporter.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
