// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stembot/internal/chat"
	"stembot/internal/model"
	"stembot/internal/store"
)

// fakeSender echoes the prompt back as the answer.
type fakeSender struct {
	lastReq chat.Request
	result  *chat.Result
}

func (f *fakeSender) Send(ctx context.Context, req chat.Request) (*chat.Result, error) {
	f.lastReq = req
	if f.result != nil {
		return f.result, nil
	}
	id := req.SessionID
	if id == "" {
		id = "20240101_120000"
	}
	messages := []model.Message{
		model.NewUserMessage(req.Prompt),
		{Role: model.RoleAssistant, Content: "echo: " + req.Prompt},
	}
	return &chat.Result{
		SessionID: id,
		Answer:    "echo: " + req.Prompt,
		Elapsed:   time.Second,
		Messages:  messages,
	}, nil
}

// SendStream delivers the echoed answer in two pieces before returning the
// same result as Send.
func (f *fakeSender) SendStream(ctx context.Context, req chat.Request, deliver func(string)) (*chat.Result, error) {
	deliver("echo: ")
	deliver(req.Prompt)
	return f.Send(ctx, req)
}

type fakeModels struct {
	names   []string
	healthy bool
}

func (f *fakeModels) ListModelNames(ctx context.Context) ([]string, error) {
	return f.names, nil
}

func (f *fakeModels) CheckRunning(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return fmt.Errorf("connection refused")
}

type testEnv struct {
	server    *Server
	ts        *httptest.Server
	sender    *fakeSender
	sessions  *store.SessionStore
	users     *store.UserStore
	exportDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	sessions, err := store.NewSessionStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	users, err := store.NewUserStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}

	exportDir := filepath.Join(dir, "exports")
	sender := &fakeSender{}
	srv, err := New(Config{
		Host:          "127.0.0.1",
		Port:          0,
		JWTSecret:     "test-secret",
		TokenTTL:      time.Hour,
		PageSize:      10,
		WatermarkText: "STEMbot(ChE)",
		ExportDir:     exportDir,
	}, sender, &fakeModels{names: []string{"llama3"}, healthy: true}, sessions, users, nil)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, ts: ts, sender: sender, sessions: sessions, users: users, exportDir: exportDir}
}

// do performs a request and decodes the JSON response into out (if non-nil).
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

// login registers a user and returns a valid access token.
func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()

	resp := e.do(t, "POST", "/api/register", "", credentialsRequest{Username: username, Password: "pw123"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	resp = e.do(t, "POST", "/api/token", "", credentialsRequest{Username: username, Password: "pw123"}, &tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	if tok.TokenType != "bearer" || tok.AccessToken == "" {
		t.Fatalf("token response = %+v", tok)
	}
	return tok.AccessToken
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	var body map[string]string
	resp := e.do(t, "GET", "/health", "", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["ollama"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, "alice")

	resp := e.do(t, "POST", "/api/register", "", credentialsRequest{Username: "alice", Password: "other"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
}

func TestTokenBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	e.login(t, "alice")

	resp := e.do(t, "POST", "/api/token", "", credentialsRequest{Username: "alice", Password: "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/api/models", "/api/sessions"} {
		resp := e.do(t, "GET", path, "", nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}

	resp := e.do(t, "GET", "/api/models", "not-a-token", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token = %d, want 401", resp.StatusCode)
	}
}

func TestModels(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	var body map[string][]string
	resp := e.do(t, "GET", "/api/models", token, nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body["models"]) != 1 || body["models"][0] != "llama3" {
		t.Errorf("models = %v", body["models"])
	}
}

func TestChatFlow(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	var body struct {
		SessionID string  `json:"session_id"`
		Answer    string  `json:"answer"`
		Failed    bool    `json:"failed"`
		Page      int     `json:"page"`
		Elapsed   float64 `json:"elapsed_seconds"`
	}
	resp := e.do(t, "POST", "/api/chat", token, chatRequest{Prompt: "hello"}, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Answer != "echo: hello" || body.Failed {
		t.Errorf("body = %+v", body)
	}
	if body.Page != 1 {
		t.Errorf("page = %d, want 1", body.Page)
	}
	if e.sender.lastReq.Owner != "alice" {
		t.Errorf("owner = %q", e.sender.lastReq.Owner)
	}
}

func TestChatEmptyPrompt(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	resp := e.do(t, "POST", "/api/chat", token, chatRequest{Prompt: "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", resp.StatusCode)
	}
}

func TestChatMultipartUpload(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("prompt", "Summarize this")
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("lab results: all nominal"))
	mw.Close()

	req, err := http.NewRequest("POST", e.ts.URL+"/api/chat", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(e.sender.lastReq.Prompt, "Summarize this") {
		t.Errorf("prompt missing user text: %q", e.sender.lastReq.Prompt)
	}
	if !strings.Contains(e.sender.lastReq.Prompt, "lab results: all nominal") {
		t.Errorf("prompt missing file content: %q", e.sender.lastReq.Prompt)
	}
	if !strings.Contains(e.sender.lastReq.Prompt, "Content from file 'notes.txt':") {
		t.Errorf("prompt missing file framing: %q", e.sender.lastReq.Prompt)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	messages := []model.Message{
		model.NewUserMessage("q1"),
		{Role: model.RoleAssistant, Content: "a1"},
	}
	if err := e.sessions.Save("alice", "20240101_120000", messages); err != nil {
		t.Fatal(err)
	}

	// List.
	var list struct {
		Sessions []store.SessionMeta `json:"sessions"`
	}
	resp := e.do(t, "GET", "/api/sessions", token, nil, &list)
	if resp.StatusCode != http.StatusOK || len(list.Sessions) != 1 {
		t.Fatalf("list = %d, %v", resp.StatusCode, list.Sessions)
	}

	// Get one page.
	var page struct {
		Page      int             `json:"page"`
		PageCount int             `json:"page_count"`
		Messages  []model.Message `json:"messages"`
	}
	resp = e.do(t, "GET", "/api/sessions/20240101_120000", token, nil, &page)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if len(page.Messages) != 2 || page.PageCount != 1 {
		t.Errorf("page = %+v", page)
	}

	// Delete.
	resp = e.do(t, "DELETE", "/api/sessions/20240101_120000", token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = e.do(t, "DELETE", "/api/sessions/20240101_120000", token, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionListPlainText(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	if err := e.sessions.Save("alice", "20240101_120000", []model.Message{
		model.NewUserMessage("how do I size a heat exchanger?"),
	}); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("GET", e.ts.URL+"/api/sessions", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	table := string(body)
	if !strings.Contains(table, "SESSION") || !strings.Contains(table, "TITLE") {
		t.Errorf("table missing header row: %q", table)
	}
	if !strings.Contains(table, "20240101_120000") {
		t.Errorf("table missing session row: %q", table)
	}
	if !strings.Contains(table, "how do I size a heat exchanger?") {
		t.Errorf("table missing preview: %q", table)
	}
}

func TestChatStream(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	req, err := http.NewRequest("POST", e.ts.URL+"/api/chat/stream",
		strings.NewReader(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	var deltas []string
	var final struct {
		Done      bool   `json:"done"`
		SessionID string `json:"session_id"`
		Answer    string `json:"answer"`
		PageCount int    `json:"page_count"`
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(line, &delta); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		if delta.Delta != "" {
			deltas = append(deltas, delta.Delta)
			continue
		}
		if err := json.Unmarshal(line, &final); err != nil {
			t.Fatalf("bad closing line %q: %v", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if strings.Join(deltas, "") != "echo: hi" {
		t.Errorf("deltas = %q", deltas)
	}
	if !final.Done || final.Answer != "echo: hi" {
		t.Errorf("closing line = %+v", final)
	}
	if final.SessionID != "20240101_120000" || final.PageCount != 1 {
		t.Errorf("closing line = %+v", final)
	}
}

func TestSessionIsolation(t *testing.T) {
	e := newTestEnv(t)
	aliceToken := e.login(t, "alice")
	bobToken := e.login(t, "bob")

	if err := e.sessions.Save("alice", "20240101_120000", []model.Message{model.NewUserMessage("secret")}); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, "GET", "/api/sessions/20240101_120000", bobToken, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bob reading alice's session = %d, want 404", resp.StatusCode)
	}
	resp = e.do(t, "GET", "/api/sessions/20240101_120000", aliceToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("alice reading own session = %d, want 200", resp.StatusCode)
	}
}

func TestExport(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	if err := e.sessions.Save("alice", "20240101_120000", []model.Message{
		model.NewUserMessage("q"),
		{Role: model.RoleAssistant, Content: "a"},
	}); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", e.ts.URL+"/api/export",
		strings.NewReader(`{"session_id":"20240101_120000","format":"text"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	cd := resp.Header.Get("Content-Disposition")
	if !strings.Contains(cd, ".txt") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	// The download name carries the session id plus an export timestamp.
	if !strings.Contains(cd, "chat_20240101_120000_") {
		t.Errorf("Content-Disposition missing timestamped name: %q", cd)
	}
}

func TestExportSaveWritesToExportDir(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	if err := e.sessions.Save("alice", "20240101_120000", []model.Message{
		model.NewUserMessage("q"),
		{Role: model.RoleAssistant, Content: "a"},
	}); err != nil {
		t.Fatal(err)
	}

	var saved struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
	}
	resp := e.do(t, "POST", "/api/export", token,
		map[string]interface{}{"session_id": "20240101_120000", "format": "text", "save": true}, &saved)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if filepath.Dir(saved.Path) != e.exportDir {
		t.Errorf("saved outside export dir: %q", saved.Path)
	}
	if !strings.HasPrefix(saved.Filename, "chat_20240101_120000_") || !strings.HasSuffix(saved.Filename, ".txt") {
		t.Errorf("filename = %q", saved.Filename)
	}

	content, err := os.ReadFile(saved.Path)
	if err != nil {
		t.Fatalf("saved file unreadable: %v", err)
	}
	if !strings.Contains(string(content), "a") {
		t.Errorf("saved content = %q", content)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t, "alice")

	if err := e.sessions.Save("alice", "20240101_120000", []model.Message{model.NewUserMessage("q")}); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, "POST", "/api/export", token,
		map[string]string{"session_id": "20240101_120000", "format": "csv"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", resp.StatusCode)
	}
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, expires, err := issuer.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expires too soon: %v", expires)
	}

	username, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if username != "alice" {
		t.Errorf("username = %q", username)
	}
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	issuer, err := NewTokenIssuer("secret", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := issuer.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestTokenIssuerRejectsWrongSecret(t *testing.T) {
	a, _ := NewTokenIssuer("secret-a", time.Hour)
	b, _ := NewTokenIssuer("secret-b", time.Hour)

	token, _, err := a.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Error("token signed with different secret verified")
	}
}
