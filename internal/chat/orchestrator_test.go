// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"stembot/internal/model"
	"stembot/internal/ollama"
)

// fakeClient scripts the model's behavior per call.
type fakeClient struct {
	reply string
	err   error
	// lastMessages captures what was sent to the model.
	lastMessages []ollama.Message
	calls        int
}

func (f *fakeClient) Chat(ctx context.Context, modelName string, messages []ollama.Message) (*ollama.ChatResponse, error) {
	f.calls++
	f.lastMessages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &ollama.ChatResponse{
		Model:   modelName,
		Message: ollama.Message{Role: "assistant", Content: f.reply},
		Done:    true,
	}, nil
}

func (f *fakeClient) GetDefaultModel() string { return "llama3" }

// blockingClient never answers; it waits for the context to expire, the
// way a real call against a stuck model server would.
type blockingClient struct {
	fakeClient
}

func (b *blockingClient) Chat(ctx context.Context, modelName string, messages []ollama.Message) (*ollama.ChatResponse, error) {
	b.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeStreamClient delivers a scripted chunk sequence over the channel.
type fakeStreamClient struct {
	fakeClient
	chunks []ollama.StreamChunk
}

func (f *fakeStreamClient) ChatStreamChan(ctx context.Context, modelName string, messages []ollama.Message) <-chan ollama.StreamChunk {
	f.lastMessages = messages
	ch := make(chan ollama.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// memStore is an in-memory SessionStore for orchestrator tests.
type memStore struct {
	sessions map[string][]model.Message
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string][]model.Message)}
}

func (m *memStore) key(owner, id string) string { return owner + "/" + id }

func (m *memStore) Load(owner, id string) []model.Message {
	msgs := m.sessions[m.key(owner, id)]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (m *memStore) Save(owner, id string, messages []model.Message) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[m.key(owner, id)] = messages
	return nil
}

func (m *memStore) NewSessionID(owner string) string { return "20240101_120000" }

func TestSendSplitsThinkBlock(t *testing.T) {
	client := &fakeClient{reply: "<think>recall the formula</think>The area is pi r squared."}
	store := newMemStore()
	o := New(client, store, nil, 0)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "Area of a circle?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if res.Failure != FailureNone {
		t.Errorf("Failure = %v", res.Failure)
	}
	if res.Answer != "The area is pi r squared." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Reasoning != "recall the formula" {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}
	if res.SessionID != "20240101_120000" {
		t.Errorf("SessionID = %q", res.SessionID)
	}

	persisted := store.Load("alice", res.SessionID)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(persisted))
	}
	if persisted[0].Role != model.RoleUser || persisted[0].Content != "Area of a circle?" {
		t.Errorf("first persisted message = %+v", persisted[0])
	}
	if persisted[1].Reasoning != "recall the formula" {
		t.Errorf("reasoning not persisted: %+v", persisted[1])
	}
}

func TestSendUsesFullHistory(t *testing.T) {
	client := &fakeClient{reply: "It was 42."}
	store := newMemStore()
	store.Save("alice", "20240101_120000", []model.Message{
		model.NewUserMessage("Pick a number."),
		{Role: model.RoleAssistant, Content: "42."},
	})

	o := New(client, store, nil, 0)
	_, err := o.Send(context.Background(), Request{
		Owner:     "alice",
		SessionID: "20240101_120000",
		Prompt:    "What did you pick?",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(client.lastMessages) != 3 {
		t.Fatalf("model saw %d messages, want 3", len(client.lastMessages))
	}
	if client.lastMessages[0].Content != "Pick a number." {
		t.Errorf("history not sent in order: %+v", client.lastMessages)
	}
}

func TestSendDeduplicatesRetriedPrompt(t *testing.T) {
	client := &fakeClient{reply: "Answer."}
	store := newMemStore()
	store.Save("alice", "20240101_120000", []model.Message{
		model.NewUserMessage("same question"),
	})

	o := New(client, store, nil, 0)
	_, err := o.Send(context.Background(), Request{
		Owner:     "alice",
		SessionID: "20240101_120000",
		Prompt:    "same question",
	})
	if err != nil {
		t.Fatal(err)
	}

	persisted := store.Load("alice", "20240101_120000")
	if len(persisted) != 2 {
		t.Fatalf("persisted %d messages, want 2 (prompt not duplicated)", len(persisted))
	}
}

func TestSendTimeoutFallback(t *testing.T) {
	client := &fakeClient{err: ollama.ErrTimeout}
	store := newMemStore()
	o := New(client, store, nil, 0)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "slow question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if res.Failure != FailureTimeout {
		t.Errorf("Failure = %v, want FailureTimeout", res.Failure)
	}
	if !strings.Contains(res.Answer, "timed out") {
		t.Errorf("Answer = %q", res.Answer)
	}

	// The failed exchange is still part of the transcript.
	persisted := store.Load("alice", res.SessionID)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(persisted))
	}
	if persisted[1].Content != res.Answer {
		t.Errorf("fallback not persisted: %q", persisted[1].Content)
	}
}

func TestSendObservesTimeoutBound(t *testing.T) {
	client := &blockingClient{}
	store := newMemStore()
	timeout := 50 * time.Millisecond
	o := New(client, store, nil, timeout)

	start := time.Now()
	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "slow question"})
	wall := time.Since(start)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if res.Failure != FailureTimeout {
		t.Errorf("Failure = %v, want FailureTimeout", res.Failure)
	}
	if !strings.Contains(res.Answer, "timed out") {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Elapsed < timeout {
		t.Errorf("Elapsed = %v, want at least the %v bound", res.Elapsed, timeout)
	}
	// The call must return at the deadline, not whenever the model feels
	// like answering.
	if wall > time.Second {
		t.Errorf("Send blocked %v past a %v timeout", wall, timeout)
	}

	persisted := store.Load("alice", res.SessionID)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(persisted))
	}
}

func TestSendConnectionFallback(t *testing.T) {
	client := &fakeClient{err: ollama.ErrNotRunning}
	o := New(client, newMemStore(), nil, 0)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != FailureConnection {
		t.Errorf("Failure = %v, want FailureConnection", res.Failure)
	}
	if !strings.Contains(res.Answer, "reach") {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestSendServerErrorEmbedsDetail(t *testing.T) {
	client := &fakeClient{err: &ollama.ClientError{
		Type:       ollama.ErrTypeServerError,
		Message:    "model 'missing' not found",
		StatusCode: 404,
	}}
	o := New(client, newMemStore(), nil, 0)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != FailureServer {
		t.Errorf("Failure = %v, want FailureServer", res.Failure)
	}
	if !strings.Contains(res.Answer, "model 'missing' not found") {
		t.Errorf("server detail not embedded: %q", res.Answer)
	}
}

func TestSendMissingContentFallback(t *testing.T) {
	client := &fakeClient{err: ollama.ErrMissingContent}
	o := New(client, newMemStore(), nil, 0)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != FailureMissingContent {
		t.Errorf("Failure = %v, want FailureMissingContent", res.Failure)
	}
	if !strings.Contains(res.Answer, "empty") {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestSendSingleAttempt(t *testing.T) {
	client := &fakeClient{err: ollama.ErrTimeout}
	o := New(client, newMemStore(), nil, 0)

	if _, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 {
		t.Errorf("model called %d times, want 1", client.calls)
	}
}

func TestSendPersistFailure(t *testing.T) {
	client := &fakeClient{reply: "ok"}
	store := newMemStore()
	store.saveErr = context.DeadlineExceeded // any error will do
	o := New(client, store, nil, 0)

	if _, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"}); err == nil {
		t.Error("Send swallowed persistence error")
	}
}

func TestSendStreamSplitsAccumulatedReply(t *testing.T) {
	client := &fakeStreamClient{chunks: []ollama.StreamChunk{
		{Content: "<think>work it "},
		{Content: "out</think>"},
		{Content: "The answer "},
		{Content: "is 4."},
	}}
	store := newMemStore()
	o := New(client, store, nil, 0)

	var deltas []string
	res, err := o.SendStream(context.Background(), Request{Owner: "alice", Prompt: "2+2?"},
		func(delta string) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	if len(deltas) != 4 {
		t.Errorf("delivered %d deltas, want 4: %q", len(deltas), deltas)
	}
	// Chunks arrive verbatim; the split applies to the whole reply.
	if strings.Join(deltas, "") != "<think>work it out</think>The answer is 4." {
		t.Errorf("deltas = %q", deltas)
	}
	if res.Answer != "The answer is 4." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if res.Reasoning != "work it out" {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}

	persisted := store.Load("alice", res.SessionID)
	if len(persisted) != 2 || persisted[1].Reasoning != "work it out" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestSendStreamErrorFallback(t *testing.T) {
	client := &fakeStreamClient{chunks: []ollama.StreamChunk{
		{Content: "partial "},
		{Error: ollama.ErrNotRunning, Done: true},
	}}
	store := newMemStore()
	o := New(client, store, nil, 0)

	res, err := o.SendStream(context.Background(), Request{Owner: "alice", Prompt: "hi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != FailureConnection {
		t.Errorf("Failure = %v, want FailureConnection", res.Failure)
	}

	// The fallback, not the partial text, is what lands in the transcript.
	persisted := store.Load("alice", res.SessionID)
	if len(persisted) != 2 || persisted[1].Content != res.Answer {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestSendStreamEmptyReply(t *testing.T) {
	client := &fakeStreamClient{}
	o := New(client, newMemStore(), nil, 0)

	res, err := o.SendStream(context.Background(), Request{Owner: "alice", Prompt: "hi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure != FailureMissingContent {
		t.Errorf("Failure = %v, want FailureMissingContent", res.Failure)
	}
}

func TestSendStreamNonStreamingClient(t *testing.T) {
	client := &fakeClient{reply: "whole answer"}
	o := New(client, newMemStore(), nil, 0)

	var deltas []string
	res, err := o.SendStream(context.Background(), Request{Owner: "alice", Prompt: "hi"},
		func(delta string) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "whole answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(deltas) != 1 || deltas[0] != "whole answer" {
		t.Errorf("deltas = %q, want the full answer in one delivery", deltas)
	}
}

func TestSendElapsedRecorded(t *testing.T) {
	client := &fakeClient{reply: "fast"}
	o := New(client, newMemStore(), nil, time.Minute)

	res, err := o.Send(context.Background(), Request{Owner: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Elapsed < 0 {
		t.Errorf("Elapsed = %v", res.Elapsed)
	}
}
