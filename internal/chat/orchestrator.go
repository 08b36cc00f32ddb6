// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat coordinates a single question/answer exchange: it builds the
// model request from persisted history, calls the model, splits the reply
// into reasoning and answer, and persists the updated transcript.
package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"stembot/internal/model"
	"stembot/internal/ollama"
	"stembot/internal/think"
)

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================

// FailureKind classifies why an exchange produced a fallback answer
// instead of a model reply.
type FailureKind int

const (
	// FailureNone means the exchange succeeded.
	FailureNone FailureKind = iota
	// FailureTimeout means the model did not answer within the deadline.
	FailureTimeout
	// FailureConnection means the model server could not be reached.
	FailureConnection
	// FailureServer means the model server answered with an error status.
	FailureServer
	// FailureBadResponse means the reply body was not valid JSON.
	FailureBadResponse
	// FailureMissingContent means the reply parsed but had no message text.
	FailureMissingContent
)

// Fallback answers recorded in the transcript when the model call fails.
// They are ordinary assistant messages so the conversation stays coherent
// when replayed, exported, or resumed.
const (
	msgTimeout        = "Sorry, the request timed out. Please try again."
	msgConnection     = "Sorry, I couldn't reach the language model server. Is it running?"
	msgBadResponse    = "Sorry, the model returned a response I couldn't understand."
	msgMissingContent = "Sorry, the model returned an empty response."
)

// fallbackAnswer maps a classified failure to the transcript text. Server
// errors embed the server's own detail when one was provided.
func fallbackAnswer(kind FailureKind, detail string) string {
	switch kind {
	case FailureTimeout:
		return msgTimeout
	case FailureConnection:
		return msgConnection
	case FailureServer:
		if detail != "" {
			return "Sorry, the model server reported an error: " + detail
		}
		return "Sorry, the model server reported an error."
	case FailureBadResponse:
		return msgBadResponse
	case FailureMissingContent:
		return msgMissingContent
	default:
		return msgBadResponse
	}
}

// classify maps a client error to a FailureKind.
func classify(err error) FailureKind {
	switch ollama.TypeOf(err) {
	case ollama.ErrTypeTimeout:
		return FailureTimeout
	case ollama.ErrTypeNotRunning:
		return FailureConnection
	case ollama.ErrTypeServerError:
		return FailureServer
	case ollama.ErrTypeInvalidResponse:
		return FailureBadResponse
	case ollama.ErrTypeMissingContent:
		return FailureMissingContent
	default:
		return FailureBadResponse
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// ChatClient is the slice of the model client the orchestrator needs.
type ChatClient interface {
	Chat(ctx context.Context, modelName string, messages []ollama.Message) (*ollama.ChatResponse, error)
	GetDefaultModel() string
}

// StreamingClient is a ChatClient that can also deliver the reply
// incrementally. Satisfied by *ollama.Client.
type StreamingClient interface {
	ChatClient
	ChatStreamChan(ctx context.Context, modelName string, messages []ollama.Message) <-chan ollama.StreamChunk
}

// SessionStore is the persistence surface the orchestrator writes through.
type SessionStore interface {
	Load(owner, id string) []model.Message
	Save(owner, id string, messages []model.Message) error
	NewSessionID(owner string) string
}

// Request describes one prompt to send on behalf of a user.
type Request struct {
	Owner     string
	SessionID string // empty means start a new session
	Prompt    string
	Model     string // empty means the client's default
}

// Result reports the outcome of one exchange.
type Result struct {
	SessionID string
	Answer    string
	Reasoning string
	Elapsed   time.Duration
	Failure   FailureKind
	// Messages is the full transcript after the exchange.
	Messages []model.Message
}

// Orchestrator runs question/answer exchanges against a model client and
// persists each exchange through a session store.
type Orchestrator struct {
	client  ChatClient
	store   SessionStore
	logger  *zap.Logger
	timeout time.Duration
}

// New creates an orchestrator. timeout bounds each model call; zero means
// no orchestrator-level deadline beyond the client's own.
func New(client ChatClient, store SessionStore, logger *zap.Logger, timeout time.Duration) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		client:  client,
		store:   store,
		logger:  logger,
		timeout: timeout,
	}
}

// Send runs one exchange: append the prompt to the session history, call
// the model with the full history, split the reply, and persist both the
// prompt and the (possibly fallback) answer. A failed model call still
// persists the exchange, so Send returns an error only when persistence
// itself fails.
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Result, error) {
	sessionID, modelName, history := o.prepare(req)
	answer, reasoning, elapsed, failure := o.ask(ctx, modelName, history)
	return o.finish(req.Owner, sessionID, modelName, history, answer, reasoning, elapsed, failure)
}

// SendStream runs one exchange like Send, but delivers the raw reply
// incrementally through deliver as chunks arrive from the model. The
// reasoning split applies to the complete reply only, so deliver sees the
// marker tags verbatim; the returned Result carries the split form. A
// client without streaming support degrades to a blocking call with the
// whole answer delivered once.
func (o *Orchestrator) SendStream(ctx context.Context, req Request, deliver func(delta string)) (*Result, error) {
	sessionID, modelName, history := o.prepare(req)
	answer, reasoning, elapsed, failure := o.askStream(ctx, modelName, history, deliver)
	return o.finish(req.Owner, sessionID, modelName, history, answer, reasoning, elapsed, failure)
}

// prepare resolves the session, model, and history with the new prompt
// appended.
func (o *Orchestrator) prepare(req Request) (sessionID, modelName string, history []model.Message) {
	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = o.store.NewSessionID(req.Owner)
	}

	modelName = req.Model
	if modelName == "" {
		modelName = o.client.GetDefaultModel()
	}

	history = o.store.Load(req.Owner, sessionID)

	// Retried prompts (client reconnect, double submit) must not stack up
	// duplicate user turns in the transcript.
	if n := len(history); n == 0 ||
		history[n-1].Role != model.RoleUser ||
		history[n-1].Content != req.Prompt {
		history = append(history, model.NewUserMessage(req.Prompt))
	}
	return sessionID, modelName, history
}

// finish persists the completed exchange and assembles the result.
func (o *Orchestrator) finish(owner, sessionID, modelName string, history []model.Message, answer, reasoning string, elapsed time.Duration, failure FailureKind) (*Result, error) {
	history = append(history, model.NewAssistantMessage(answer, reasoning, elapsed))
	if err := o.store.Save(owner, sessionID, history); err != nil {
		return nil, err
	}

	if failure != FailureNone {
		o.logger.Warn("model call failed",
			zap.String("owner", owner),
			zap.String("session", sessionID),
			zap.String("model", modelName),
			zap.Int("failure", int(failure)))
	} else {
		o.logger.Info("exchange complete",
			zap.String("owner", owner),
			zap.String("session", sessionID),
			zap.String("model", modelName),
			zap.Duration("elapsed", elapsed))
	}

	return &Result{
		SessionID: sessionID,
		Answer:    answer,
		Reasoning: reasoning,
		Elapsed:   elapsed,
		Failure:   failure,
		Messages:  history,
	}, nil
}

// ask performs the model call and splits the reply. One attempt only: the
// fallback answer is the retry mechanism, not a second request against a
// model that may take minutes per turn.
func (o *Orchestrator) ask(ctx context.Context, modelName string, history []model.Message) (answer, reasoning string, elapsed time.Duration, failure FailureKind) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	wire := make([]ollama.Message, 0, len(history))
	for _, m := range history {
		wire = append(wire, ollama.Message{Role: string(m.Role), Content: m.Content})
	}

	start := time.Now()
	resp, err := o.client.Chat(ctx, modelName, wire)
	elapsed = time.Since(start)

	if err != nil {
		kind := classify(err)
		detail, _ := ollama.DetailOf(err)
		return fallbackAnswer(kind, detail), "", elapsed, kind
	}

	split := think.Split(resp.Message.Content)
	return split.Answer, split.Reasoning, elapsed, FailureNone
}

// askStream performs the model call over the streaming channel, delivering
// each content chunk as it arrives and accumulating the full reply for the
// split. Failure handling mirrors ask: the stream's error chunk classifies
// the same way a blocking call's error would.
func (o *Orchestrator) askStream(ctx context.Context, modelName string, history []model.Message, deliver func(string)) (answer, reasoning string, elapsed time.Duration, failure FailureKind) {
	streamer, ok := o.client.(StreamingClient)
	if !ok {
		answer, reasoning, elapsed, failure = o.ask(ctx, modelName, history)
		if failure == FailureNone && deliver != nil {
			deliver(answer)
		}
		return answer, reasoning, elapsed, failure
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	wire := make([]ollama.Message, 0, len(history))
	for _, m := range history {
		wire = append(wire, ollama.Message{Role: string(m.Role), Content: m.Content})
	}

	start := time.Now()
	var raw strings.Builder
	for chunk := range streamer.ChatStreamChan(ctx, modelName, wire) {
		if chunk.Error != nil {
			elapsed = time.Since(start)
			kind := classify(chunk.Error)
			detail, _ := ollama.DetailOf(chunk.Error)
			return fallbackAnswer(kind, detail), "", elapsed, kind
		}
		if chunk.Content != "" {
			raw.WriteString(chunk.Content)
			if deliver != nil {
				deliver(chunk.Content)
			}
		}
	}
	elapsed = time.Since(start)

	if raw.Len() == 0 {
		return fallbackAnswer(FailureMissingContent, ""), "", elapsed, FailureMissingContent
	}

	split := think.Split(raw.String())
	return split.Answer, split.Reasoning, elapsed, FailureNone
}
