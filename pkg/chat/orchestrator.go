// Package chat runs question-answer turns over a user's documents. Each
// session is a persisted state machine, so at most one turn is in flight per
// session no matter how many processes serve it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/llm"
	"github.com/xhad/docrag/pkg/metrics"
	"github.com/xhad/docrag/pkg/retriever"
)

const (
	DefaultNoContextAnswer = "I could not find anything relevant to your question in your documents."
	defaultTitle           = "New chat"
	maxTitleLength         = 200
	autoTitleLength        = 60
)

// Retriever finds passages for a question.
type Retriever interface {
	Retrieve(ctx context.Context, req retriever.Request) ([]models.Passage, error)
}

// Engine builds prompts and calls the language model.
type Engine interface {
	BuildPrompt(question string, passages []models.Passage, history []models.ChatMessage) ([]llms.MessageContent, int)
	Generate(ctx context.Context, messages []llms.MessageContent, stream llm.StreamFunc) (string, error)
}

type OrchestratorConfig struct {
	// HistoryWindow is how many earlier messages go into the prompt.
	HistoryWindow        int
	NoContextAnswer      string
	AnswerWithoutContext bool
	// StaleAfter is how long a session may sit in awaiting_response before
	// RecoverStale returns it to idle.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

type Orchestrator struct {
	config    OrchestratorConfig
	sessions  types.SessionStore
	docs      types.DocumentStore
	retriever Retriever
	engine    Engine
	logger    *slog.Logger
}

// Reply is the outcome of one Send.
type Reply struct {
	MessageID string
	Answer    string
	// CitedChunkIDs are the chunks behind the passages the answer cites.
	CitedChunkIDs []string
	// Sources lists every passage that was placed in the prompt.
	Sources []models.Source
	// NoContext is set when nothing relevant was retrieved.
	NoContext bool
}

type sendOptions struct {
	stream llm.StreamFunc
}

type SendOption func(*sendOptions)

// WithStream forwards answer fragments to fn as they are generated. The full
// answer is still returned and stored.
func WithStream(fn llm.StreamFunc) SendOption {
	return func(o *sendOptions) {
		o.stream = fn
	}
}

func NewWithConfig(sessions types.SessionStore, docs types.DocumentStore, retriever Retriever, engine Engine, config OrchestratorConfig) *Orchestrator {
	if config.HistoryWindow < 0 {
		config.HistoryWindow = 0
	}
	if config.NoContextAnswer == "" {
		config.NoContextAnswer = DefaultNoContextAnswer
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:    config,
		sessions:  sessions,
		docs:      docs,
		retriever: retriever,
		engine:    engine,
		logger:    logger,
	}
}

// CreateSession opens a session for ownerID. A non-empty documentID limits
// retrieval to that document, which must belong to the owner.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID, documentID, title string) (*models.ChatSession, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner", types.ErrInvalidInput)
	}
	if documentID != "" {
		doc, err := o.docs.GetDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if doc.OwnerID != ownerID {
			return nil, fmt.Errorf("create session: document %s: %w", documentID, types.ErrNotFound)
		}
	}

	session := &models.ChatSession{
		OwnerID:    ownerID,
		DocumentID: documentID,
		Title:      strings.TrimSpace(title),
		State:      models.SessionCreated,
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	o.logger.Info("chat session created",
		slog.String("session_id", session.ID),
		slog.String("owner_id", ownerID),
		slog.String("document_id", documentID),
	)
	return session, nil
}

func (o *Orchestrator) ListSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	sessions, err := o.sessions.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (o *Orchestrator) RenameSession(ctx context.Context, sessionID, ownerID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", types.ErrInvalidInput)
	}
	if len([]rune(title)) > maxTitleLength {
		return fmt.Errorf("%w: title longer than %d characters", types.ErrInvalidInput, maxTitleLength)
	}
	if _, err := o.session(ctx, sessionID, ownerID); err != nil {
		return err
	}
	if err := o.sessions.RenameSession(ctx, sessionID, title); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// History returns the latest limit messages of a session in conversation
// order; limit <= 0 returns all of them.
func (o *Orchestrator) History(ctx context.Context, sessionID, ownerID string, limit int) ([]models.ChatMessage, error) {
	if _, err := o.session(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	msgs, err := o.sessions.ListMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// DeleteSession closes the session and removes it with its messages.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID, ownerID string) error {
	if _, err := o.session(ctx, sessionID, ownerID); err != nil {
		return err
	}
	if err := o.sessions.TransitionSession(ctx, sessionID, models.SessionClosed); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := o.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	o.logger.Info("chat session deleted", slog.String("session_id", sessionID))
	return nil
}

// RecoverStale returns sessions left in awaiting_response by a crashed
// process to idle.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	n, err := o.sessions.ResetStaleSessions(ctx, time.Now().Add(-o.config.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("recover stale sessions: %w", err)
	}
	if n > 0 {
		o.logger.Warn("recovered stale chat sessions", slog.Int("count", n))
	}
	return n, nil
}

// Send answers text within a session. The user message is stored first; on
// success the assistant message is stored too. If retrieval or generation
// fails the session returns to idle with no assistant message and the error
// wraps types.ErrGenerationFailed.
func (o *Orchestrator) Send(ctx context.Context, sessionID, ownerID, text string, opts ...SendOption) (*Reply, error) {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", types.ErrInvalidInput)
	}

	session, err := o.session(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := o.begin(ctx, session.ID); err != nil {
		return nil, err
	}

	logger := o.logger.With(slog.String("session_id", session.ID), slog.String("owner_id", ownerID))
	reply, err := o.turn(ctx, session, text, so, logger)

	// The session must leave awaiting_response even if ctx was cancelled.
	if tErr := o.sessions.TransitionSession(context.WithoutCancel(ctx), session.ID, models.SessionIdle, models.SessionAwaitingResponse); tErr != nil {
		switch {
		case errors.Is(tErr, types.ErrNotFound), errors.Is(tErr, types.ErrStateConflict):
			// Deleted while the turn was running.
			if err == nil {
				err = types.ErrSessionClosed
			}
		default:
			logger.Error("failed to release session", slog.String("error", tErr.Error()))
			if err == nil {
				err = fmt.Errorf("release session: %w", tErr)
			}
		}
	}

	if err != nil {
		metrics.ChatMessages.WithLabelValues("failed").Inc()
		logger.Warn("chat turn failed", slog.String("error", err.Error()))
		return nil, err
	}
	if reply.NoContext {
		metrics.ChatMessages.WithLabelValues("no_context").Inc()
	} else {
		metrics.ChatMessages.WithLabelValues("answered").Inc()
	}
	return reply, nil
}

// begin claims the session for one turn.
func (o *Orchestrator) begin(ctx context.Context, sessionID string) error {
	err := o.sessions.TransitionSession(ctx, sessionID, models.SessionAwaitingResponse, models.SessionCreated, models.SessionIdle)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrStateConflict) {
		return fmt.Errorf("start turn: %w", err)
	}

	current, gErr := o.sessions.GetSession(ctx, sessionID)
	if errors.Is(gErr, types.ErrNotFound) || (gErr == nil && current.State == models.SessionClosed) {
		return types.ErrSessionClosed
	}
	metrics.ChatMessages.WithLabelValues("busy").Inc()
	return types.ErrSessionBusy
}

func (o *Orchestrator) turn(ctx context.Context, session *models.ChatSession, text string, so sendOptions, logger *slog.Logger) (*Reply, error) {
	var history []models.ChatMessage
	if o.config.HistoryWindow > 0 {
		var err error
		history, err = o.sessions.ListMessages(ctx, session.ID, o.config.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	userMsg := &models.ChatMessage{SessionID: session.ID, Role: models.RoleUser, Content: text}
	if err := o.append(ctx, userMsg); err != nil {
		return nil, err
	}
	if session.Title == "" {
		o.autoTitle(ctx, session.ID, text, logger)
	}

	scopeGone, err := o.scopeDeleted(ctx, session)
	if err != nil {
		return nil, err
	}

	var passages []models.Passage
	if !scopeGone {
		req := retriever.Request{Question: text, OwnerID: session.OwnerID}
		if session.DocumentID != "" {
			req.DocumentIDs = []string{session.DocumentID}
		}
		passages, err = o.retriever.Retrieve(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: retrieve: %w", types.ErrGenerationFailed, err)
		}
	}

	reply := &Reply{}
	if scopeGone || (len(passages) == 0 && !o.config.AnswerWithoutContext) {
		reply.Answer = o.config.NoContextAnswer
		reply.NoContext = true
		if so.stream != nil {
			if err := so.stream(ctx, []byte(reply.Answer)); err != nil {
				return nil, fmt.Errorf("stream answer: %w", err)
			}
		}
	} else {
		messages, used := o.engine.BuildPrompt(text, passages, history)
		passages = passages[:used]
		reply.NoContext = len(passages) == 0

		answer, err := o.engine.Generate(ctx, messages, so.stream)
		if err != nil {
			if !errors.Is(err, types.ErrGenerationFailed) {
				err = fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
			}
			return nil, err
		}
		reply.Answer = strings.TrimSpace(answer)
		reply.CitedChunkIDs = CitedChunkIDs(reply.Answer, passages)
		reply.Sources = sources(passages)
	}

	assistantMsg := &models.ChatMessage{
		SessionID:     session.ID,
		Role:          models.RoleAssistant,
		Content:       reply.Answer,
		CitedChunkIDs: reply.CitedChunkIDs,
		Sources:       reply.Sources,
	}
	if err := o.append(ctx, assistantMsg); err != nil {
		return nil, err
	}
	reply.MessageID = assistantMsg.ID

	logger.Info("chat turn answered",
		slog.Int("passages", len(reply.Sources)),
		slog.Int("cited_chunks", len(reply.CitedChunkIDs)),
		slog.Bool("no_context", reply.NoContext),
	)
	return reply, nil
}

func (o *Orchestrator) append(ctx context.Context, msg *models.ChatMessage) error {
	err := o.sessions.AppendMessage(ctx, msg)
	if errors.Is(err, types.ErrNotFound) {
		return types.ErrSessionClosed
	}
	if err != nil {
		return fmt.Errorf("store %s message: %w", msg.Role, err)
	}
	return nil
}

// autoTitle names an untitled session after its first question.
// scopeDeleted reports whether the document a session is scoped to no longer
// exists. Such a session keeps its scope and answers without context.
func (o *Orchestrator) scopeDeleted(ctx context.Context, session *models.ChatSession) (bool, error) {
	if session.DocumentID == "" {
		return false, nil
	}
	_, err := o.docs.GetDocument(ctx, session.DocumentID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, types.ErrNotFound):
		o.logger.Warn("session document deleted",
			slog.String("session_id", session.ID),
			slog.String("document_id", session.DocumentID),
		)
		return true, nil
	default:
		return false, fmt.Errorf("%w: load session document: %w", types.ErrGenerationFailed, err)
	}
}

func (o *Orchestrator) autoTitle(ctx context.Context, sessionID, text string, logger *slog.Logger) {
	title := strings.Join(strings.Fields(text), " ")
	if r := []rune(title); len(r) > autoTitleLength {
		title = strings.TrimSpace(string(r[:autoTitleLength])) + "..."
	}
	if title == "" {
		title = defaultTitle
	}
	if err := o.sessions.RenameSession(ctx, sessionID, title); err != nil {
		logger.Warn("failed to title session", slog.String("error", err.Error()))
	}
}

// session loads a session that ownerID may use. Sessions of other owners
// look like missing ones.
func (o *Orchestrator) session(ctx context.Context, sessionID, ownerID string) (*models.ChatSession, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.OwnerID != ownerID {
		return nil, fmt.Errorf("get session %s: %w", sessionID, types.ErrNotFound)
	}
	if session.State == models.SessionClosed {
		return nil, types.ErrSessionClosed
	}
	return session, nil
}

func sources(passages []models.Passage) []models.Source {
	out := make([]models.Source, 0, len(passages))
	for _, p := range passages {
		out = append(out, models.Source{
			DocumentID: p.DocumentID,
			Filename:   p.Filename,
			ChunkIDs:   p.ChunkIDs,
			Score:      p.Score,
		})
	}
	return out
}
