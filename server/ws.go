package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/chat"
	"github.com/xhad/docrag/pkg/ingest"
	"github.com/xhad/docrag/pkg/metrics"
	"github.com/xhad/docrag/pkg/scraper"
	"github.com/xhad/docrag/pkg/search"
)

// Message types accepted on the websocket.
const (
	TypeSessionCreate  = "session.create"
	TypeSessionList    = "session.list"
	TypeSessionRename  = "session.rename"
	TypeSessionDelete  = "session.delete"
	TypeHistory        = "history"
	TypeChat           = "chat"
	TypeSearch         = "search"
	TypeSimilar        = "similar"
	TypeDocumentList   = "document.list"
	TypeDocumentDelete = "document.delete"
	TypeDocumentImport = "document.import"
)

// Request is one inbound websocket message. ID is echoed on every reply so
// clients can match concurrent requests.
type Request struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Filters    *SearchFilters `json:"filters,omitempty"`
}

type SearchFilters struct {
	DocumentIDs  []string   `json:"document_ids,omitempty"`
	FileCategory string     `json:"file_category,omitempty"`
	CreatedFrom  *time.Time `json:"created_from,omitempty"`
	CreatedTo    *time.Time `json:"created_to,omitempty"`
	MinScore     *float64   `json:"min_score,omitempty"`
}

// Message is one outbound websocket message. Type is the request type for
// results, "stream" for answer fragments, "progress" for import progress and
// "error" for failures, in which case Content holds the error code.
type Message struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChatResult struct {
	MessageID     string          `json:"message_id"`
	Answer        string          `json:"answer"`
	CitedChunkIDs []string        `json:"cited_chunk_ids"`
	Sources       []models.Source `json:"sources"`
	NoContext     bool            `json:"no_context"`
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws      *websocket.Conn
	ownerID string
	mu      sync.Mutex
	logger  *slog.Logger
}

func (c *conn) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(UserHeader)
	if ownerID == "" {
		http.Error(w, "missing "+UserHeader, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	c := &conn{
		ws:      ws,
		ownerID: ownerID,
		logger:  s.logger.With(slog.String("owner_id", ownerID)),
	}

	// Requests in flight are cancelled when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(errorMessage("", fmt.Errorf("%w: malformed message", types.ErrInvalidInput)))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(ctx, c, req)
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, c *conn, req Request) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, c, req)
	if err != nil {
		msg := errorMessage(req.ID, err)
		metrics.WebsocketMessages.WithLabelValues(req.Type, msg.Content).Inc()
		if msg.Content == "internal" {
			c.logger.Error("request failed",
				slog.String("type", req.Type),
				slog.String("error", err.Error()),
			)
		}
		c.send(msg)
		return
	}
	metrics.WebsocketMessages.WithLabelValues(req.Type, "ok").Inc()
	c.send(Message{ID: req.ID, Type: req.Type, Content: "ok", Data: data})
}

func (s *Server) dispatch(ctx context.Context, c *conn, req Request) (any, error) {
	a := s.app
	switch req.Type {
	case TypeSessionCreate:
		return a.Chat.CreateSession(ctx, c.ownerID, req.DocumentID, req.Title)
	case TypeSessionList:
		return a.Chat.ListSessions(ctx, c.ownerID)
	case TypeSessionRename:
		return nil, a.Chat.RenameSession(ctx, req.SessionID, c.ownerID, req.Title)
	case TypeSessionDelete:
		return nil, a.Chat.DeleteSession(ctx, req.SessionID, c.ownerID)
	case TypeHistory:
		return a.Chat.History(ctx, req.SessionID, c.ownerID, req.Limit)
	case TypeChat:
		var opts []chat.SendOption
		if req.Stream {
			opts = append(opts, chat.WithStream(func(_ context.Context, chunk []byte) error {
				c.send(Message{ID: req.ID, Type: "stream", Content: string(chunk)})
				return nil
			}))
		}
		reply, err := a.Chat.Send(ctx, req.SessionID, c.ownerID, req.Content, opts...)
		if err != nil {
			return nil, err
		}
		return ChatResult{
			MessageID:     reply.MessageID,
			Answer:        reply.Answer,
			CitedChunkIDs: reply.CitedChunkIDs,
			Sources:       reply.Sources,
			NoContext:     reply.NoContext,
		}, nil
	case TypeSearch:
		return a.Search.Search(ctx, c.ownerID, req.Content, searchFilters(req))
	case TypeSimilar:
		return a.Search.Similar(ctx, c.ownerID, req.DocumentID, req.Limit)
	case TypeDocumentList:
		return a.Store.ListDocuments(ctx, c.ownerID)
	case TypeDocumentDelete:
		return nil, a.Ingest.Delete(ctx, req.DocumentID, c.ownerID)
	case TypeDocumentImport:
		return s.importURL(ctx, c, req)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", types.ErrInvalidInput, req.Type)
	}
}

// importURL crawls req.Content and queues every page for ingestion. The
// accepted documents are returned while still pending.
func (s *Server) importURL(ctx context.Context, c *conn, req Request) ([]*models.Document, error) {
	sc, err := s.app.NewScraper(req.Content, func(p scraper.Page) {
		c.send(Message{ID: req.ID, Type: "progress", Content: p.URL})
	})
	if err != nil {
		return nil, err
	}
	pages, err := sc.Scrape(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidInput, err)
	}

	docs := make([]*models.Document, 0, len(pages))
	for _, page := range pages {
		doc, err := s.app.Ingest.Accept(ctx, ingest.Upload{
			OwnerID:     c.ownerID,
			Filename:    page.Filename(),
			FileType:    page.ContentType,
			Size:        int64(len(page.Body)),
			StoragePath: page.URL,
		})
		if err != nil {
			c.logger.Warn("skipping imported page", slog.String("url", page.URL), slog.String("error", err.Error()))
			continue
		}
		err = s.app.Worker.Submit(ingest.Request{
			DocumentID:   doc.ID,
			OwnerID:      c.ownerID,
			Data:         page.Body,
			DeclaredType: doc.FileType,
		})
		if err != nil {
			if delErr := s.app.Ingest.Delete(ctx, doc.ID, c.ownerID); delErr != nil {
				c.logger.Warn("failed to remove unqueued document", slog.String("document_id", doc.ID), slog.String("error", delErr.Error()))
			}
			return docs, fmt.Errorf("%w: %w", types.ErrQueueFull, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func searchFilters(req Request) search.Filters {
	f := search.Filters{Limit: req.Limit}
	if req.Filters == nil {
		return f
	}
	f.DocumentIDs = req.Filters.DocumentIDs
	f.FileCategory = req.Filters.FileCategory
	f.MinScore = req.Filters.MinScore
	if req.Filters.CreatedFrom != nil {
		f.CreatedFrom = *req.Filters.CreatedFrom
	}
	if req.Filters.CreatedTo != nil {
		f.CreatedTo = *req.Filters.CreatedTo
	}
	return f
}

var errorCodes = []struct {
	err  error
	code string
}{
	{types.ErrNotFound, "not_found"},
	{types.ErrInvalidInput, "invalid_input"},
	{types.ErrUnsupportedType, "unsupported_type"},
	{types.ErrSessionBusy, "session_busy"},
	{types.ErrSessionClosed, "session_closed"},
	{types.ErrGenerationFailed, "generation_failed"},
	{types.ErrEmbeddingService, "unavailable"},
	{types.ErrVectorIndex, "unavailable"},
	{types.ErrQueueFull, "unavailable"},
	{context.DeadlineExceeded, "timeout"},
}

// ErrorCode maps err to the code sent to clients.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

func errorMessage(id string, err error) Message {
	code := ErrorCode(err)
	text := err.Error()
	if code == "internal" {
		text = "internal error"
	}
	return Message{ID: id, Type: "error", Content: code, Data: ErrorData{Code: code, Message: text}}
}

func httpRequests(method, route string, status int) {
	metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
