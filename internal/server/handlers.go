package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"herald/internal/domain"
)

// maxBodySize bounds API request bodies; the largest legitimate payload is
// a send-messages batch with a few thousand recipient ids.
const maxBodySize = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return false
	}
	return true
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

// handleValidateToken checks a bot token against Discord and records the
// identity it belongs to. A token that was validated before is answered
// from the store without another upstream call, which also keeps the
// operation idempotent: the same token always maps to the same bot id.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		respondError(w, http.StatusBadRequest, "token is required", nil)
		return
	}

	if bot, err := s.deps.Store.GetBotByToken(r.Context(), token); err == nil {
		respondOK(w, map[string]any{"bot": bot})
		return
	}

	bot, err := s.deps.Client.ValidateToken(r.Context(), token)
	if err != nil {
		respondFailure(w, s.log, err, "token validation failed")
		return
	}
	if err := s.deps.Store.SaveBot(r.Context(), bot); err != nil {
		respondFailure(w, s.log, err, "saving bot failed")
		return
	}
	s.log.Info("bot validated", slog.String("bot", bot.ID), slog.String("username", bot.Username))
	respondOK(w, map[string]any{"bot": bot})
}

// handleFetchUsers serves the cached roster and triggers a background
// refresh; the first call for a bot usually returns an empty list.
func (s *Server) handleFetchUsers(w http.ResponseWriter, r *http.Request) {
	botID := strings.TrimSpace(r.URL.Query().Get("botId"))
	if botID == "" {
		respondError(w, http.StatusBadRequest, "botId query parameter is required", nil)
		return
	}
	users, err := s.deps.Roster.FetchUsers(r.Context(), botID)
	if err != nil {
		respondFailure(w, s.log, err, "fetching users failed")
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	respondOK(w, map[string]any{"users": users})
}

// handleCachedUsers reads the roster cache without refreshing.
func (s *Server) handleCachedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Roster.CachedUsers(r.Context(), r.PathValue("botId"))
	if err != nil {
		respondFailure(w, s.log, err, "reading users failed")
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	respondOK(w, map[string]any{"users": users})
}

type sendMessagesRequest struct {
	BotID   string   `json:"botId"`
	UserIDs []string `json:"userIds"`
	Content string   `json:"content"`
	// DelayMS is the pause between consecutive sends, in milliseconds.
	DelayMS int `json:"delay"`
}

// handleSendMessages runs a paced bulk dispatch and blocks until the batch
// finishes. Per-recipient failures are expected and ride inside results;
// the operation itself still reports success.
func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	var req sendMessagesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case strings.TrimSpace(req.BotID) == "":
		respondError(w, http.StatusBadRequest, "botId is required", nil)
		return
	case len(req.UserIDs) == 0:
		respondError(w, http.StatusBadRequest, "userIds must not be empty", nil)
		return
	case strings.TrimSpace(req.Content) == "":
		respondError(w, http.StatusBadRequest, "content must not be empty", nil)
		return
	case req.DelayMS < 0:
		respondError(w, http.StatusBadRequest, "delay must be >= 0", nil)
		return
	}

	bot, err := s.deps.Store.GetBot(r.Context(), req.BotID)
	if err != nil {
		respondFailure(w, s.log, err, "sending messages failed")
		return
	}

	res, err := s.deps.Dispatch.Run(r.Context(), bot, req.UserIDs, req.Content, time.Duration(req.DelayMS)*time.Millisecond)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	respondOK(w, map[string]any{
		"message": res.Message,
		"results": res.Outcomes,
		"batchId": res.BatchID,
	})
}

type messageReceivedRequest struct {
	BotID          string `json:"botId"`
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
}

// handleMessageReceived ingests an inbound reply: append it to history,
// then fan it out to every live observer watching that bot.
func (s *Server) handleMessageReceived(w http.ResponseWriter, r *http.Request) {
	var req messageReceivedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BotID) == "" || strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "botId and content are required", nil)
		return
	}
	if _, err := s.deps.Store.GetBot(r.Context(), req.BotID); err != nil {
		respondFailure(w, s.log, err, "recording reply failed")
		return
	}

	rec, err := s.deps.Store.AppendMessage(r.Context(), domain.MessageRecord{
		BotID:          req.BotID,
		Content:        req.Content,
		SentAt:         time.Now().UTC(),
		Reply:          true,
		SenderID:       req.SenderID,
		SenderUsername: req.SenderUsername,
	})
	if err != nil {
		respondFailure(w, s.log, err, "recording reply failed")
		return
	}
	s.deps.Relay.Broadcast(rec)
	respondOK(w, nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	if _, err := s.deps.Store.GetBot(r.Context(), botID); err != nil {
		respondFailure(w, s.log, err, "reading history failed")
		return
	}
	msgs, err := s.deps.Store.MessagesByBot(r.Context(), botID)
	if err != nil {
		respondFailure(w, s.log, err, "reading history failed")
		return
	}
	if msgs == nil {
		msgs = []domain.MessageRecord{}
	}
	respondOK(w, map[string]any{"messages": msgs})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Dispatch.Status(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "batch not found", nil)
		return
	}
	respondOK(w, map[string]any{"batch": st})
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Dispatch.CancelBatch(r.PathValue("id")) {
		respondError(w, http.StatusNotFound, "no running batch with that id", nil)
		return
	}
	respondOK(w, nil)
}
