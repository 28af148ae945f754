// Package api provides HTTP handlers for BookFlow endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/google/uuid"
)

// messagesHandler handles POST /messages: one inbound user message in, one
// assistant reply out.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	requestID := uuid.NewString()
	slog.Debug("Server.messagesHandler: processing message request", "requestID", requestID)

	var req models.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "requestID", requestID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.messagesHandler: validation failed", "requestID", requestID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	resp, err := s.engine.HandleMessage(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrMissingConversation) || errors.Is(err, models.ErrEmptyMessage) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.messagesHandler: failed to process message",
			"requestID", requestID, "conversationID", req.ConversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.messagesHandler: message processed",
		"requestID", requestID, "conversationID", resp.ConversationID, "state", resp.State)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// conversationHandler handles GET /conversations/{id}, returning the current
// snapshot. Unknown conversations report a fresh idle snapshot.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrMissingConversation.Error()))
		return
	}

	snap, err := s.engine.Conversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("Server.conversationHandler: failed to load conversation",
			"conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

// deleteConversationHandler handles DELETE /conversations/{id}, discarding
// the conversation's snapshot.
func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrMissingConversation.Error()))
		return
	}

	if err := s.engine.EndConversation(r.Context(), conversationID); err != nil {
		slog.Error("Server.deleteConversationHandler: failed to delete conversation",
			"conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete conversation"))
		return
	}

	slog.Info("Server.deleteConversationHandler: conversation deleted", "conversationID", conversationID)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
