package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/heartline/internal/backend"
	"github.com/pliu/heartline/internal/inbox"
	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/store"
	"go.uber.org/zap"
)

type MessageHandler struct {
	Backend *backend.Backend
	Logger  *zap.Logger
}

type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	MediaURL   string `json:"media_url"`
}

type ConversationsResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Unread        int                          `json:"unread"`
}

func (h *MessageHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	summaries, unread, err := h.Backend.Conversations(r.Context(), userID)
	if err != nil {
		h.Logger.Error("load conversations", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to load conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: summaries, Unread: unread})
}

// GetThread returns the conversation with the user in the path and marks
// what the caller received in it as read.
func (h *MessageHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	counterparty := mux.Vars(r)["id"]

	thread, err := h.Backend.Thread(r.Context(), userID, counterparty)
	if err != nil {
		h.Logger.Error("load thread", zap.String("user_id", userID), zap.String("counterparty", counterparty), zap.Error(err))
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReceiverID == "" {
		http.Error(w, "receiver_id is required", http.StatusBadRequest)
		return
	}
	_, err := h.Backend.Store().GetProfileByID(r.Context(), req.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("look up receiver", zap.String("user_id", userID), zap.String("receiver_id", req.ReceiverID), zap.Error(err))
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
		return
	}

	m := &models.Message{SenderID: userID, ReceiverID: req.ReceiverID, Content: req.Content, MediaURL: req.MediaURL}
	if err := h.Backend.InsertMessage(r.Context(), m); err != nil {
		if errors.Is(err, inbox.ErrEmptyMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Logger.Error("send message", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to send message", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// SignalTyping records that the caller is composing a message to the user in
// the path.
func (h *MessageHandler) SignalTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.Backend.SignalTyping(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		h.Logger.Warn("signal typing", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to signal typing", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
