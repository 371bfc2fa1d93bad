package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/hub"
	"chatsync/internal/logger"
	"chatsync/internal/middleware"
	"chatsync/internal/model"
	"chatsync/internal/store"
	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	Store  *store.Store
	Hub    *hub.Hub
	Logger *slog.Logger
	Now    func() time.Time
}

type createConversationBody struct {
	CounterpartID string `json:"counterpartId"`
	Role          string `json:"role"`
}

type sendMessageBody struct {
	Text     string `json:"text"`
	Role     string `json:"role"`
	ImageURL string `json:"imageUrl"`
	ClientID string `json:"clientId"`
}

type deleteMessagesBody struct {
	MessageIDs []string `json:"messageIds"`
	Role       string   `json:"role"`
}

type readBody struct {
	Role string `json:"role"`
}

func (h *ConversationHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *ConversationHandler) log() *slog.Logger {
	return logger.OrDefault(h.Logger)
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	c.JSON(http.StatusOK, gin.H{"conversations": h.Store.ListConversations(userID)})
}

func (h *ConversationHandler) Create(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	var body createConversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !middleware.CheckRole(c, body.Role) {
		return
	}

	conv, _, err := h.Store.GetOrCreateConversation(userID, body.CounterpartID, h.now())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	view, err := h.Store.View(userID, conv.ID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": view})
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	msgs, err := h.Store.ListMessages(userID, c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ConversationHandler) Send(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !middleware.CheckRole(c, body.Role) {
		return
	}

	msg, conv, err := h.Store.AppendMessage(userID, c.Param("id"), body.Text, body.ImageURL, body.ClientID, h.now())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	publish(h.Hub, h.log(), model.EventMessageNew, msg, conv.Participants[0], conv.Participants[1])
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	var body deleteMessagesBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.MessageIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !middleware.CheckRole(c, body.Role) {
		return
	}

	deleted, conv, err := h.Store.DeleteMessages(userID, c.Param("id"), body.MessageIDs)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if len(deleted) > 0 {
		payload := model.MessageDeleted{ConversationID: conv.ID, MessageIDs: deleted}
		publish(h.Hub, h.log(), model.EventMessageDeleted, payload, conv.Participants[0], conv.Participants[1])
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

func (h *ConversationHandler) Read(c *gin.Context) {
	userID, _ := middleware.UserIDFromContext(c)
	var body readBody
	// An empty body is fine here.
	_ = c.ShouldBindJSON(&body)
	if !middleware.CheckRole(c, body.Role) {
		return
	}

	upTo, n, conv, err := h.Store.MarkRead(userID, c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if n > 0 {
		payload := model.MessageRead{ConversationID: conv.ID, ReaderID: userID, UpToMessageID: upTo}
		publish(h.Hub, h.log(), model.EventMessageRead, payload, conv.Participants[0], conv.Participants[1])
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
	case errors.Is(err, store.ErrEmptyMessage), errors.Is(err, store.ErrInvalidCounterpart):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
