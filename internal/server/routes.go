package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

func (a *App) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", a.handleWebSocket)
	r.GET("/files/:name", a.handleDownload)

	api := r.Group("/api")
	api.POST("/auth/register", a.handleRegister)
	api.POST("/auth/login", a.handleLogin)

	authed := api.Group("", a.requireAuth)
	authed.GET("/chats", a.handleListChats)
	authed.POST("/chats", a.handleCreateChat)
	authed.GET("/chats/:chatId/messages", a.handleListMessages)
	authed.DELETE("/messages/:messageId", a.handleDeleteMessage)
	authed.POST("/files", a.handleUpload)
	authed.GET("/presence", a.handleListPresence)
	return r
}

func (a *App) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	a.logger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
		zap.String("remote", c.ClientIP()),
	)
}

type createChatRequest struct {
	Name string `json:"name"`
}

func (a *App) handleListChats(c *gin.Context) {
	chats, err := a.store.ListChats(c.Request.Context())
	if err != nil {
		a.internalError(c, "list chats", err)
		return
	}
	out := make([]protocol.Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, toProtocolChat(chat))
	}
	c.JSON(http.StatusOK, out)
}

func (a *App) handleCreateChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(c, http.StatusBadRequest, "name required")
		return
	}
	chat := storage.Chat{Name: name, CreatedBy: claimsFrom(c).UserID, CreatedAt: time.Now().UTC()}
	if err := a.store.CreateChat(c.Request.Context(), &chat); err != nil {
		a.internalError(c, "create chat", err)
		return
	}
	a.logger.Info("chat created", zap.Uint("chat", chat.ID), zap.String("name", chat.Name), zap.Uint("user", chat.CreatedBy))
	c.JSON(http.StatusCreated, toProtocolChat(chat))
}

func (a *App) handleListMessages(c *gin.Context) {
	chatID, ok := uintParam(c, "chatId")
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	if _, err := a.store.GetChat(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(c, http.StatusNotFound, "chat not found")
			return
		}
		a.internalError(c, "get chat", err)
		return
	}
	messages, err := a.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		a.internalError(c, "list messages", err)
		return
	}

	var fileIDs []string
	for _, m := range messages {
		fileIDs = append(fileIDs, m.FileIDs...)
	}
	files, err := a.store.GetFiles(ctx, fileIDs)
	if err != nil {
		a.internalError(c, "get files", err)
		return
	}
	byID := make(map[string]storage.File, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	avatars := make(map[uint]string)
	out := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		avatar, seen := avatars[m.SenderID]
		if !seen {
			avatar = a.avatarOf(ctx, m.SenderID)
			avatars[m.SenderID] = avatar
		}
		attached := make([]storage.File, 0, len(m.FileIDs))
		for _, id := range m.FileIDs {
			if f, ok := byID[id]; ok {
				attached = append(attached, f)
			}
		}
		out = append(out, toProtocolMessage(m, attached, avatar))
	}
	c.JSON(http.StatusOK, out)
}

func (a *App) handleDeleteMessage(c *gin.Context) {
	messageID, ok := uintParam(c, "messageId")
	if !ok {
		return
	}
	chatID, err := a.deleteMessage(c.Request.Context(), claimsFrom(c).UserID, messageID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, errForbidden):
		respondError(c, http.StatusForbidden, "only the sender can delete a message")
		return
	case err != nil:
		a.internalError(c, "delete message", err)
		return
	}
	a.logger.Info("message deleted", zap.Uint("chat", chatID), zap.Uint("message", messageID))
	c.Status(http.StatusNoContent)
}

func (a *App) handleListPresence(c *gin.Context) {
	users, err := a.presence.List(c.Request.Context())
	if err != nil {
		a.internalError(c, "list presence", err)
		return
	}
	if users == nil {
		users = []uint{}
	}
	c.JSON(http.StatusOK, users)
}

func (a *App) internalError(c *gin.Context, op string, err error) {
	a.logger.Error(op, zap.Error(err))
	respondError(c, http.StatusInternalServerError, op+" failed")
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		respondError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(n), true
}

func toProtocolChat(chat storage.Chat) protocol.Chat {
	return protocol.Chat{ChatID: chat.ID, Name: chat.Name, CreatedBy: chat.CreatedBy, CreatedAt: chat.CreatedAt.UTC()}
}
