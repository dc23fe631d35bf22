package server

import (
	"net/http"
	"strconv"

	"chatcore/internal/auth"
	"chatcore/internal/models"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	convs *service.ConversationService
	msgs  *service.MessageService
}

func NewHandler(core *service.Core) *Handler {
	return &Handler{convs: core.Conversations, msgs: core.Messages}
}

func statusOf(code string) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeUnauthenticated:
		return http.StatusUnauthorized
	case service.CodeNotParticipant, service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := service.CodeOf(err)
	c.JSON(statusOf(code), gin.H{"error": service.PublicMessage(err), "code": code})
}

func badPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": service.CodeValidation})
}

// ListConversations 返回当前用户的会话列表。
func (h *Handler) ListConversations(c *gin.Context) {
	out, err := h.convs.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req service.GroupInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	conv, err := h.convs.CreateGroup(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// CreateDirect 新建单聊返回 201，两人之间已有单聊时返回 200。
func (h *Handler) CreateDirect(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	conv, created, err := h.convs.CreateDirect(c.Request.Context(), auth.GetUserID(c), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

func (h *Handler) ListParticipants(c *gin.Context) {
	out, err := h.convs.Participants(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

func (h *Handler) AddParticipant(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	if err := h.convs.AddParticipant(c.Request.Context(), auth.GetUserID(c), c.Param("id"), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave 处理退出会话请求。
func (h *Handler) Leave(c *gin.Context) {
	if err := h.convs.Leave(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.convs.MarkRead(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 分页查询会话消息，按时间倒序返回，默认 50 条，最多 200 条。
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := h.msgs.List(c.Request.Context(), auth.GetUserID(c), c.Param("id"), limit, c.Query("before_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Content     string           `json:"content"`
		ContentType string           `json:"content_type"`
		File        *models.FileMeta `json:"file"`
		ReplyToID   string           `json:"reply_to_id"`
		ClientID    string           `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	msg, err := h.msgs.Send(c.Request.Context(), auth.GetUserID(c), service.SendInput{
		ConversationID: c.Param("id"),
		Content:        req.Content,
		ContentType:    req.ContentType,
		File:           req.File,
		ReplyToID:      req.ReplyToID,
		ClientID:       req.ClientID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	msg, err := h.msgs.Edit(c.Request.Context(), auth.GetUserID(c), c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.msgs.Delete(c.Request.Context(), auth.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
