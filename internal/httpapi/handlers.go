package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

type handlers struct {
	d Deps
}

func (h *handlers) whoami(c *gin.Context) {
	c.JSON(http.StatusOK, whoamiResponse{UserID: CurrentUser(c)})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// clamp bounds v into [min,max].
func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (h *handlers) listConversations(c *gin.Context) {
	userID := CurrentUser(c)
	page := queryInt(c, "page", 1)
	size := clamp(queryInt(c, "size", 50), 50, 200)
	unreadOnly := c.Query("unread_only") == "true"
	convType := model.ConversationType(c.Query("type"))

	res, err := h.d.Store.ListConversations(c.Request.Context(), userID, convType, page, size, unreadOnly)
	if err != nil {
		apperr.Abort(c, apperr.Internal(err))
		return
	}

	out := make([]conversationDTO, 0, len(res.Conversations))
	for _, conv := range res.Conversations {
		out = append(out, toConversationDTO(conv, res.UnreadByConv[conv.ID]))
	}
	c.JSON(http.StatusOK, listConversationsResponse{Conversations: out, Total: res.Total, Page: page, Size: size})
}

func (h *handlers) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}
	userID := CurrentUser(c)

	res, err := h.d.Service.CreateConversation(c.Request.Context(), store.CreateConversationInput{
		Type:           req.Type,
		Participants:   req.Participants,
		Name:           req.Name,
		Admins:         req.Admins,
		SenderID:       userID,
		InitialMessage: req.InitialMessage,
		InitialType:    req.InitialType,
		Metadata:       req.Metadata,
	})
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}

	c.JSON(http.StatusOK, createConversationResponse{
		Conversation: toConversationDTO(res.Conversation, 0),
		Existed:      res.Existed,
		InitialMsgID: res.InitialMsgID,
	})
}

func (h *handlers) getConversation(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)

	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}

	conv, err := h.d.Store.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		apperr.Abort(c, apperr.NotFound("conversation"))
		return
	}
	unread, _ := h.d.Store.GetUnreadCount(c.Request.Context(), conversationID, userID)
	c.JSON(http.StatusOK, toConversationDTO(conv, unread))
}

func (h *handlers) updateConversation(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)
	conv, ok := h.mustBeConversationAdmin(c, conversationID, userID)
	if !ok {
		return
	}
	if conv.Type != model.ConversationGroup {
		apperr.Abort(c, apperr.Validation("only group conversations can be updated"))
		return
	}

	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}
	if err := h.d.Store.UpdateConversationMeta(c.Request.Context(), conversationID, req.Name, req.Description, req.AvatarURL); err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	conv, err := h.d.Store.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		apperr.Abort(c, apperr.NotFound("conversation"))
		return
	}
	c.JSON(http.StatusOK, toConversationDTO(conv, 0))
}

func (h *handlers) addMember(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)
	if _, ok := h.mustBeConversationAdmin(c, conversationID, userID); !ok {
		return
	}

	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}
	if err := h.d.Store.AddMember(c.Request.Context(), conversationID, req.UserID); err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	h.d.Manager.EnsureSubscribed(c.Request.Context(), conversationID)
	c.JSON(http.StatusOK, gin.H{"added": req.UserID})
}

func (h *handlers) listMessages(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)
	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}

	page := queryInt(c, "page", 1)
	size := clamp(queryInt(c, "size", 30), 1, 100)
	msgs, err := h.d.Store.ListMessages(c.Request.Context(), conversationID, page, size)
	if err != nil {
		apperr.Abort(c, apperr.Internal(err))
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	c.JSON(http.StatusOK, listMessagesResponse{Messages: out, Page: page, Size: size})
}

func (h *handlers) sendMessage(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = model.MessageText
	}

	messageID, ts, appErr := h.d.Service.SendMessage(c.Request.Context(), conversationID, userID, req.Content, msgType, req.FileInfo)
	if appErr != nil {
		apperr.Abort(c, appErr)
		return
	}
	c.JSON(http.StatusOK, sendMessageResponse{MessageID: messageID, Timestamp: ts, Status: "sent"})
}

func (h *handlers) markRead(c *gin.Context) {
	conversationID := c.Param("id")
	messageID := c.Param("messageId")
	userID := CurrentUser(c)
	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}

	if err := h.d.Service.MarkRead(c.Request.Context(), conversationID, messageID, userID); err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) markAllRead(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)
	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}

	count, err := h.d.Service.MarkAllRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, markAllReadResponse{MessagesRead: count})
}

func (h *handlers) setReaction(c *gin.Context) {
	conversationID := c.Param("id")
	messageID := c.Param("messageId")
	userID := CurrentUser(c)
	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}

	var req setReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}

	reactions, err := h.d.Service.SetReaction(c.Request.Context(), conversationID, messageID, userID, req.Reaction)
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, setReactionResponse{Reactions: reactions})
}

func (h *handlers) typing(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUser(c)
	if ok := h.mustBeParticipant(c, conversationID, userID); !ok {
		return
	}
	h.d.Service.Typing(c.Request.Context(), conversationID, userID)
	c.Status(http.StatusNoContent)
}

func (h *handlers) setStatus(c *gin.Context) {
	userID := CurrentUser(c)
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Abort(c, apperr.Validation(err.Error()))
		return
	}
	if err := h.d.Store.SetUserOnline(c.Request.Context(), userID, req.Status != model.StatusOffline, req.Status); err != nil {
		apperr.Abort(c, apperr.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) recomputeUnread(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	userID := CurrentUser(c)
	if conversationID == "" {
		apperr.Abort(c, apperr.Validation("conversation_id query parameter is required"))
		return
	}

	count, err := h.d.Service.RecomputeUnread(c.Request.Context(), conversationID, userID)
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, recomputeUnreadResponse{UnreadCount: count})
}

func (h *handlers) findInconsistencies(c *gin.Context) {
	results, err := h.d.Service.FindInconsistencies(c.Request.Context())
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"inconsistencies": toRepairResultDTOs(results)})
}

func (h *handlers) repairAllUnread(c *gin.Context) {
	results, err := h.d.Service.RepairAll(c.Request.Context(), 8)
	if err != nil {
		apperr.Abort(c, apperr.As(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": toRepairResultDTOs(results)})
}

// mustBeParticipant aborts the request with 403 if userID is not a
// member of conversationID, returning false so callers can early-exit.
func (h *handlers) mustBeParticipant(c *gin.Context, conversationID, userID string) bool {
	ok, err := h.d.Store.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		apperr.Abort(c, apperr.Internal(err))
		return false
	}
	if !ok {
		apperr.Abort(c, apperr.Forbidden("not a participant of this conversation"))
		return false
	}
	return true
}

// mustBeConversationAdmin aborts the request with 404/403 unless
// userID is in conv.Admins, returning the loaded conversation so
// callers don't have to fetch it twice. Admins are a subset of
// participants, so this subsumes the plain participant check.
func (h *handlers) mustBeConversationAdmin(c *gin.Context, conversationID, userID string) (model.Conversation, bool) {
	conv, err := h.d.Store.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		apperr.Abort(c, apperr.NotFound("conversation"))
		return model.Conversation{}, false
	}
	for _, admin := range conv.Admins {
		if admin == userID {
			return conv, true
		}
	}
	apperr.Abort(c, apperr.Forbidden("not an admin of this conversation"))
	return model.Conversation{}, false
}
