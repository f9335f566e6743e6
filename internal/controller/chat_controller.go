package controller

import (
	"linkup_backend/internal/service"
	"linkup_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ChatController 处理会话与消息相关的HTTP请求
type ChatController struct {
	ChatService *service.ChatService
	Hub         *service.ChatHub
}

// MessageContentRequest 发送或编辑消息请求
type MessageContentRequest struct {
	Content string `json:"content" binding:"required" example:"你好"`
}

func NewChatController(chatService *service.ChatService, hub *service.ChatHub) *ChatController {
	return &ChatController{
		ChatService: chatService,
		Hub:         hub,
	}
}

// HandleWS godoc
// @Summary WebSocket 连接
// @Description 建立 WebSocket 连接以收发实时事件
// @Tags 实时
// @Security ApiKeyAuth
// @Param   token query string false "JWT Token，无法设置请求头时使用"
// @Success 101 {string} string "Switching Protocols"
// @Router /ws [get]
func (ctrl *ChatController) HandleWS(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	service.ServeWs(ctrl.Hub, c.Writer, c.Request, claims.UserID)
}

// OpenConversation godoc
// @Summary 获取或创建会话
// @Description 与已连接的用户开启会话，已存在时直接返回
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path int true "对方用户ID"
// @Success 200 {object} util.Response{data=model.Conversation} "成功"
// @Failure 403 {object} util.Response "未建立连接"
// @Router /chat/{id} [post]
func (ctrl *ChatController) OpenConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	otherID, err := util.ParseID(c.Param("id"))
	if err != nil {
		util.HandleError(c, err)
		return
	}

	conv, err := ctrl.ChatService.OpenConversation(c.Request.Context(), claims.UserID, otherID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, conv)
}

// ListConversations godoc
// @Summary 会话列表
// @Description 按最近活跃排序，包含对方资料、最新消息与未读数
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.ConversationSummary} "成功"
// @Router /chat [get]
func (ctrl *ChatController) ListConversations(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	list, err := ctrl.ChatService.ListConversations(c.Request.Context(), claims.UserID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, list)
}

// ListMessages godoc
// @Summary 会话消息
// @Description 按序号升序返回会话内的全部消息
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response{data=[]model.Message} "成功"
// @Failure 403 {object} util.Response "不是会话成员"
// @Failure 404 {object} util.Response "会话不存在"
// @Router /chat/{id} [get]
func (ctrl *ChatController) ListMessages(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	msgs, err := ctrl.ChatService.ListMessages(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, msgs)
}

// SendMessage godoc
// @Summary 发送消息
// @Description 通过 HTTP 发送消息，效果与 WebSocket sendMessage 相同
// @Tags 聊天
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body MessageContentRequest true "消息内容"
// @Success 200 {object} util.Response{data=model.Message} "成功"
// @Failure 400 {object} util.Response "内容为空或过长"
// @Router /chat/{id}/messages [post]
func (ctrl *ChatController) SendMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	var req MessageContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.HandleError(c, util.ErrEmptyContent)
		return
	}

	msg, err := ctrl.ChatService.SendMessage(c.Request.Context(), claims.UserID, c.Param("id"), req.Content)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, msg)
}

// MarkRead godoc
// @Summary 标记已读
// @Description 将会话中对方发送的消息全部标记为已读
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /chat/read/{id} [put]
func (ctrl *ChatController) MarkRead(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	n, err := ctrl.ChatService.MarkRead(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, gin.H{"marked": n})
}

// EditMessage godoc
// @Summary 编辑消息
// @Description 只有发送者可以编辑，已读状态保留
// @Tags 聊天
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Param   request body MessageContentRequest true "新内容"
// @Success 200 {object} util.Response{data=model.Message} "成功"
// @Failure 403 {object} util.Response "不是发送者"
// @Router /chat/message/{id} [put]
func (ctrl *ChatController) EditMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	var req MessageContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.HandleError(c, util.ErrEmptyContent)
		return
	}

	msg, err := ctrl.ChatService.EditMessage(c.Request.Context(), claims.UserID, c.Param("id"), req.Content)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, msg)
}

// DeleteMessage godoc
// @Summary 删除消息
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "不是发送者"
// @Router /message/{id} [delete]
func (ctrl *ChatController) DeleteMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	if err := ctrl.ChatService.DeleteMessage(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		util.HandleError(c, err)
		return
	}
	util.SuccessWithMessage(c, "message deleted", nil)
}

// DeleteConversation godoc
// @Summary 删除会话
// @Description 删除会话及其全部消息，连接关系保留
// @Tags 聊天
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /chat/{id} [delete]
func (ctrl *ChatController) DeleteConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	if err := ctrl.ChatService.DeleteConversation(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		util.HandleError(c, err)
		return
	}
	util.SuccessWithMessage(c, "chat deleted", nil)
}
