package controller

import (
	"linkup_backend/internal/model"
	"linkup_backend/internal/service"
	"linkup_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ConnectionController 处理连接请求相关的HTTP请求
type ConnectionController struct {
	ConnectionService *service.ConnectionService
	Hub               *service.ChatHub
}

func NewConnectionController(connectionService *service.ConnectionService, hub *service.ChatHub) *ConnectionController {
	return &ConnectionController{
		ConnectionService: connectionService,
		Hub:               hub,
	}
}

// SendRequest godoc
// @Summary 发送连接请求
// @Description 对目标用户表示感兴趣(interested)或忽略(ignored)
// @Tags 连接
// @Produce  json
// @Security ApiKeyAuth
// @Param   status path string true "interested 或 ignored"
// @Param   toUserId path int true "目标用户ID"
// @Success 200 {object} util.Response{data=model.ConnectionRequest} "成功"
// @Failure 400 {object} util.Response "参数错误或已存在"
// @Failure 404 {object} util.Response "用户不存在"
// @Router /request/send/{status}/{toUserId} [post]
func (ctrl *ConnectionController) SendRequest(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	status := model.ConnectionStatus(c.Param("status"))
	if !status.IsIntent() {
		util.HandleError(c, util.ErrInvalidIntent)
		return
	}
	toUserID, err := util.ParseID(c.Param("toUserId"))
	if err != nil {
		util.HandleError(c, err)
		return
	}

	req, err := ctrl.ConnectionService.SendRequest(c.Request.Context(), claims.UserID, toUserID, status)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.SuccessWithMessage(c, "connection request sent", req)
}

// ListReceived godoc
// @Summary 收到的连接请求
// @Description 获取发给当前用户、仍待处理的请求，最新的在前
// @Tags 连接
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.ConnectionRequest} "成功"
// @Router /user/requests/received [get]
func (ctrl *ConnectionController) ListReceived(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	reqs, err := ctrl.ConnectionService.ListReceived(c.Request.Context(), claims.UserID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.Success(c, reqs)
}

// ReviewRequest godoc
// @Summary 处理连接请求
// @Description 接收者接受(accepted)或拒绝(rejected)一个待处理请求
// @Tags 连接
// @Produce  json
// @Security ApiKeyAuth
// @Param   status path string true "accepted 或 rejected"
// @Param   requestId path string true "请求ID"
// @Success 200 {object} util.Response{data=model.ConnectionRequest} "成功"
// @Failure 400 {object} util.Response "参数错误"
// @Failure 404 {object} util.Response "请求不存在或已处理"
// @Router /request/review/{status}/{requestId} [post]
func (ctrl *ConnectionController) ReviewRequest(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	status := model.ConnectionStatus(c.Param("status"))
	if !status.IsDecision() {
		util.HandleError(c, util.ErrInvalidDecision)
		return
	}

	req, err := ctrl.ConnectionService.ReviewRequest(c.Request.Context(), claims.UserID, c.Param("requestId"), status)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.SuccessWithMessage(c, "connection request "+string(status), req)
}

// ListConnections godoc
// @Summary 我的连接
// @Description 获取已连接用户的公开资料及在线状态
// @Tags 连接
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.ConnectionProfile} "成功"
// @Router /user/connections [get]
func (ctrl *ConnectionController) ListConnections(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	ctx := c.Request.Context()
	users, err := ctrl.ConnectionService.ListConnections(ctx, claims.UserID)
	if err != nil {
		util.HandleError(c, err)
		return
	}

	profiles := make([]model.ConnectionProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, model.ConnectionProfile{
			User:     u,
			IsOnline: ctrl.Hub != nil && ctrl.Hub.IsUserOnline(ctx, u.ID),
		})
	}
	util.Success(c, profiles)
}

// RemoveConnection godoc
// @Summary 解除连接
// @Description 删除与对方的连接，同时删除双方的会话与消息
// @Tags 连接
// @Produce  json
// @Security ApiKeyAuth
// @Param   userId path int true "对方用户ID"
// @Success 200 {object} util.Response "成功"
// @Failure 404 {object} util.Response "连接不存在"
// @Router /request/remove/{userId} [delete]
func (ctrl *ConnectionController) RemoveConnection(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	otherID, err := util.ParseID(c.Param("userId"))
	if err != nil {
		util.HandleError(c, err)
		return
	}

	convID, err := ctrl.ConnectionService.RemoveConnection(c.Request.Context(), claims.UserID, otherID)
	if err != nil {
		util.HandleError(c, err)
		return
	}
	util.SuccessWithMessage(c, "connection removed", gin.H{
		"userId":         otherID,
		"conversationId": convID,
	})
}
