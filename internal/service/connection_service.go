package service

import (
	"context"
	"errors"
	"linkup_backend/internal/model"
	"linkup_backend/internal/util"
	"linkup_backend/pkg/logger"
	"linkup_backend/pkg/monitoring"
	"linkup_backend/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConnectionStore 关系记录存储
type ConnectionStore interface {
	CreateRequest(ctx context.Context, fromID, toID uint, status model.ConnectionStatus) (*model.ConnectionRequest, error)
	Review(ctx context.Context, reviewerID uint, requestID string, decision model.ConnectionStatus) (*model.ConnectionRequest, error)
	ListReceived(ctx context.Context, userID uint) ([]model.ConnectionRequest, error)
	ListConnections(ctx context.Context, userID uint) ([]model.User, error)
	Remove(ctx context.Context, userID, otherID uint) (string, error)
	ConnectionIDsCached(ctx context.Context, userID uint) ([]uint, error)
}

// UserDirectory 用户资料只读查询
type UserDirectory interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
}

type ConnectionService struct {
	Store     ConnectionStore
	Users     UserDirectory
	Publisher Publisher
}

func NewConnectionService(store ConnectionStore, users UserDirectory, publisher Publisher) *ConnectionService {
	return &ConnectionService{
		Store:     store,
		Users:     users,
		Publisher: publisher,
	}
}

// ConnectionRemovedEvent connectionRemoved 事件，UserID 为被解除关系的另一方
type ConnectionRemovedEvent struct {
	UserID         uint   `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SendRequest 发起 interested 或 ignored。ignored/rejected 的旧记录会被替换
func (s *ConnectionService) SendRequest(ctx context.Context, fromID, toID uint, intent model.ConnectionStatus) (req *model.ConnectionRequest, err error) {
	ctx, span := tracing.Start(ctx, "ConnectionService.SendRequest", attribute.String("connection.status", string(intent)))
	defer func() { tracing.End(span, err) }()

	if !intent.IsIntent() {
		return nil, util.ErrInvalidIntent
	}
	if toID == 0 {
		return nil, util.ErrTargetNotFound
	}
	if fromID == toID {
		return nil, util.ErrSelfRequest
	}

	target, err := s.Users.FindByID(ctx, toID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrTargetNotFound
	}
	if err != nil {
		return nil, util.Storage("find user", err)
	}

	req, err = s.Store.CreateRequest(ctx, fromID, toID, intent)
	if err != nil {
		return nil, util.Storage("create request", err)
	}
	req.ToUser = target
	monitoring.ConnectionTransitions.WithLabelValues(string(intent)).Inc()

	if intent == model.StatusInterested {
		// 推送失败不影响请求本身
		if from, err := s.Users.FindByID(ctx, fromID); err == nil {
			req.FromUser = from
		} else {
			logger.Log.Warn("Load request initiator failed", zap.Error(err), zap.Uint("userId", fromID))
		}
		s.Publisher.PublishToUsers(ctx, []uint{toID}, EventRequestReceived, req)
	}
	return req, nil
}

// ReviewRequest 接收者处理待定请求
func (s *ConnectionService) ReviewRequest(ctx context.Context, reviewerID uint, requestID string, decision model.ConnectionStatus) (req *model.ConnectionRequest, err error) {
	ctx, span := tracing.Start(ctx, "ConnectionService.ReviewRequest", attribute.String("connection.status", string(decision)))
	defer func() { tracing.End(span, err) }()

	if !decision.IsDecision() {
		return nil, util.ErrInvalidDecision
	}
	if requestID == "" {
		return nil, util.ErrRequestNotFound
	}

	req, err = s.Store.Review(ctx, reviewerID, requestID, decision)
	if err != nil {
		return nil, util.Storage("review request", err)
	}
	monitoring.ConnectionTransitions.WithLabelValues(string(decision)).Inc()

	if decision == model.StatusAccepted {
		s.Publisher.PublishToUsers(ctx, []uint{req.FromUserID}, EventConnectionAccepted, req)
	}
	return req, nil
}

// ListReceived 收到的待处理请求，发起人已不存在的记录被过滤
func (s *ConnectionService) ListReceived(ctx context.Context, userID uint) ([]model.ConnectionRequest, error) {
	reqs, err := s.Store.ListReceived(ctx, userID)
	if err != nil {
		return nil, util.Storage("list requests", err)
	}
	result := make([]model.ConnectionRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.FromUser != nil {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *ConnectionService) ListConnections(ctx context.Context, userID uint) ([]model.User, error) {
	users, err := s.Store.ListConnections(ctx, userID)
	if err != nil {
		return nil, util.Storage("list connections", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

// RemoveConnection 解除关系并级联删除会话，返回被删除的会话 ID
func (s *ConnectionService) RemoveConnection(ctx context.Context, userID, otherID uint) (convID string, err error) {
	ctx, span := tracing.Start(ctx, "ConnectionService.RemoveConnection")
	defer func() { tracing.End(span, err) }()

	if otherID == 0 || otherID == userID {
		return "", util.ErrConnectionNotFound
	}

	convID, err = s.Store.Remove(ctx, userID, otherID)
	if err != nil {
		return "", util.Storage("remove connection", err)
	}
	monitoring.ConnectionTransitions.WithLabelValues("removed").Inc()

	s.Publisher.PublishToUsers(ctx, []uint{userID}, EventConnectionRemoved, ConnectionRemovedEvent{UserID: otherID, ConversationID: convID})
	s.Publisher.PublishToUsers(ctx, []uint{otherID}, EventConnectionRemoved, ConnectionRemovedEvent{UserID: userID, ConversationID: convID})
	if convID != "" {
		s.Publisher.PublishToRoom(ctx, convID, EventConversationDeleted, ConversationDeletedEvent{ConversationID: convID})
	}
	return convID, nil
}

// ConnectionIDs 已连接用户 ID，走缓存
func (s *ConnectionService) ConnectionIDs(ctx context.Context, userID uint) ([]uint, error) {
	ids, err := s.Store.ConnectionIDsCached(ctx, userID)
	if err != nil {
		return nil, util.Storage("load connections", err)
	}
	return ids, nil
}
