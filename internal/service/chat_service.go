package service

import (
	"context"
	"linkup_backend/internal/model"
	"linkup_backend/internal/util"
	"linkup_backend/pkg/monitoring"
	"linkup_backend/pkg/tracing"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// ChatStore 会话与消息存储
type ChatStore interface {
	FindConversationByPair(ctx context.Context, a, b uint) (*model.Conversation, error)
	CreateConversation(ctx context.Context, a, b uint) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListUserConversations(ctx context.Context, userID uint) ([]model.Conversation, error)
	UnreadCounts(ctx context.Context, userID uint, convIDs []string) (map[string]int64, error)
	ListMessages(ctx context.Context, convID string) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	AppendMessage(ctx context.Context, convID string, senderID uint, content string) (*model.Message, error)
	UpdateMessageContent(ctx context.Context, msgID, content string, editedAt time.Time) error
	MarkRead(ctx context.Context, convID string, userID uint) ([]string, error)
	DeleteMessage(ctx context.Context, msg *model.Message) error
	DeleteConversation(ctx context.Context, convID string) error
}

// ConnectionChecker 开启会话前的关系校验，只读
type ConnectionChecker interface {
	IsConnected(ctx context.Context, a, b uint) (bool, error)
}

// Publisher 实时事件推送，失败只记录日志
type Publisher interface {
	PublishToUsers(ctx context.Context, userIDs []uint, eventType string, data interface{})
	PublishToRoom(ctx context.Context, convID string, eventType string, data interface{})
}

// defaultOpenTimeout 合并后的会话查找/创建的上限
const defaultOpenTimeout = 10 * time.Second

type ChatService struct {
	Store            ChatStore
	Connections      ConnectionChecker
	Publisher        Publisher
	MaxMessageLength int
	OpenTimeout      time.Duration

	group singleflight.Group
}

func NewChatService(store ChatStore, connections ConnectionChecker, publisher Publisher, maxMessageLength int) *ChatService {
	if maxMessageLength <= 0 {
		maxMessageLength = 2000
	}
	return &ChatService{
		Store:            store,
		Connections:      connections,
		Publisher:        publisher,
		MaxMessageLength: maxMessageLength,
	}
}

// MessageDeletedEvent messageDeleted 事件
type MessageDeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// MessagesReadEvent messagesRead 事件
type MessagesReadEvent struct {
	ConversationID string   `json:"conversationId"`
	UserID         uint     `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}

// ConversationDeletedEvent conversationDeleted 事件
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversationId"`
}

// OpenConversation 获取或创建与已连接用户的会话。
// 同进程内按用户对合并并发请求，跨进程依赖 pair_key 唯一索引
func (s *ChatService) OpenConversation(ctx context.Context, userID, otherID uint) (conv *model.Conversation, err error) {
	ctx, span := tracing.Start(ctx, "ChatService.OpenConversation", attribute.Int64("user.id", int64(userID)), attribute.Int64("other.id", int64(otherID)))
	defer func() { tracing.End(span, err) }()

	if otherID == 0 {
		return nil, util.ErrInvalidID
	}
	if userID == otherID {
		return nil, util.ErrSelfConversation
	}

	connected, err := s.Connections.IsConnected(ctx, userID, otherID)
	if err != nil {
		return nil, util.Storage("check connection", err)
	}
	if !connected {
		return nil, util.ErrNotConnected
	}

	// 合并后的调用脱离发起者的取消，各调用方只按自己的 ctx 放弃等待
	flight := s.group.DoChan(model.PairKey(userID, otherID), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.openTimeout())
		defer cancel()

		existing, err := s.Store.FindConversationByPair(shared, userID, otherID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return s.Store.CreateConversation(shared, userID, otherID)
	})

	select {
	case <-ctx.Done():
		return nil, util.Storage("open conversation", ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return nil, util.Storage("open conversation", res.Err)
		}
		return res.Val.(*model.Conversation), nil
	}
}

func (s *ChatService) openTimeout() time.Duration {
	if s.OpenTimeout > 0 {
		return s.OpenTimeout
	}
	return defaultOpenTimeout
}

// ListConversations 按最近活跃排序，参与者缺失的会话被过滤
func (s *ChatService) ListConversations(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	convs, err := s.Store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, util.Storage("list conversations", err)
	}

	ids := make([]string, 0, len(convs))
	for i := range convs {
		if convs[i].Resolved() {
			ids = append(ids, convs[i].ID)
		}
	}

	counts, err := s.Store.UnreadCounts(ctx, userID, ids)
	if err != nil {
		return nil, util.Storage("count unread", err)
	}

	result := make([]model.ConversationSummary, 0, len(ids))
	for i := range convs {
		conv := &convs[i]
		if !conv.Resolved() {
			continue
		}
		result = append(result, model.ConversationSummary{
			Conversation:  conv,
			OtherUser:     conv.OtherUser(userID),
			LatestMessage: conv.LatestMessage,
			UnreadCount:   counts[conv.ID],
		})
	}
	return result, nil
}

func (s *ChatService) participantConversation(ctx context.Context, convID string, userID uint) (*model.Conversation, error) {
	if convID == "" {
		return nil, util.ErrConversationNotFound
	}
	conv, err := s.Store.GetConversation(ctx, convID)
	if err != nil {
		return nil, util.Storage("get conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, util.ErrNotParticipant
	}
	return conv, nil
}

func (s *ChatService) ListMessages(ctx context.Context, userID uint, convID string) ([]model.Message, error) {
	if _, err := s.participantConversation(ctx, convID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.Store.ListMessages(ctx, convID)
	if err != nil {
		return nil, util.Storage("list messages", err)
	}
	return msgs, nil
}

func (s *ChatService) normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", util.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.MaxMessageLength {
		return "", util.ErrContentTooLong
	}
	return content, nil
}

// SendMessage 追加消息并推送给会话房间，推送失败不影响结果
func (s *ChatService) SendMessage(ctx context.Context, senderID uint, convID, content string) (msg *model.Message, err error) {
	ctx, span := tracing.Start(ctx, "ChatService.SendMessage", attribute.String("conversation.id", convID))
	defer func() { tracing.End(span, err) }()

	content, err = s.normalizeContent(content)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantConversation(ctx, convID, senderID); err != nil {
		return nil, err
	}

	msg, err = s.Store.AppendMessage(ctx, convID, senderID, content)
	if err != nil {
		return nil, util.Storage("append message", err)
	}
	monitoring.MessagesTotal.WithLabelValues("send").Inc()

	s.Publisher.PublishToRoom(ctx, convID, EventMessageReceived, msg)
	return msg, nil
}

// EditMessage 只有发送者可以修改内容，已读标记保留
func (s *ChatService) EditMessage(ctx context.Context, editorID uint, msgID, content string) (*model.Message, error) {
	content, err := s.normalizeContent(content)
	if err != nil {
		return nil, err
	}

	msg, err := s.Store.GetMessage(ctx, msgID)
	if err != nil {
		return nil, util.Storage("get message", err)
	}
	if msg.SenderID != editorID {
		return nil, util.ErrNotMessageSender
	}

	if err := s.Store.UpdateMessageContent(ctx, msgID, content, time.Now()); err != nil {
		return nil, util.Storage("edit message", err)
	}
	updated, err := s.Store.GetMessage(ctx, msgID)
	if err != nil {
		return nil, util.Storage("get message", err)
	}
	monitoring.MessagesTotal.WithLabelValues("edit").Inc()

	s.Publisher.PublishToRoom(ctx, updated.ConversationID, EventMessageUpdated, updated)
	return updated, nil
}

// MarkRead 标记对方发送的消息为已读，返回新标记的数量
func (s *ChatService) MarkRead(ctx context.Context, userID uint, convID string) (int, error) {
	if _, err := s.participantConversation(ctx, convID, userID); err != nil {
		return 0, err
	}

	ids, err := s.Store.MarkRead(ctx, convID, userID)
	if err != nil {
		return 0, util.Storage("mark read", err)
	}
	if len(ids) > 0 {
		monitoring.MessagesTotal.WithLabelValues("read").Add(float64(len(ids)))
		s.Publisher.PublishToRoom(ctx, convID, EventMessagesRead, MessagesReadEvent{
			ConversationID: convID,
			UserID:         userID,
			MessageIDs:     ids,
		})
	}
	return len(ids), nil
}

func (s *ChatService) DeleteMessage(ctx context.Context, requesterID uint, msgID string) error {
	msg, err := s.Store.GetMessage(ctx, msgID)
	if err != nil {
		return util.Storage("get message", err)
	}
	if msg.SenderID != requesterID {
		return util.ErrNotMessageSender
	}

	if err := s.Store.DeleteMessage(ctx, msg); err != nil {
		return util.Storage("delete message", err)
	}
	monitoring.MessagesTotal.WithLabelValues("delete").Inc()

	s.Publisher.PublishToRoom(ctx, msg.ConversationID, EventMessageDeleted, MessageDeletedEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	return nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, requesterID uint, convID string) error {
	if _, err := s.participantConversation(ctx, convID, requesterID); err != nil {
		return err
	}
	if err := s.Store.DeleteConversation(ctx, convID); err != nil {
		return util.Storage("delete conversation", err)
	}

	s.Publisher.PublishToRoom(ctx, convID, EventConversationDeleted, ConversationDeletedEvent{
		ConversationID: convID,
	})
	return nil
}

// IsParticipant joinChat 的成员校验
func (s *ChatService) IsParticipant(ctx context.Context, convID string, userID uint) (bool, error) {
	_, err := s.participantConversation(ctx, convID, userID)
	if err == nil {
		return true, nil
	}
	if util.CodeOf(err) == util.CodePermissionDenied {
		return false, nil
	}
	return false, err
}
