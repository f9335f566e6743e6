package repository

import (
	"context"
	"errors"
	"linkup_backend/internal/model"
	"linkup_backend/internal/util"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChatRepository struct {
	DB *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{DB: db}
}

const unreadCondition = "NOT EXISTS (SELECT 1 FROM message_reads WHERE message_reads.message_id = messages.id AND message_reads.user_id = ?)"

// FindConversationByPair 不存在时返回 (nil, nil)
func (r *ChatRepository) FindConversationByPair(ctx context.Context, a, b uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.DB.WithContext(ctx).
		Preload("UserA").Preload("UserB").
		Preload("LatestMessage.Sender").Preload("LatestMessage.Reads").
		Where("pair_key = ?", model.PairKey(a, b)).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation 在同一事务内共享锁定已接受的关系后插入，与 Remove 的级联删除互斥。
// 唯一索引冲突说明另一个请求已经创建，直接读回
func (r *ChatRepository) CreateConversation(ctx context.Context, a, b uint) (*model.Conversation, error) {
	lo, hi := model.OrderedPair(a, b)
	pairKey := model.PairKey(a, b)
	conv := &model.Conversation{
		UserAID: lo,
		UserBID: hi,
		PairKey: pairKey,
	}
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accepted int64
		err := tx.Model(&model.ConnectionRequest{}).
			Clauses(clause.Locking{Strength: "SHARE"}).
			Where("pair_key = ? AND status = ?", pairKey, model.StatusAccepted).
			Count(&accepted).Error
		if err != nil {
			return err
		}
		if accepted == 0 {
			return util.ErrNotConnected
		}
		return tx.Create(conv).Error
	})
	if errors.Is(err, util.ErrNotConnected) {
		return nil, err
	}
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}

	existing, err := r.FindConversationByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// 刚创建就被删除
		return nil, util.ErrConversationNotFound
	}
	return existing, nil
}

func (r *ChatRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.DB.WithContext(ctx).
		Preload("UserA").Preload("UserB").
		First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListUserConversations 按最近活跃倒序
func (r *ChatRepository) ListUserConversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.DB.WithContext(ctx).
		Preload("UserA").Preload("UserB").
		Preload("LatestMessage.Sender").Preload("LatestMessage.Reads").
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&convs).Error
	return convs, err
}

// UnreadCounts 一次分组查询统计各会话中对方发送且未读的消息数
func (r *ChatRepository) UnreadCounts(ctx context.Context, userID uint, convIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(convIDs))
	if len(convIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		ConversationID string
		Count          int64
	}
	err := r.DB.WithContext(ctx).Model(&model.Message{}).
		Select("messages.conversation_id, COUNT(*) AS count").
		Where("messages.conversation_id IN ? AND messages.sender_id <> ?", convIDs, userID).
		Where(unreadCondition, userID).
		Group("messages.conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.ConversationID] = row.Count
	}
	return counts, nil
}

func (r *ChatRepository) ListMessages(ctx context.Context, convID string) ([]model.Message, error) {
	var msgs []model.Message
	err := r.DB.WithContext(ctx).
		Preload("Sender").Preload("Reads").
		Where("conversation_id = ?", convID).
		Order("seq ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *ChatRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.DB.WithContext(ctx).
		Preload("Sender").Preload("Reads").
		First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, util.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// AppendMessage 递增会话序号、插入消息、更新最新消息指针，三步在同一事务内完成
func (r *ChatRepository) AppendMessage(ctx context.Context, convID string, senderID uint, content string) (*model.Message, error) {
	msg := &model.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Conversation{}).
			Where("id = ?", convID).
			UpdateColumn("message_seq", gorm.Expr("message_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return util.ErrConversationNotFound
		}

		var seqs []uint64
		if err := tx.Model(&model.Conversation{}).Where("id = ?", convID).Pluck("message_seq", &seqs).Error; err != nil {
			return err
		}
		if len(seqs) == 0 {
			return util.ErrConversationNotFound
		}
		msg.Seq = seqs[0]

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&model.Conversation{}).
			Where("id = ?", convID).
			UpdateColumns(map[string]interface{}{
				"latest_message_id": msg.ID,
				"updated_at":        msg.CreatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	return r.GetMessage(ctx, msg.ID)
}

func (r *ChatRepository) UpdateMessageContent(ctx context.Context, msgID, content string, editedAt time.Time) error {
	res := r.DB.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", msgID).
		UpdateColumns(map[string]interface{}{
			"content":    content,
			"edited_at":  editedAt,
			"updated_at": editedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return util.ErrMessageNotFound
	}
	return nil
}

// MarkRead 为用户尚未读过的对方消息插入已读标记，重复标记被忽略。
// 返回本次新标记的消息 ID
func (r *ChatRepository) MarkRead(ctx context.Context, convID string, userID uint) ([]string, error) {
	db := r.DB.WithContext(ctx)

	var ids []string
	err := db.Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", convID, userID).
		Where(unreadCondition, userID).
		Order("seq ASC").
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	now := time.Now()
	reads := make([]model.MessageRead, 0, len(ids))
	for _, id := range ids {
		reads = append(reads, model.MessageRead{MessageID: id, UserID: userID, ReadAt: now})
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// 并发的 MarkRead 已经全部标记
		return nil, nil
	}
	return ids, nil
}

// DeleteMessage 删除消息及其已读标记；若是最新消息，指针回退到上一条
func (r *ChatRepository) DeleteMessage(ctx context.Context, msg *model.Message) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", msg.ID).Delete(&model.MessageRead{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", msg.ID).Delete(&model.Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return util.ErrMessageNotFound
		}

		var conv model.Conversation
		err := tx.Select("id", "latest_message_id").First(&conv, "id = ?", msg.ConversationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if conv.LatestMessageID == nil || *conv.LatestMessageID != msg.ID {
			return nil
		}

		var prev []string
		err = tx.Model(&model.Message{}).
			Where("conversation_id = ?", msg.ConversationID).
			Order("seq DESC").
			Limit(1).
			Pluck("id", &prev).Error
		if err != nil {
			return err
		}
		var latest interface{}
		if len(prev) > 0 {
			latest = prev[0]
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conv.ID).
			UpdateColumn("latest_message_id", latest).Error
	})
}

// DeleteConversation 级联删除已读标记、消息和会话
func (r *ChatRepository) DeleteConversation(ctx context.Context, convID string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := deleteConversationTx(tx, convID)
		if err != nil {
			return err
		}
		if n == 0 {
			return util.ErrConversationNotFound
		}
		return nil
	})
}

// deleteConversationTx 按依赖顺序删除，须在事务内调用
func deleteConversationTx(tx *gorm.DB, convID string) (int64, error) {
	msgIDs := tx.Model(&model.Message{}).Select("id").Where("conversation_id = ?", convID)
	if err := tx.Where("message_id IN (?)", msgIDs).Delete(&model.MessageRead{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("conversation_id = ?", convID).Delete(&model.Message{}).Error; err != nil {
		return 0, err
	}
	res := tx.Where("id = ?", convID).Delete(&model.Conversation{})
	return res.RowsAffected, res.Error
}
