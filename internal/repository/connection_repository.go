package repository

import (
	"context"
	"errors"
	"fmt"
	"linkup_backend/internal/model"
	"linkup_backend/internal/util"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const connectionCacheTTL = 24 * time.Hour

type ConnectionRepository struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewConnectionRepository(db *gorm.DB, rdb *redis.Client) *ConnectionRepository {
	return &ConnectionRepository{
		DB:    db,
		Redis: rdb,
	}
}

func connectionsKey(userID uint) string {
	return fmt.Sprintf("linkup:relation:connections:%d", userID)
}

// FindByPair 查找一对用户之间的关系记录，不存在时返回 (nil, nil)
func (r *ConnectionRepository) FindByPair(ctx context.Context, a, b uint) (*model.ConnectionRequest, error) {
	return findPair(r.DB.WithContext(ctx), model.PairKey(a, b))
}

func findPair(db *gorm.DB, pairKey string) (*model.ConnectionRequest, error) {
	var req model.ConnectionRequest
	err := db.Where("pair_key = ?", pairKey).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// CreateRequest 在同一事务内检查旧记录：accepted/interested 阻止创建，ignored/rejected 先删除再插入
func (r *ConnectionRepository) CreateRequest(ctx context.Context, fromID, toID uint, status model.ConnectionStatus) (*model.ConnectionRequest, error) {
	pairKey := model.PairKey(fromID, toID)
	req := &model.ConnectionRequest{
		FromUserID: fromID,
		ToUserID:   toID,
		Status:     status,
		PairKey:    pairKey,
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findPair(tx, pairKey)
		if err != nil {
			return err
		}
		if existing != nil {
			switch existing.Status {
			case model.StatusAccepted:
				return util.ErrAlreadyConnected
			case model.StatusInterested:
				return util.ErrAlreadyRequested
			}
			// ignored / rejected 允许重新发起
			if err := tx.Where("id = ?", existing.ID).Delete(&model.ConnectionRequest{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(req).Error
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发插入同一对用户
		return nil, util.ErrAlreadyRequested
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Review 条件更新：只有接收者能处理仍为 interested 的请求
func (r *ConnectionRepository) Review(ctx context.Context, reviewerID uint, requestID string, decision model.ConnectionStatus) (*model.ConnectionRequest, error) {
	db := r.DB.WithContext(ctx)
	res := db.Model(&model.ConnectionRequest{}).
		Where("id = ? AND to_user_id = ? AND status = ?", requestID, reviewerID, model.StatusInterested).
		Updates(map[string]interface{}{
			"status":     decision,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, util.ErrRequestNotFound
	}

	var req model.ConnectionRequest
	if err := db.Preload("FromUser").Preload("ToUser").First(&req, "id = ?", requestID).Error; err != nil {
		return nil, err
	}

	if decision == model.StatusAccepted {
		r.invalidate(ctx, req.FromUserID, req.ToUserID)
	}
	return &req, nil
}

// ListReceived 待处理的请求，最新的在前
func (r *ConnectionRepository) ListReceived(ctx context.Context, userID uint) ([]model.ConnectionRequest, error) {
	var reqs []model.ConnectionRequest
	err := r.DB.WithContext(ctx).
		Preload("FromUser").
		Where("to_user_id = ? AND status = ?", userID, model.StatusInterested).
		Order("created_at DESC").
		Find(&reqs).Error
	return reqs, err
}

// ListConnections 返回已连接对方的资料，已删除的用户会被自动过滤
func (r *ConnectionRepository) ListConnections(ctx context.Context, userID uint) ([]model.User, error) {
	var users []model.User
	err := r.DB.WithContext(ctx).Model(&model.User{}).
		Joins("JOIN connection_requests ON (connection_requests.from_user_id = users.id AND connection_requests.to_user_id = ?) OR (connection_requests.to_user_id = users.id AND connection_requests.from_user_id = ?)", userID, userID).
		Where("connection_requests.status = ?", model.StatusAccepted).
		Order("connection_requests.updated_at DESC").
		Find(&users).Error
	return users, err
}

func (r *ConnectionRepository) IsConnected(ctx context.Context, a, b uint) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.ConnectionRequest{}).
		Where("pair_key = ? AND status = ?", model.PairKey(a, b), model.StatusAccepted).
		Count(&count).Error
	return count > 0, err
}

// ConnectionIDs 已连接用户的 ID 列表
func (r *ConnectionRepository) ConnectionIDs(ctx context.Context, userID uint) ([]uint, error) {
	var reqs []model.ConnectionRequest
	err := r.DB.WithContext(ctx).
		Select("from_user_id", "to_user_id").
		Where("(from_user_id = ? OR to_user_id = ?) AND status = ?", userID, userID, model.StatusAccepted).
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(reqs))
	for i := range reqs {
		ids = append(ids, reqs[i].Other(userID))
	}
	return ids, nil
}

// ConnectionIDsCached 获取已连接用户 ID 列表 (带缓存)
func (r *ConnectionRepository) ConnectionIDsCached(ctx context.Context, userID uint) ([]uint, error) {
	if r.Redis == nil {
		return r.ConnectionIDs(ctx, userID)
	}

	key := connectionsKey(userID)
	cached, err := r.Redis.SMembers(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		ids := make([]uint, 0, len(cached))
		for _, s := range cached {
			id, _ := strconv.ParseUint(s, 10, 64)
			if id > 0 {
				ids = append(ids, uint(id))
			}
		}
		return ids, nil
	}

	// 缓存失效，回源数据库
	ids, err := r.ConnectionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	pipe := r.Redis.Pipeline()
	if len(ids) > 0 {
		for _, id := range ids {
			pipe.SAdd(ctx, key, id)
		}
		pipe.Expire(ctx, key, connectionCacheTTL)
	} else {
		// 防止缓存穿透：0 作为占位，短过期
		pipe.SAdd(ctx, key, 0)
		pipe.Expire(ctx, key, 5*time.Minute)
	}
	pipe.Exec(ctx)
	return ids, nil
}

// Remove 删除已接受的关系，并在同一事务内级联删除会话、消息和已读标记。
// 返回被删除的会话 ID（没有会话时为空）
func (r *ConnectionRepository) Remove(ctx context.Context, userID, otherID uint) (string, error) {
	pairKey := model.PairKey(userID, otherID)
	var convID string

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("pair_key = ? AND status = ?", pairKey, model.StatusAccepted).Delete(&model.ConnectionRequest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return util.ErrConnectionNotFound
		}

		// 锁定读，能看到并发 CreateConversation 已提交的会话
		var conv model.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("pair_key = ?", pairKey).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		convID = conv.ID
		_, err = deleteConversationTx(tx, conv.ID)
		return err
	})
	if err != nil {
		return "", err
	}

	r.invalidate(ctx, userID, otherID)
	return convID, nil
}

func (r *ConnectionRepository) invalidate(ctx context.Context, ids ...uint) {
	if r.Redis == nil {
		return
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, connectionsKey(id))
	}
	r.Redis.Del(ctx, keys...)
}
