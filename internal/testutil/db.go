// Package testutil 测试用的 sqlite 内存库与 miniredis
package testutil

import (
	"fmt"
	"testing"

	"linkup_backend/internal/model"
	"linkup_backend/pkg/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB 每个测试独立的共享缓存内存库，单连接保证事务串行
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// NewTestRedis 启动 miniredis 并返回客户端
func NewTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

// CreateUsers 按用户名批量创建用户
func CreateUsers(t *testing.T, db *gorm.DB, names ...string) []model.User {
	t.Helper()

	users := make([]model.User, 0, len(names))
	for _, name := range names {
		u := model.User{Username: name, Name: name, Email: name + "@linkup.test"}
		require.NoError(t, db.Create(&u).Error)
		users = append(users, u)
	}
	return users
}

// Connect 直接写入一条 accepted 关系
func Connect(t *testing.T, db *gorm.DB, a, b uint) {
	t.Helper()
	req := model.ConnectionRequest{
		FromUserID: a,
		ToUserID:   b,
		Status:     model.StatusAccepted,
		PairKey:    model.PairKey(a, b),
	}
	require.NoError(t, db.Create(&req).Error)
}
