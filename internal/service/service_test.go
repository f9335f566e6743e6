package service

import (
	"context"
	"sync"
	"testing"

	"linkup_backend/internal/model"
	"linkup_backend/internal/repository"
	"linkup_backend/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type publishedEvent struct {
	Users []uint
	Room  string
	Type  string
	Data  interface{}
}

// recordingPublisher 记录所有推送，供断言
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishToUsers(_ context.Context, userIDs []uint, eventType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Users: userIDs, Type: eventType, Data: data})
}

func (p *recordingPublisher) PublishToRoom(_ context.Context, convID string, eventType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Room: convID, Type: eventType, Data: data})
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db          *gorm.DB
	pub         *recordingPublisher
	connections *ConnectionService
	chat        *ChatService
	connRepo    *repository.ConnectionRepository
	users       []model.User
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	if len(names) == 0 {
		names = []string{"alice", "bob", "carol"}
	}
	db := testutil.NewTestDB(t)
	users := testutil.CreateUsers(t, db, names...)
	pub := &recordingPublisher{}
	connRepo := repository.NewConnectionRepository(db, nil)
	return &fixture{
		db:          db,
		pub:         pub,
		connRepo:    connRepo,
		connections: NewConnectionService(connRepo, repository.NewUserRepository(db), pub),
		chat:        NewChatService(repository.NewChatRepository(db), connRepo, pub, 20),
		users:       users,
	}
}

// connect 走完整的 interested -> accepted 流程
func (f *fixture) connect(t *testing.T, from, to uint) {
	t.Helper()
	ctx := context.Background()
	req, err := f.connections.SendRequest(ctx, from, to, model.StatusInterested)
	require.NoError(t, err)
	_, err = f.connections.ReviewRequest(ctx, to, req.ID, model.StatusAccepted)
	require.NoError(t, err)
}

func (f *fixture) openConversation(t *testing.T, a, b uint) *model.Conversation {
	t.Helper()
	f.connect(t, a, b)
	conv, err := f.chat.OpenConversation(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}
