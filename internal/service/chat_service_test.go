package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linkup_backend/internal/model"
	"linkup_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatService_OpenConversationRequiresConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	_, err := f.chat.OpenConversation(ctx, alice, bob)
	assert.ErrorIs(t, err, util.ErrNotConnected)

	_, err = f.chat.OpenConversation(ctx, alice, alice)
	assert.ErrorIs(t, err, util.ErrSelfConversation)

	_, err = f.chat.OpenConversation(ctx, alice, 0)
	assert.ErrorIs(t, err, util.ErrInvalidID)

	// 待定请求不足以开启会话
	_, err = f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	require.NoError(t, err)
	_, err = f.chat.OpenConversation(ctx, bob, alice)
	assert.ErrorIs(t, err, util.ErrNotConnected)
}

func TestChatService_OpenConversationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	conv := f.openConversation(t, alice, bob)
	require.Len(t, conv.Participants, 2)

	again, err := f.chat.OpenConversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestChatService_ConcurrentOpenConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID
	f.connect(t, alice, bob)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 0 {
				from, to = bob, alice
			}
			conv, err := f.chat.OpenConversation(ctx, from, to)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, f.db.Model(&model.Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// pausedStore 在 FindConversationByPair 中阻塞，直到 release 关闭
type pausedStore struct {
	ChatStore
	entered     chan struct{}
	release     chan struct{}
	enteredOnce sync.Once
	lookups     atomic.Int32
}

func newPausedStore() *pausedStore {
	return &pausedStore{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *pausedStore) FindConversationByPair(ctx context.Context, a, b uint) (*model.Conversation, error) {
	s.lookups.Add(1)
	s.enteredOnce.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pausedStore) CreateConversation(ctx context.Context, a, b uint) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &model.Conversation{UUIDBase: model.UUIDBase{ID: "conv-1"}, PairKey: model.PairKey(a, b)}, nil
}

type connectedChecker struct{}

func (connectedChecker) IsConnected(context.Context, uint, uint) (bool, error) { return true, nil }

func TestChatService_OpenConversationSurvivesCancelledPeer(t *testing.T) {
	store := newPausedStore()
	svc := NewChatService(store, connectedChecker{}, &recordingPublisher{}, 0)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.OpenConversation(firstCtx, 1, 2)
		firstErr <- err
	}()
	<-store.entered

	type result struct {
		conv *model.Conversation
		err  error
	}
	second := make(chan result, 1)
	go func() {
		conv, err := svc.OpenConversation(context.Background(), 2, 1)
		second <- result{conv, err}
	}()
	// 等第二个调用加入同一次合并调用
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.Equal(t, util.CodeUnavailable, util.CodeOf(err))
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(store.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "conv-1", res.conv.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), store.lookups.Load())
}

func TestChatService_OpenConversationSharedTimeout(t *testing.T) {
	store := newPausedStore()
	svc := NewChatService(store, connectedChecker{}, &recordingPublisher{}, 0)
	svc.OpenTimeout = 50 * time.Millisecond

	_, err := svc.OpenConversation(context.Background(), 1, 2)
	assert.Equal(t, util.CodeUnavailable, util.CodeOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestChatService_SendMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID
	conv := f.openConversation(t, alice, bob)

	msg, err := f.chat.SendMessage(ctx, alice, conv.ID, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, alice, msg.SenderID)
	assert.Empty(t, msg.ReadBy)

	received := f.pub.ofType(EventMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, conv.ID, received[0].Room)

	t.Run("validation", func(t *testing.T) {
		_, err := f.chat.SendMessage(ctx, alice, conv.ID, "   ")
		assert.ErrorIs(t, err, util.ErrEmptyContent)

		_, err = f.chat.SendMessage(ctx, alice, conv.ID, strings.Repeat("x", 21))
		assert.ErrorIs(t, err, util.ErrContentTooLong)

		// 按字符计数
		_, err = f.chat.SendMessage(ctx, alice, conv.ID, strings.Repeat("你", 20))
		assert.NoError(t, err)
	})

	t.Run("outsider", func(t *testing.T) {
		_, err := f.chat.SendMessage(ctx, carol, conv.ID, "hi")
		assert.ErrorIs(t, err, util.ErrNotParticipant)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		_, err := f.chat.SendMessage(ctx, alice, "missing", "hi")
		assert.ErrorIs(t, err, util.ErrConversationNotFound)
	})
}

func TestChatService_UnreadAccounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID
	conv := f.openConversation(t, alice, bob)

	unread := func(userID uint) int64 {
		t.Helper()
		list, err := f.chat.ListConversations(ctx, userID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		return list[0].UnreadCount
	}

	_, err := f.chat.SendMessage(ctx, alice, conv.ID, "one")
	require.NoError(t, err)
	last, err := f.chat.SendMessage(ctx, alice, conv.ID, "two")
	require.NoError(t, err)

	assert.Equal(t, int64(2), unread(bob))
	assert.Equal(t, int64(0), unread(alice), "own messages are never unread")

	list, err := f.chat.ListConversations(ctx, bob)
	require.NoError(t, err)
	require.NotNil(t, list[0].OtherUser)
	assert.Equal(t, alice, list[0].OtherUser.ID)
	require.NotNil(t, list[0].LatestMessage)
	assert.Equal(t, last.ID, list[0].LatestMessage.ID)

	n, err := f.chat.MarkRead(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(0), unread(bob))

	read := f.pub.ofType(EventMessagesRead)
	require.Len(t, read, 1)
	evt := read[0].Data.(MessagesReadEvent)
	assert.Equal(t, bob, evt.UserID)
	assert.Len(t, evt.MessageIDs, 2)

	n, err = f.chat.MarkRead(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.pub.ofType(EventMessagesRead), 1, "nothing new to mark")

	_, err = f.chat.SendMessage(ctx, alice, conv.ID, "three")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread(bob))

	msgs, err := f.chat.ListMessages(ctx, bob, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].IsReadBy(bob))
	assert.False(t, msgs[2].IsReadBy(bob))
}

func TestChatService_EditMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID
	conv := f.openConversation(t, alice, bob)

	msg, err := f.chat.SendMessage(ctx, alice, conv.ID, "helo")
	require.NoError(t, err)
	_, err = f.chat.MarkRead(ctx, bob, conv.ID)
	require.NoError(t, err)

	_, err = f.chat.EditMessage(ctx, bob, msg.ID, "hijack")
	assert.ErrorIs(t, err, util.ErrNotMessageSender)

	_, err = f.chat.EditMessage(ctx, alice, msg.ID, " ")
	assert.ErrorIs(t, err, util.ErrEmptyContent)

	_, err = f.chat.EditMessage(ctx, alice, "missing", "hello")
	assert.ErrorIs(t, err, util.ErrMessageNotFound)

	edited, err := f.chat.EditMessage(ctx, alice, msg.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	assert.NotNil(t, edited.EditedAt)
	assert.Equal(t, []uint{bob}, edited.ReadBy, "edit keeps read marks")

	updated := f.pub.ofType(EventMessageUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, conv.ID, updated[0].Room)
}

func TestChatService_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID
	conv := f.openConversation(t, alice, bob)

	first, err := f.chat.SendMessage(ctx, alice, conv.ID, "first")
	require.NoError(t, err)
	second, err := f.chat.SendMessage(ctx, bob, conv.ID, "second")
	require.NoError(t, err)

	err = f.chat.DeleteMessage(ctx, alice, second.ID)
	assert.ErrorIs(t, err, util.ErrNotMessageSender)

	require.NoError(t, f.chat.DeleteMessage(ctx, bob, second.ID))
	deleted := f.pub.ofType(EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, MessageDeletedEvent{ConversationID: conv.ID, MessageID: second.ID}, deleted[0].Data)

	list, err := f.chat.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LatestMessage)
	assert.Equal(t, first.ID, list[0].LatestMessage.ID, "latest falls back to the previous message")

	err = f.chat.DeleteMessage(ctx, bob, second.ID)
	assert.ErrorIs(t, err, util.ErrMessageNotFound)
}

func TestChatService_DeleteConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID
	conv := f.openConversation(t, alice, bob)

	_, err := f.chat.SendMessage(ctx, alice, conv.ID, "bye")
	require.NoError(t, err)

	err = f.chat.DeleteConversation(ctx, carol, conv.ID)
	assert.ErrorIs(t, err, util.ErrNotParticipant)

	require.NoError(t, f.chat.DeleteConversation(ctx, bob, conv.ID))
	deleted := f.pub.ofType(EventConversationDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, conv.ID, deleted[0].Room)

	var messages int64
	require.NoError(t, f.db.Model(&model.Message{}).Count(&messages).Error)
	assert.Zero(t, messages)

	err = f.chat.DeleteConversation(ctx, bob, conv.ID)
	assert.ErrorIs(t, err, util.ErrConversationNotFound)

	// 关系仍在，可以重新开启
	reopened, err := f.chat.OpenConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, reopened.ID)
}

func TestChatService_ListConversationsSkipsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID
	f.openConversation(t, alice, bob)
	f.openConversation(t, alice, carol)

	require.NoError(t, f.db.Delete(&model.User{}, carol).Error)

	list, err := f.chat.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, bob, list[0].OtherUser.ID)
}

func TestChatService_IsParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID
	conv := f.openConversation(t, alice, bob)

	ok, err := f.chat.IsParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.chat.IsParticipant(ctx, conv.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.chat.IsParticipant(ctx, "missing", alice)
	assert.ErrorIs(t, err, util.ErrConversationNotFound)
}
