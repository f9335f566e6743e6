package service

import (
	"context"
	"testing"

	"linkup_backend/internal/model"
	"linkup_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionService_SendRequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.users[0].ID

	tests := []struct {
		name   string
		to     uint
		status model.ConnectionStatus
		want   error
	}{
		{"decision used as intent", f.users[1].ID, model.StatusAccepted, util.ErrInvalidIntent},
		{"unknown status", f.users[1].ID, model.ConnectionStatus("blocked"), util.ErrInvalidIntent},
		{"self", alice, model.StatusInterested, util.ErrSelfRequest},
		{"missing target", 9999, model.StatusInterested, util.ErrTargetNotFound},
		{"zero target", 0, model.StatusInterested, util.ErrTargetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.connections.SendRequest(ctx, alice, tt.to, tt.status)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.pub.events)
}

func TestConnectionService_InterestedNotifiesTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	req, err := f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInterested, req.Status)

	events := f.pub.ofType(EventRequestReceived)
	require.Len(t, events, 1)
	assert.Equal(t, []uint{bob}, events[0].Users)
	pushed := events[0].Data.(*model.ConnectionRequest)
	require.NotNil(t, pushed.FromUser)
	assert.Equal(t, "alice", pushed.FromUser.Username)

	// 反方向同样被拦截
	_, err = f.connections.SendRequest(ctx, bob, alice, model.StatusInterested)
	assert.ErrorIs(t, err, util.ErrAlreadyRequested)
}

func TestConnectionService_IgnoredIsSilentAndReplaceable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	_, err := f.connections.SendRequest(ctx, alice, bob, model.StatusIgnored)
	require.NoError(t, err)
	assert.Empty(t, f.pub.ofType(EventRequestReceived))

	received, err := f.connections.ListReceived(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, received, "ignored is not a pending request")

	_, err = f.connections.SendRequest(ctx, bob, alice, model.StatusInterested)
	require.NoError(t, err)

	received, err = f.connections.ListReceived(ctx, alice)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, bob, received[0].FromUserID)
}

func TestConnectionService_ReviewRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID

	req, err := f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	require.NoError(t, err)

	_, err = f.connections.ReviewRequest(ctx, bob, req.ID, model.StatusInterested)
	assert.ErrorIs(t, err, util.ErrInvalidDecision)

	_, err = f.connections.ReviewRequest(ctx, carol, req.ID, model.StatusAccepted)
	assert.ErrorIs(t, err, util.ErrRequestNotFound, "only the recipient can review")

	_, err = f.connections.ReviewRequest(ctx, alice, req.ID, model.StatusAccepted)
	assert.ErrorIs(t, err, util.ErrRequestNotFound, "initiator cannot accept their own request")

	accepted, err := f.connections.ReviewRequest(ctx, bob, req.ID, model.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, accepted.Status)

	events := f.pub.ofType(EventConnectionAccepted)
	require.Len(t, events, 1)
	assert.Equal(t, []uint{alice}, events[0].Users)

	_, err = f.connections.ReviewRequest(ctx, bob, req.ID, model.StatusAccepted)
	assert.ErrorIs(t, err, util.ErrRequestNotFound, "no double accept")
	_, err = f.connections.ReviewRequest(ctx, bob, req.ID, model.StatusRejected)
	assert.ErrorIs(t, err, util.ErrRequestNotFound)
}

func TestConnectionService_ConnectionsAreSymmetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.users[0].ID, f.users[1].ID, f.users[2].ID

	f.connect(t, alice, bob)
	f.connect(t, carol, alice)

	list, err := f.connections.ListConnections(ctx, alice)
	require.NoError(t, err)
	names := []string{}
	for _, u := range list {
		names = append(names, u.Username)
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, names)

	list, err = f.connections.ListConnections(ctx, bob)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].ID)

	ids, err := f.connections.ConnectionIDs(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, []uint{alice}, ids)

	list, err = f.connections.ListConnections(ctx, 9999)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestConnectionService_RejectedAllowsRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	req, err := f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	require.NoError(t, err)
	_, err = f.connections.ReviewRequest(ctx, bob, req.ID, model.StatusRejected)
	require.NoError(t, err)
	assert.Empty(t, f.pub.ofType(EventConnectionAccepted))

	connected, err := f.connRepo.IsConnected(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, connected)

	_, err = f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	assert.NoError(t, err)
}

func TestConnectionService_RemoveConnectionCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	conv := f.openConversation(t, alice, bob)
	_, err := f.chat.SendMessage(ctx, alice, conv.ID, "hi")
	require.NoError(t, err)

	convID, err := f.connections.RemoveConnection(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, convID)

	removed := f.pub.ofType(EventConnectionRemoved)
	require.Len(t, removed, 2)
	assert.Equal(t, []uint{bob}, removed[0].Users)
	assert.Equal(t, ConnectionRemovedEvent{UserID: alice, ConversationID: conv.ID}, removed[0].Data)
	assert.Equal(t, []uint{alice}, removed[1].Users)
	assert.Equal(t, ConnectionRemovedEvent{UserID: bob, ConversationID: conv.ID}, removed[1].Data)

	deleted := f.pub.ofType(EventConversationDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, conv.ID, deleted[0].Room)

	_, err = f.chat.ListMessages(ctx, alice, conv.ID)
	assert.ErrorIs(t, err, util.ErrConversationNotFound)
	_, err = f.chat.OpenConversation(ctx, alice, bob)
	assert.ErrorIs(t, err, util.ErrNotConnected)

	_, err = f.connections.RemoveConnection(ctx, bob, alice)
	assert.ErrorIs(t, err, util.ErrConnectionNotFound)

	// 解除后可以重新发起
	_, err = f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	assert.NoError(t, err)
}

func TestConnectionService_RemoveWithoutConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	_, err := f.connections.RemoveConnection(ctx, alice, alice)
	assert.ErrorIs(t, err, util.ErrConnectionNotFound)

	f.connect(t, alice, bob)
	convID, err := f.connections.RemoveConnection(ctx, alice, bob)
	require.NoError(t, err)
	assert.Empty(t, convID)
	assert.Empty(t, f.pub.ofType(EventConversationDeleted))
	assert.Len(t, f.pub.ofType(EventConnectionRemoved), 2)
}

func TestConnectionService_PendingRequestMustBeRemovedByReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.users[0].ID, f.users[1].ID

	_, err := f.connections.SendRequest(ctx, alice, bob, model.StatusInterested)
	require.NoError(t, err)

	_, err = f.connections.RemoveConnection(ctx, alice, bob)
	assert.ErrorIs(t, err, util.ErrConnectionNotFound, "only accepted relations can be removed")
}
