package rooms

import (
	"context"
	"testing"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bootstrap(t *testing.T) *Repository {
	return New(zap.NewNop().Sugar(), storage.NewMemoryStore())
}

func TestPrivateChatIsIdempotent(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	c1, created, err := r.FindOrCreatePrivateChat(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, []int64{1, 2}, c1.Members)

	c2, created, err := r.FindOrCreatePrivateChat(ctx, 1, 2)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, c1.ID, c2.ID)

	_, _, err = r.FindOrCreatePrivateChat(ctx, 1, 1)
	require.Equal(t, ErrChatBadUsers, err)
}

func TestParticipants(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	room, err := r.CreateRoom(ctx, 1, "room", true)
	require.NoError(t, err)

	prev, err := r.SetParticipant(ctx, room.ID, 1, model.StatusJoined, model.RoleOwner, 0)
	require.NoError(t, err)
	require.Equal(t, model.ParticipantStatus(""), prev)
	_, err = r.SetParticipant(ctx, room.ID, 2, model.StatusJoined, "", 1)
	require.NoError(t, err)
	_, err = r.SetParticipant(ctx, room.ID, 3, model.StatusRequested, "", 0)
	require.NoError(t, err)

	prev, err = r.SetParticipant(ctx, room.ID, 2, model.StatusLeft, "", 0)
	require.NoError(t, err)
	require.Equal(t, model.StatusJoined, prev)

	members, err := r.JoinedMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, members)

	p, err := r.Participant(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Equal(t, model.RoleMember, p.Role)
	require.Equal(t, int64(1), p.InvitedBy)
}

func TestUpdateChat(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	room, err := r.CreateRoom(ctx, 1, "old", false)
	require.NoError(t, err)

	updated, err := r.UpdateChat(ctx, room.ID, func(c *model.Chat) { c.Title = "new" })
	require.NoError(t, err)
	require.Equal(t, "new", updated.Title)

	_, err = r.UpdateChat(ctx, 404, func(c *model.Chat) {})
	require.Equal(t, ErrChatNotExist, err)

	private, _, err := r.FindOrCreatePrivateChat(ctx, 1, 2)
	require.NoError(t, err)
	_, err = r.UpdateChat(ctx, private.ID, func(c *model.Chat) {})
	require.Equal(t, ErrNotRoom, err)
}
