package messages

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

func text(s string) model.MessageInput {
	return model.MessageInput{Text: s}
}

func TestCreateMessageSequences(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	m1, err := r.CreateMessage(ctx, 10, 1, text("a"))
	require.NoError(t, err)
	m2, err := r.CreateMessage(ctx, 20, 1, text("b"))
	require.NoError(t, err)
	m3, err := r.CreateMessage(ctx, 10, 2, text("c"))
	require.NoError(t, err)

	require.Equal(t, []int64{1, 2, 3}, []int64{m1.ID, m2.ID, m3.ID})
	require.Equal(t, []int64{1, 1, 2}, []int64{m1.Seq, m2.Seq, m3.Seq})

	seq, err := r.LastSeq(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)
}

func TestCreateMessageEmpty(t *testing.T) {
	t.Parallel()

	_, err := bootstrap(t).CreateMessage(context.Background(), 10, 1, model.MessageInput{})
	require.Equal(t, ErrEmptyMessage, err)
}

func TestEditAndDeleteMessage(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	m, err := r.CreateMessage(ctx, 10, 1, text("hello"))
	require.NoError(t, err)

	edited, err := r.EditMessage(ctx, m.ID, model.MessageInput{Text: "hello @bob", Mentions: []int64{2}}, true)
	require.NoError(t, err)
	require.True(t, edited.Edited)
	require.Equal(t, []int64{2}, edited.Mentions)

	deleted, err := r.DeleteMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, deleted.Deleted)

	_, err = r.DeleteMessage(ctx, m.ID)
	require.Equal(t, ErrMessageDeleted, err)
	_, err = r.EditMessage(ctx, m.ID, text("x"), true)
	require.Equal(t, ErrMessageDeleted, err)

	found, err := r.FindMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, found.Deleted)

	events, err := r.EventsAfter(ctx, 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, model.ConversationMessageReceived, events[0].Kind)
	require.Equal(t, model.ConversationMessageUpdated, events[1].Kind)
	require.Equal(t, model.ConversationMessageDeleted, events[2].Kind)
}

func TestEditMissingMessage(t *testing.T) {
	t.Parallel()

	_, err := bootstrap(t).EditMessage(context.Background(), 404, text("x"), true)
	require.Equal(t, ErrMessageNotFound, err)
}

func TestSetReaction(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	m, err := r.CreateMessage(ctx, 10, 1, text("hello"))
	require.NoError(t, err)

	m, err = r.SetReaction(ctx, m.ID, 2, "LIKE", false)
	require.NoError(t, err)
	m, err = r.SetReaction(ctx, m.ID, 2, "LIKE", false)
	require.NoError(t, err)
	require.Equal(t, []model.Reaction{{UserID: 2, Reaction: "LIKE"}}, m.Reactions)

	m, err = r.SetReaction(ctx, m.ID, 2, "LIKE", true)
	require.NoError(t, err)
	require.Empty(t, m.Reactions)
}

func TestMessagesAfterAndLatest(t *testing.T) {
	t.Parallel()

	r := bootstrap(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := r.CreateMessage(ctx, 10, 1, text("m"))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := r.CreateMessage(ctx, 11, 1, text("other chat"))
	require.NoError(t, err)

	after, err := r.MessagesAfter(ctx, 10, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, after, 3)
	require.Equal(t, ids[2], after[0].ID)

	_, err = r.DeleteMessage(ctx, ids[4])
	require.NoError(t, err)

	latest, err := r.LatestMessage(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, ids[3], latest.ID)

	none, err := r.LatestMessage(ctx, 99)
	require.NoError(t, err)
	require.Nil(t, none)
}
