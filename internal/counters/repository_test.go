package counters

import (
	"context"
	"testing"

	"teamchat-core/internal/messages"
	"teamchat-core/internal/model"
	"teamchat-core/internal/notify"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	reader = int64(1)
	author = int64(2)
	chat   = int64(100)
)

type fixture struct {
	repo     *Repository
	users    *userstate.Repository
	messages *messages.Repository
	mediator *Mediator
	sink     *notify.MemorySink
}

func bootstrap(t *testing.T, opts ...Option) *fixture {
	logger := zap.NewNop().Sugar()
	store := storage.NewMemoryStore()
	users := userstate.New(logger, store)
	msgs := messages.New(logger, store)
	repo := NewRepository(logger, store, users, msgs, opts...)
	sink := notify.NewMemorySink()
	return &fixture{
		repo:     repo,
		users:    users,
		messages: msgs,
		mediator: NewMediator(logger, store, repo, users, sink),
		sink:     sink,
	}
}

func (f *fixture) send(t *testing.T, mentions ...int64) *model.Message {
	m, err := f.messages.CreateMessage(context.Background(), chat, author, model.MessageInput{Text: "hello", Mentions: mentions})
	require.NoError(t, err)
	return m
}

func (f *fixture) receive(t *testing.T, m *model.Message) *ReceiveResult {
	res, err := f.repo.OnMessageReceived(context.Background(), reader, m)
	require.NoError(t, err)
	return res
}

func (f *fixture) read(t *testing.T, m *model.Message) *ReadResult {
	res, err := f.repo.OnMessageRead(context.Background(), reader, chat, m.ID)
	require.NoError(t, err)
	return res
}

func (f *fixture) state(t *testing.T) (*model.UserDialogState, *model.UserMessagingState) {
	local, err := f.users.DialogState(context.Background(), reader, chat)
	require.NoError(t, err)
	global, err := f.users.MessagingState(context.Background(), reader)
	require.NoError(t, err)
	return local, global
}

func TestReceiveIsIdempotent(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1 := f.send(t)

	require.Equal(t, int64(1), f.receive(t, m1).Delta)
	require.Equal(t, int64(0), f.receive(t, m1).Delta)

	local, global := f.state(t)
	require.Equal(t, int64(1), local.Unread)
	require.Equal(t, int64(1), global.Unread)
}

func TestReceiveWithoutGuardCountsRedelivery(t *testing.T) {
	t.Parallel()

	f := bootstrap(t, WithHandledMessageGuard(false))
	m1 := f.send(t)

	require.Equal(t, int64(1), f.receive(t, m1).Delta)
	require.Equal(t, int64(1), f.receive(t, m1).Delta)

	// a read recount heals the drift
	require.Equal(t, int64(-2), f.read(t, m1).Delta)
	local, global := f.state(t)
	require.Equal(t, int64(0), local.Unread)
	require.Equal(t, int64(0), global.Unread)
}

func TestReceiveAfterDeleteIsNoop(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	m1 := f.send(t, reader)

	deleted, err := f.messages.DeleteMessage(ctx, m1.ID)
	require.NoError(t, err)
	delta, err := f.repo.OnMessageDeleted(ctx, reader, deleted)
	require.NoError(t, err)
	require.Equal(t, int64(0), delta)

	// the copy loaded before the delete
	res := f.receive(t, m1)
	require.Equal(t, int64(0), res.Delta)
	require.False(t, res.SetMention)

	local, global := f.state(t)
	require.Equal(t, int64(0), local.Unread)
	require.False(t, local.HaveMention)
	require.Equal(t, int64(0), global.Unread)
}

func TestReceiveSkipsOwnAndDeleted(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1 := f.send(t)

	res, err := f.repo.OnMessageReceived(context.Background(), author, m1)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Delta)

	deleted, err := f.messages.DeleteMessage(context.Background(), m1.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), f.receive(t, deleted).Delta)
}

func TestReadAfterReceiveOutOfOrder(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2, m3 := f.send(t), f.send(t), f.send(t)

	require.Equal(t, int64(1), f.receive(t, m1).Delta)
	require.Equal(t, int64(-1), f.read(t, m3).Delta)
	require.Equal(t, int64(0), f.receive(t, m2).Delta)
	require.Equal(t, int64(0), f.receive(t, m3).Delta)

	local, global := f.state(t)
	require.Equal(t, int64(0), local.Unread)
	require.Equal(t, m3.ID, *local.ReadMessageID)
	require.Equal(t, int64(0), global.Unread)
}

func TestReadPositionIsMonotonic(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2, m3 := f.send(t), f.send(t), f.send(t)
	for _, m := range []*model.Message{m1, m2, m3} {
		f.receive(t, m)
	}

	require.Equal(t, int64(-2), f.read(t, m2).Delta)
	require.Equal(t, ReadResult{}, *f.read(t, m1))

	local, _ := f.state(t)
	require.Equal(t, m2.ID, *local.ReadMessageID)
	require.Equal(t, int64(1), local.Unread)
}

func TestMentionLifecycle(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2, m3 := f.send(t, reader), f.send(t), f.send(t, reader)

	require.True(t, f.receive(t, m1).SetMention)
	require.False(t, f.receive(t, m2).SetMention)
	require.False(t, f.receive(t, m3).SetMention)

	res := f.read(t, m1)
	require.Equal(t, int64(-1), res.Delta)
	require.False(t, res.MentionReset)
	local, _ := f.state(t)
	require.True(t, local.HaveMention)

	res = f.read(t, m3)
	require.Equal(t, int64(-2), res.Delta)
	require.True(t, res.MentionReset)
	local, _ = f.state(t)
	require.False(t, local.HaveMention)
}

func TestDeleteUnreadMessage(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2 := f.send(t), f.send(t, reader)
	f.receive(t, m1)
	f.receive(t, m2)

	deleted, err := f.messages.DeleteMessage(context.Background(), m2.ID)
	require.NoError(t, err)
	delta, err := f.repo.OnMessageDeleted(context.Background(), reader, deleted)
	require.NoError(t, err)
	require.Equal(t, int64(-1), delta)

	local, global := f.state(t)
	require.Equal(t, int64(1), local.Unread)
	require.False(t, local.HaveMention)
	require.Equal(t, int64(1), global.Unread)

	// second delivery of the same deletion is ignored
	delta, err = f.repo.OnMessageDeleted(context.Background(), reader, deleted)
	require.NoError(t, err)
	require.Equal(t, int64(0), delta)
}

func TestRecountMarksPendingDeliveries(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2 := f.send(t), f.send(t)
	f.receive(t, m1)

	require.Equal(t, int64(0), f.read(t, m1).Delta)
	local, _ := f.state(t)
	require.Equal(t, int64(1), local.Unread)

	// m2 was counted by the recount before its delivery arrived
	require.Equal(t, int64(0), f.receive(t, m2).Delta)
	local, _ = f.state(t)
	require.Equal(t, int64(1), local.Unread)
}

func TestMuteMovesUnreadOutOfGlobal(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	f.receive(t, f.send(t))
	f.receive(t, f.send(t))

	delta, err := f.repo.OnDialogMuteChange(ctx, reader, chat, true)
	require.NoError(t, err)
	require.Equal(t, int64(-2), delta)

	f.receive(t, f.send(t))
	local, global := f.state(t)
	require.Equal(t, int64(3), local.Unread)
	require.Equal(t, int64(0), global.Unread)

	delta, err = f.repo.OnDialogMuteChange(ctx, reader, chat, true)
	require.NoError(t, err)
	require.Equal(t, int64(0), delta)

	delta, err = f.repo.OnDialogMuteChange(ctx, reader, chat, false)
	require.NoError(t, err)
	require.Equal(t, int64(3), delta)
	_, global = f.state(t)
	require.Equal(t, int64(3), global.Unread)
}

func TestDialogDeleted(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	m1, m2 := f.send(t, reader), f.send(t)
	f.receive(t, m1)
	f.receive(t, m2)

	delta, err := f.repo.OnDialogDeleted(context.Background(), reader, chat)
	require.NoError(t, err)
	require.Equal(t, int64(-2), delta)

	local, global := f.state(t)
	require.Equal(t, int64(0), local.Unread)
	require.False(t, local.HaveMention)
	require.Equal(t, m2.ID, *local.ReadMessageID)
	require.Equal(t, int64(0), global.Unread)

	require.Equal(t, int64(0), f.receive(t, m1).Delta)
}

func TestMediatorTriggers(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()
	m1 := f.send(t, reader)

	snap, err := f.mediator.OnMessageReceived(ctx, reader, m1)
	require.NoError(t, err)
	require.Equal(t, &Snapshot{Delta: 1, Unread: 1, AllUnread: 1, HaveMention: true}, snap)

	_, err = f.mediator.OnMessageReceived(ctx, reader, m1)
	require.NoError(t, err)

	snap, err = f.mediator.OnMessageRead(ctx, reader, chat, m1.ID)
	require.NoError(t, err)
	require.Equal(t, &Snapshot{Delta: -1}, snap)

	triggers := f.sink.Triggers()
	require.Len(t, triggers, 2)
	require.Equal(t, notify.KindMention, triggers[0].Kind)
	require.Equal(t, notify.KindCounterChanged, triggers[1].Kind)
	require.Equal(t, int64(0), triggers[1].AllUnread)
}
