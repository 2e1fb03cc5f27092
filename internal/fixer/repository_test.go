package fixer

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"teamchat-core/internal/counters"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/model"
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
	users    *userstate.Repository
	messages *messages.Repository
	counters *counters.Repository
	fixer    *Repository
}

func bootstrap(t *testing.T, opts ...counters.Option) *fixture {
	logger := zap.NewNop().Sugar()
	store := storage.NewMemoryStore()
	users := userstate.New(logger, store)
	msgs := messages.New(logger, store)
	return &fixture{
		users:    users,
		messages: msgs,
		counters: counters.NewRepository(logger, store, users, msgs, opts...),
		fixer:    New(logger, store, users, msgs, 4),
	}
}

func (f *fixture) requireConsistent(t *testing.T, step int) {
	ctx := context.Background()
	local, err := f.users.DialogState(ctx, reader, chat)
	require.NoError(t, err)
	count, mention, err := f.fixer.Recount(ctx, reader, chat, local.ReadMessageID)
	require.NoError(t, err)
	require.Equal(t, count, local.Unread, "step %d", step)
	require.Equal(t, mention, local.HaveMention, "step %d", step)

	muted, err := f.users.IsMuted(ctx, reader, chat)
	require.NoError(t, err)
	global, err := f.users.MessagingState(ctx, reader)
	require.NoError(t, err)
	if muted {
		require.Equal(t, int64(0), global.Unread, "step %d", step)
	} else {
		require.Equal(t, local.Unread, global.Unread, "step %d", step)
	}
}

func TestIncrementalCountersMatchRecount(t *testing.T) {
	t.Parallel()

	for _, guard := range []bool{true, false} {
		guard := guard
		t.Run(fmt.Sprintf("guard=%t", guard), func(t *testing.T) {
			t.Parallel()

			f := bootstrap(t, counters.WithHandledMessageGuard(guard))
			ctx := context.Background()
			rnd := rand.New(rand.NewSource(42))
			var sent []*model.Message

			for step := 0; step < 300; step++ {
				switch op := rnd.Intn(10); {
				case op < 5 || len(sent) == 0:
					from := author
					if rnd.Intn(5) == 0 {
						from = reader
					}
					var mentions []int64
					if rnd.Intn(4) == 0 {
						mentions = []int64{reader}
					}
					m, err := f.messages.CreateMessage(ctx, chat, from, model.MessageInput{Text: "x", Mentions: mentions})
					require.NoError(t, err)
					sent = append(sent, m)
					_, err = f.counters.OnMessageReceived(ctx, reader, m)
					require.NoError(t, err)
				case op < 7:
					m := sent[rnd.Intn(len(sent))]
					_, err := f.counters.OnMessageRead(ctx, reader, chat, m.ID)
					require.NoError(t, err)
				case op < 9:
					m := sent[rnd.Intn(len(sent))]
					deleted, err := f.messages.DeleteMessage(ctx, m.ID)
					if err == messages.ErrMessageDeleted {
						continue
					}
					require.NoError(t, err)
					_, err = f.counters.OnMessageDeleted(ctx, reader, deleted)
					require.NoError(t, err)
				default:
					_, err := f.counters.OnDialogMuteChange(ctx, reader, chat, rnd.Intn(2) == 0)
					require.NoError(t, err)
				}
				f.requireConsistent(t, step)
			}
		})
	}
}

func TestFixRepairsDrift(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	m1, err := f.messages.CreateMessage(ctx, chat, author, model.MessageInput{Text: "one", Mentions: []int64{reader}})
	require.NoError(t, err)
	_, err = f.messages.CreateMessage(ctx, chat, author, model.MessageInput{Text: "two"})
	require.NoError(t, err)

	local, err := f.users.DialogState(ctx, reader, chat)
	require.NoError(t, err)
	mid := m1.ID
	local.ReadMessageID = &mid
	local.Unread = 42
	local.HaveMention = true
	require.NoError(t, f.users.SaveDialogState(ctx, local))

	require.True(t, f.fixer.FixUserCounters(ctx, reader))

	local, err = f.users.DialogState(ctx, reader, chat)
	require.NoError(t, err)
	require.Equal(t, int64(1), local.Unread)
	require.False(t, local.HaveMention)

	global, err := f.users.MessagingState(ctx, reader)
	require.NoError(t, err)
	require.Equal(t, int64(1), global.Unread)

	// counted messages are not counted again when their delivery arrives
	m3, err := f.messages.FindMessage(ctx, m1.ID+1)
	require.NoError(t, err)
	res, err := f.counters.OnMessageReceived(ctx, reader, m3)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Delta)
}

func TestJobSweepsAllUsers(t *testing.T) {
	t.Parallel()

	f := bootstrap(t)
	ctx := context.Background()

	_, err := f.messages.CreateMessage(ctx, chat, author, model.MessageInput{Text: "one"})
	require.NoError(t, err)
	for uid := int64(10); uid < 13; uid++ {
		_, err := f.users.MessagingState(ctx, uid)
		require.NoError(t, err)
		_, err = f.users.DialogState(ctx, uid, chat)
		require.NoError(t, err)
	}

	job := NewJob(zap.NewNop().Sugar(), f.fixer, f.users, JobConfig{BatchSize: 2})
	processed, failed, err := job.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, processed)
	require.Equal(t, 0, failed)

	for uid := int64(10); uid < 13; uid++ {
		s, err := f.users.DialogState(ctx, uid, chat)
		require.NoError(t, err)
		require.Equal(t, int64(1), s.Unread)
	}
}
