package fixer

import (
	"context"
	"sync"

	"teamchat-core/internal/counters"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Repository recomputes counters of a user from the messages themselves
type Repository struct {
	logger      *zap.SugaredLogger
	store       storage.Transactor
	users       *userstate.Repository
	messages    *messages.Repository
	concurrency int
}

// New returns new Repository. Concurrency limits the number of dialogs recounted in parallel.
func New(logger *zap.SugaredLogger, store storage.Transactor, users *userstate.Repository, msgs *messages.Repository, concurrency int) *Repository {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Repository{logger: logger, store: store, users: users, messages: msgs, concurrency: concurrency}
}

// Recount returns the number of messages unread by uid in cid and whether any of them mentions uid
func (r *Repository) Recount(ctx context.Context, uid, cid int64, readMessageID *int64) (int64, bool, error) {
	ids, mention, err := r.unread(ctx, uid, cid, readMessageID)
	return int64(len(ids)), mention, err
}

func (r *Repository) unread(ctx context.Context, uid, cid int64, readMessageID *int64) ([]int64, bool, error) {
	var after int64
	if readMessageID != nil {
		after = *readMessageID
	}
	msgs, err := r.messages.MessagesAfter(ctx, cid, after, 0)
	if err != nil {
		return nil, false, err
	}

	var ids []int64
	var mention bool
	for i := range msgs {
		m := &msgs[i]
		if m.Deleted || m.UserID == uid {
			continue
		}
		ids = append(ids, m.ID)
		mention = mention || m.HasMention(uid)
	}
	return ids, mention, nil
}

// FixUserCounters recounts every dialog of uid, each in its own transaction, and then the global counter.
// Failures are logged and reported as false.
func (r *Repository) FixUserCounters(ctx context.Context, uid int64) bool {
	dialogs, err := r.users.Dialogs(ctx, uid)
	if err != nil {
		r.logger.Errorf("Failed to list dialogs of user (id: %d): %v", uid, err)
		return false
	}

	var (
		mu      sync.Mutex
		fixed   int
		g, gctx = errgroup.WithContext(ctx)
	)
	g.SetLimit(r.concurrency)
	for _, d := range dialogs {
		cid := d.ChatID
		g.Go(func() error {
			changed, err := r.fixDialog(gctx, uid, cid)
			if err != nil {
				return err
			}
			if changed {
				mu.Lock()
				fixed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Errorf("Failed to fix dialogs of user (id: %d): %v", uid, err)
		return false
	}

	if err := r.fixGlobal(ctx, uid); err != nil {
		r.logger.Errorf("Failed to fix global counter of user (id: %d): %v", uid, err)
		return false
	}

	r.logger.Debugf("Fixed %d of %d dialogs of user (id: %d)", fixed, len(dialogs), uid)

	return true
}

func (r *Repository) fixDialog(ctx context.Context, uid, cid int64) (bool, error) {
	var changed bool
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false

		s, err := r.users.DialogState(ctx, uid, cid)
		if err != nil {
			return err
		}
		ids, mention, err := r.unread(ctx, uid, cid, s.ReadMessageID)
		if err != nil {
			return err
		}
		if err := r.markHandled(ctx, tx, uid, cid, ids); err != nil {
			return err
		}
		count := int64(len(ids))
		if s.Unread == count && s.HaveMention == mention {
			return nil
		}

		r.logger.Debugf("Dialog (id: %d) of user (id: %d) drifted: unread %d -> %d", cid, uid, s.Unread, count)

		changed = true
		s.Unread = count
		s.HaveMention = mention
		return r.users.SaveDialogState(ctx, s)
	})
	return changed, err
}

// markHandled marks counted messages handled, so their pending deliveries are not counted again
func (r *Repository) markHandled(ctx context.Context, tx storage.Tx, uid, cid int64, ids []int64) error {
	for _, mid := range ids {
		err := counters.HandledMessages.Set(ctx, tx, counters.HandledMessages.Key(uid, cid, mid),
			&model.HandledMessage{UserID: uid, ChatID: cid, MessageID: mid})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) fixGlobal(ctx context.Context, uid int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		dialogs, err := r.users.Dialogs(ctx, uid)
		if err != nil {
			return err
		}
		var total int64
		for _, d := range dialogs {
			muted, err := r.users.IsMuted(ctx, uid, d.ChatID)
			if err != nil {
				return err
			}
			if !muted {
				total += d.Unread
			}
		}

		global, err := r.users.MessagingState(ctx, uid)
		if err != nil {
			return err
		}
		if global.Unread == total {
			return nil
		}
		global.Unread = total
		return r.users.SaveMessagingState(ctx, global)
	})
}
