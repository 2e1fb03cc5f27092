package metrics

import (
	"context"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
)

// Repository maintains analytics counters kept on UserMessagingState
type Repository struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
	users  *userstate.Repository
}

// New returns new Repository
func New(logger *zap.SugaredLogger, store storage.Transactor, users *userstate.Repository) *Repository {
	return &Repository{logger: logger, store: store, users: users}
}

func (r *Repository) bump(ctx context.Context, uid int64, f func(s *model.UserMessagingState)) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		s, err := r.users.MessagingState(ctx, uid)
		if err != nil {
			return err
		}
		f(s)
		return r.users.SaveMessagingState(ctx, s)
	})
}

func (r *Repository) OnMessageSent(ctx context.Context, uid int64) error {
	return r.bump(ctx, uid, func(s *model.UserMessagingState) { s.MessagesSent++ })
}

func (r *Repository) OnMessageReceived(ctx context.Context, uid int64) error {
	return r.bump(ctx, uid, func(s *model.UserMessagingState) { s.MessagesReceived++ })
}

// OnChatCreated counts a new room of uid
func (r *Repository) OnChatCreated(ctx context.Context, uid int64) error {
	return r.bump(ctx, uid, func(s *model.UserMessagingState) { s.ChatsCount++ })
}

// OnDirectChatCreated counts a new private chat for both of its members
func (r *Repository) OnDirectChatCreated(ctx context.Context, uid1, uid2 int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, uid := range []int64{uid1, uid2} {
			err := r.bump(ctx, uid, func(s *model.UserMessagingState) {
				s.ChatsCount++
				s.DirectChatsCount++
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
