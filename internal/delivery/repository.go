package delivery

import (
	"context"
	"time"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"
	"teamchat-core/internal/watch"

	"go.uber.org/zap"
)

// Repository appends delivered changes to the per-user event log
type Repository struct {
	logger   *zap.SugaredLogger
	store    storage.Transactor
	users    *userstate.Repository
	notifier watch.Notifier
}

// NewRepository returns new Repository. A nil notifier disables change notifications.
func NewRepository(logger *zap.SugaredLogger, store storage.Transactor, users *userstate.Repository, notifier watch.Notifier) *Repository {
	return &Repository{logger: logger, store: store, users: users, notifier: notifier}
}

// Deliver appends ev to the log of ev.UserID, bumping the user's seq. Events moving the dialog
// up in the list also update the dialog date.
func (r *Repository) Deliver(ctx context.Context, ev *model.UserDialogEvent) error {
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := r.users.AppendEvent(ctx, ev); err != nil {
			return err
		}
		if ev.Kind == model.EventMessageReceived || ev.Kind == model.EventDialogBump {
			if err := r.touchDialog(ctx, ev.UserID, ev.ChatID, ev.Date); err != nil {
				return err
			}
		}
		watch.NotifyAfterCommit(ctx, r.logger, r.notifier, ev.UserID, ev.Seq)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Delivered %s of chat (id: %d) to user (id: %d) at seq %d", ev.Kind, ev.ChatID, ev.UserID, ev.Seq)

	return nil
}

func (r *Repository) touchDialog(ctx context.Context, uid, cid int64, date time.Time) error {
	s, err := r.users.DialogState(ctx, uid, cid)
	if err != nil {
		return err
	}
	s.Date = &date
	return r.users.SaveDialogState(ctx, s)
}
