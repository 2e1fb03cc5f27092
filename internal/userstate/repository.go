package userstate

import (
	"context"
	"time"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

var (
	dialogStates    = storage.NewCollection[model.UserDialogState]("user_dialog")
	messagingStates = storage.NewCollection[model.UserMessagingState]("user_messaging")
	dialogEvents    = storage.NewCollection[model.UserDialogEvent]("user_dialog_event")
	dialogSettings  = storage.NewCollection[model.UserDialogSettings]("user_dialog_settings")
)

// Repository owns per-user and per-(user, chat) read state records. Records are created on first access.
type Repository struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
}

// New returns new Repository
func New(logger *zap.SugaredLogger, store storage.Transactor) *Repository {
	return &Repository{logger: logger, store: store}
}

// DialogState returns read state of chat cid for user uid, creating it with zero counters when absent
func (r *Repository) DialogState(ctx context.Context, uid, cid int64) (*model.UserDialogState, error) {
	var state *model.UserDialogState
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		key := dialogStates.Key(uid, cid)
		var err error
		state, err = dialogStates.Get(ctx, tx, key)
		if err != nil || state != nil {
			return err
		}
		state = &model.UserDialogState{UserID: uid, ChatID: cid}
		return dialogStates.Set(ctx, tx, key, state)
	})
	return state, err
}

// SaveDialogState writes state
func (r *Repository) SaveDialogState(ctx context.Context, state *model.UserDialogState) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return dialogStates.Set(ctx, tx, dialogStates.Key(state.UserID, state.ChatID), state)
	})
}

// Dialogs returns every dialog state of user ordered by chat id
func (r *Repository) Dialogs(ctx context.Context, uid int64) ([]model.UserDialogState, error) {
	var out []model.UserDialogState
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		entries, err := dialogStates.Range(ctx, tx, dialogStates.Key(uid), storage.RangeOptions{})
		if err != nil {
			return err
		}
		out = make([]model.UserDialogState, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}

// MessagingState returns global state of user, creating it when absent
func (r *Repository) MessagingState(ctx context.Context, uid int64) (*model.UserMessagingState, error) {
	var state *model.UserMessagingState
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		key := messagingStates.Key(uid)
		var err error
		state, err = messagingStates.Get(ctx, tx, key)
		if err != nil || state != nil {
			return err
		}
		state = &model.UserMessagingState{UserID: uid}
		return messagingStates.Set(ctx, tx, key, state)
	})
	return state, err
}

// Seq returns the event seq of uid, 0 for a user without messaging state. Nothing is written.
func (r *Repository) Seq(ctx context.Context, uid int64) (int64, error) {
	var seq int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := messagingStates.Get(ctx, tx, messagingStates.Key(uid))
		if err != nil || state == nil {
			return err
		}
		seq = state.Seq
		return nil
	})
	return seq, err
}

// SaveMessagingState writes state
func (r *Repository) SaveMessagingState(ctx context.Context, state *model.UserMessagingState) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return messagingStates.Set(ctx, tx, messagingStates.Key(state.UserID), state)
	})
}

// UsersAfter pages through ids of users having messaging state
func (r *Repository) UsersAfter(ctx context.Context, after int64, limit int) ([]int64, error) {
	var out []int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		opts := storage.RangeOptions{Limit: limit}
		if after > 0 {
			opts.After = messagingStates.Key(after)
		}
		entries, err := messagingStates.Range(ctx, tx, messagingStates.Key(), opts)
		if err != nil {
			return err
		}
		for _, e := range entries {
			out = append(out, e.Value.UserID)
		}
		return nil
	})
	return out, err
}

// DialogSettings returns settings of chat cid for user uid, zero settings when absent
func (r *Repository) DialogSettings(ctx context.Context, uid, cid int64) (*model.UserDialogSettings, error) {
	var settings *model.UserDialogSettings
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		settings, err = dialogSettings.Get(ctx, tx, dialogSettings.Key(uid, cid))
		if err != nil {
			return err
		}
		if settings == nil {
			settings = &model.UserDialogSettings{UserID: uid, ChatID: cid}
		}
		return nil
	})
	return settings, err
}

// IsMuted reports whether user muted chat
func (r *Repository) IsMuted(ctx context.Context, uid, cid int64) (bool, error) {
	s, err := r.DialogSettings(ctx, uid, cid)
	if err != nil {
		return false, err
	}
	return s.Mute, nil
}

// SetMute stores mute flag and reports whether it changed
func (r *Repository) SetMute(ctx context.Context, uid, cid int64, mute bool) (bool, error) {
	var changed bool
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		settings, err := r.DialogSettings(ctx, uid, cid)
		if err != nil {
			return err
		}
		if settings.Mute == mute {
			return nil
		}
		changed = true
		settings.Mute = mute
		return dialogSettings.Set(ctx, tx, dialogSettings.Key(uid, cid), settings)
	})
	return changed, err
}

// AppendEvent bumps user's seq and stores ev under it. Seq and Date of ev are assigned here.
func (r *Repository) AppendEvent(ctx context.Context, ev *model.UserDialogEvent) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		state, err := r.MessagingState(ctx, ev.UserID)
		if err != nil {
			return err
		}
		state.Seq++
		if err := messagingStates.Set(ctx, tx, messagingStates.Key(ev.UserID), state); err != nil {
			return err
		}
		ev.Seq = state.Seq
		ev.Date = time.Now()
		return dialogEvents.Set(ctx, tx, dialogEvents.Key(ev.UserID, ev.Seq), ev)
	})
}

// EventsAfter returns raw events of user with seq greater than after
func (r *Repository) EventsAfter(ctx context.Context, uid, after int64, limit int) ([]model.UserDialogEvent, error) {
	var out []model.UserDialogEvent
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		opts := storage.RangeOptions{Limit: limit}
		if after > 0 {
			opts.After = dialogEvents.Key(uid, after)
		}
		entries, err := dialogEvents.Range(ctx, tx, dialogEvents.Key(uid), opts)
		if err != nil {
			return err
		}
		out = make([]model.UserDialogEvent, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}
