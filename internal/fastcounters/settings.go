package fastcounters

import (
	"context"
	"errors"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
)

var ErrBadCounterType = errors.New("unknown global counter type")

// DefaultGlobalCounterType is used for users without settings
const DefaultGlobalCounterType = model.CounterUnreadChatsNoMuted

var counterSettings = storage.NewCollection[model.UserCounterSettings]("user_counter_settings")

// Settings stores per-user counter preferences
type Settings struct {
	store storage.Transactor
}

func NewSettings(store storage.Transactor) *Settings {
	return &Settings{store: store}
}

// GlobalCounterType returns counter type selected by uid
func (s *Settings) GlobalCounterType(ctx context.Context, uid int64) (model.GlobalCounterType, error) {
	t := DefaultGlobalCounterType
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := counterSettings.Get(ctx, tx, counterSettings.Key(uid))
		if err != nil {
			return err
		}
		if v != nil && v.GlobalCounterType.Valid() {
			t = v.GlobalCounterType
		}
		return nil
	})
	return t, err
}

func (s *Settings) SetGlobalCounterType(ctx context.Context, uid int64, t model.GlobalCounterType) error {
	if !t.Valid() {
		return ErrBadCounterType
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return counterSettings.Set(ctx, tx, counterSettings.Key(uid), &model.UserCounterSettings{UserID: uid, GlobalCounterType: t})
	})
}
