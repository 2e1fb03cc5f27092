package fastcounters

import (
	"context"
	"fmt"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"
)

// DialogCounter is an unread state of one dialog as shown to a user
type DialogCounter struct {
	ChatID      int64 `json:"cid"`
	Unread      int64 `json:"unread"`
	HaveMention bool  `json:"haveMention"`
	Muted       bool  `json:"muted"`
}

// CounterProvider answers counter queries of clients
type CounterProvider interface {
	FetchUserCounters(ctx context.Context, uid int64) ([]DialogCounter, error)
	FetchUserGlobalCounter(ctx context.Context, uid int64) (int64, error)
	FetchUserUnreadInChat(ctx context.Context, uid, cid int64) (int64, error)
	FetchUserMentionedInChat(ctx context.Context, uid, cid int64) (bool, error)
}

// GlobalCounter folds dialog counters according to t
func GlobalCounter(counters []DialogCounter, t model.GlobalCounterType) int64 {
	var total int64
	for _, c := range counters {
		if c.Muted && (t == model.CounterUnreadMessagesNoMuted || t == model.CounterUnreadChatsNoMuted) {
			continue
		}
		switch t {
		case model.CounterUnreadMessages, model.CounterUnreadMessagesNoMuted:
			total += c.Unread
		default:
			if c.Unread > 0 {
				total++
			}
		}
	}
	return total
}

// PrecalculatedProvider serves counters from the fast counters repository
type PrecalculatedProvider struct {
	store    storage.Transactor
	counters *Repository
	users    *userstate.Repository
	settings *Settings
}

func NewPrecalculatedProvider(store storage.Transactor, counters *Repository, users *userstate.Repository, settings *Settings) *PrecalculatedProvider {
	return &PrecalculatedProvider{store: store, counters: counters, users: users, settings: settings}
}

func (p *PrecalculatedProvider) FetchUserCounters(ctx context.Context, uid int64) ([]DialogCounter, error) {
	var out []DialogCounter
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := storage.CachedInTx(ctx, fmt.Sprintf("fast_counters:%d", uid), func() (interface{}, error) {
			counters, err := p.counters.UserCounters(ctx, uid)
			if err != nil {
				return nil, err
			}
			res := make([]DialogCounter, 0, len(counters))
			for _, c := range counters {
				muted, err := p.users.IsMuted(ctx, uid, c.ChatID)
				if err != nil {
					return nil, err
				}
				res = append(res, DialogCounter{ChatID: c.ChatID, Unread: c.Unread, HaveMention: c.Mentioned, Muted: muted})
			}
			return res, nil
		})
		if err != nil {
			return err
		}
		out = v.([]DialogCounter)
		return nil
	})
	return out, err
}

// FetchUserGlobalCounter folds every dialog counter according to the type selected by uid.
// Concurrent calls for the same user inside one transaction compute it once.
func (p *PrecalculatedProvider) FetchUserGlobalCounter(ctx context.Context, uid int64) (int64, error) {
	var total int64
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		unlock := storage.LockInTx(ctx, fmt.Sprintf("global_counter:%d", uid))
		defer unlock()

		t, err := p.settings.GlobalCounterType(ctx, uid)
		if err != nil {
			return err
		}
		counters, err := p.FetchUserCounters(ctx, uid)
		if err != nil {
			return err
		}
		total = GlobalCounter(counters, t)
		return nil
	})
	return total, err
}

func (p *PrecalculatedProvider) FetchUserUnreadInChat(ctx context.Context, uid, cid int64) (int64, error) {
	c, err := p.counters.UserChatCounter(ctx, uid, cid)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Unread, nil
}

func (p *PrecalculatedProvider) FetchUserMentionedInChat(ctx context.Context, uid, cid int64) (bool, error) {
	c, err := p.counters.UserChatCounter(ctx, uid, cid)
	if err != nil || c == nil {
		return false, err
	}
	return c.Mentioned, nil
}

// DialogStateProvider serves counters maintained incrementally in dialog states
type DialogStateProvider struct {
	store    storage.Transactor
	users    *userstate.Repository
	settings *Settings
}

func NewDialogStateProvider(store storage.Transactor, users *userstate.Repository, settings *Settings) *DialogStateProvider {
	return &DialogStateProvider{store: store, users: users, settings: settings}
}

func (p *DialogStateProvider) FetchUserCounters(ctx context.Context, uid int64) ([]DialogCounter, error) {
	var out []DialogCounter
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		dialogs, err := p.users.Dialogs(ctx, uid)
		if err != nil {
			return err
		}
		out = make([]DialogCounter, 0, len(dialogs))
		for _, d := range dialogs {
			muted, err := p.users.IsMuted(ctx, uid, d.ChatID)
			if err != nil {
				return err
			}
			out = append(out, DialogCounter{ChatID: d.ChatID, Unread: d.Unread, HaveMention: d.HaveMention, Muted: muted})
		}
		return nil
	})
	return out, err
}

func (p *DialogStateProvider) FetchUserGlobalCounter(ctx context.Context, uid int64) (int64, error) {
	var total int64
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		t, err := p.settings.GlobalCounterType(ctx, uid)
		if err != nil {
			return err
		}
		counters, err := p.FetchUserCounters(ctx, uid)
		if err != nil {
			return err
		}
		total = GlobalCounter(counters, t)
		return nil
	})
	return total, err
}

func (p *DialogStateProvider) FetchUserUnreadInChat(ctx context.Context, uid, cid int64) (int64, error) {
	s, err := p.users.DialogState(ctx, uid, cid)
	if err != nil {
		return 0, err
	}
	return s.Unread, nil
}

func (p *DialogStateProvider) FetchUserMentionedInChat(ctx context.Context, uid, cid int64) (bool, error) {
	s, err := p.users.DialogState(ctx, uid, cid)
	if err != nil {
		return false, err
	}
	return s.HaveMention, nil
}
