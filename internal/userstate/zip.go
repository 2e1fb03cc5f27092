package userstate

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"

	"teamchat-core/internal/model"
)

var ErrBadCursor = errors.New("malformed updates cursor")

// Batch is one page of a zipped event log. Cursor is the seq of the last raw event read,
// so the next page starts strictly after it even when that event was zipped away.
type Batch struct {
	Items   []model.UserDialogEvent
	Cursor  int64
	HasMore bool
}

type zipKey struct {
	cid  int64
	kind model.DialogEventKind
}

// ZipUserDialogEvents keeps only the latest event for each (chat, kind) pair.
// Retained events keep their relative order. The result is a reduction of the log, not a replay.
func ZipUserDialogEvents(events []model.UserDialogEvent) []model.UserDialogEvent {
	latest := make(map[zipKey]int, len(events))
	for i, ev := range events {
		latest[zipKey{ev.ChatID, ev.Kind}] = i
	}

	out := make([]model.UserDialogEvent, 0, len(latest))
	for i, ev := range events {
		if latest[zipKey{ev.ChatID, ev.Kind}] == i {
			out = append(out, ev)
		}
	}
	return out
}

// ZipUpdatesAfter reads up to limit events after cursor and zips them
func (r *Repository) ZipUpdatesAfter(ctx context.Context, uid, after int64, limit int) (*Batch, error) {
	events, err := r.EventsAfter(ctx, uid, after, limit)
	if err != nil {
		return nil, err
	}

	b := &Batch{Cursor: after, Items: ZipUserDialogEvents(events)}
	if len(events) > 0 {
		b.Cursor = events[len(events)-1].Seq
	}
	b.HasMore = limit > 0 && len(events) == limit
	return b, nil
}

// ZipUpdatesInBatchesAfter calls fn for each zipped batch after cursor until the log is exhausted or fn fails
func (r *Repository) ZipUpdatesInBatchesAfter(ctx context.Context, uid, after int64, limit int, fn func(b *Batch) error) error {
	for {
		b, err := r.ZipUpdatesAfter(ctx, uid, after, limit)
		if err != nil {
			return err
		}
		if len(b.Items) > 0 {
			if err := fn(b); err != nil {
				return err
			}
		}
		if !b.HasMore {
			return nil
		}
		after = b.Cursor
	}
}

// ModernBatch is a Batch addressed with an opaque cursor
type ModernBatch struct {
	Items   []model.UserDialogEvent `json:"items"`
	Cursor  string                  `json:"next"`
	HasMore bool                    `json:"hasMore"`
}

// EncodeCursor returns opaque cursor pointing after seq
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// DecodeCursor parses cursor made by EncodeCursor. Empty cursor points at the beginning of the log.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrBadCursor
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrBadCursor
	}
	return seq, nil
}

// ZipUpdatesInBatchesAfterModern is ZipUpdatesInBatchesAfter over opaque cursors
func (r *Repository) ZipUpdatesInBatchesAfterModern(ctx context.Context, uid int64, cursor string, limit int, fn func(b *ModernBatch) error) error {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return err
	}
	return r.ZipUpdatesInBatchesAfter(ctx, uid, after, limit, func(b *Batch) error {
		return fn(&ModernBatch{Items: b.Items, Cursor: EncodeCursor(b.Cursor), HasMore: b.HasMore})
	})
}
