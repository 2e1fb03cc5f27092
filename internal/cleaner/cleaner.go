package cleaner

import (
	"context"
	"time"

	"teamchat-core/internal/counters"
	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
)

// stateVersion is bumped whenever the layout of swept records changes; a stored state
// with another version restarts the sweep from the beginning.
const stateVersion = 1

const handledCleanerName = "user_dialog_handled"

var states = storage.NewCollection[model.EntityCleanerState]("entity_cleaner_state")

type Config struct {
	Interval  time.Duration `env:"CLEANER_INTERVAL" envDefault:"10m"`
	BatchSize int           `env:"CLEANER_BATCH_SIZE" envDefault:"1000"`
}

// Cleaner removes handled-message records which can no longer affect counters:
// those at or below the read position of their dialog.
type Cleaner struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
	users  *userstate.Repository
	cfg    Config
}

func New(logger *zap.SugaredLogger, store storage.Transactor, users *userstate.Repository, cfg Config) *Cleaner {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	return &Cleaner{logger: logger, store: store, users: users, cfg: cfg}
}

// Step processes one batch after the stored cursor. It returns the number of removed records
// and whether the sweep reached the end, in which case the cursor is reset.
func (c *Cleaner) Step(ctx context.Context) (int, bool, error) {
	var (
		deleted int
		done    bool
	)
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		deleted, done = 0, false

		state, err := c.state(ctx, tx)
		if err != nil {
			return err
		}

		records, err := counters.HandledMessages.Range(ctx, tx, counters.HandledMessages.Key(),
			storage.RangeOptions{After: state.Cursor, Limit: c.cfg.BatchSize})
		if err != nil {
			return err
		}

		dialogs := make(map[[2]int64]*model.UserDialogState)
		for _, rec := range records {
			h := rec.Value
			d, ok := dialogs[[2]int64{h.UserID, h.ChatID}]
			if !ok {
				d, err = c.users.DialogState(ctx, h.UserID, h.ChatID)
				if err != nil {
					return err
				}
				dialogs[[2]int64{h.UserID, h.ChatID}] = d
			}
			if d.IsUnread(h.MessageID) {
				continue
			}
			if err := counters.HandledMessages.Clear(ctx, tx, rec.Key); err != nil {
				return err
			}
			deleted++
		}

		if len(records) < c.cfg.BatchSize {
			done = true
			state.Cursor = nil
		} else {
			state.Cursor = records[len(records)-1].Key
		}
		state.DeletedCount += int64(deleted)
		return states.Set(ctx, tx, states.Key(handledCleanerName), state)
	})
	if err != nil {
		return 0, false, err
	}

	c.logger.Debugf("Cleaner removed %d handled records, done: %t", deleted, done)

	return deleted, done, nil
}

// Sweep runs steps until the end of the records is reached
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	var total int
	for {
		deleted, done, err := c.Step(ctx)
		if err != nil {
			return total, err
		}
		total += deleted
		if done {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// State returns the stored progress of the cleaner
func (c *Cleaner) State(ctx context.Context) (*model.EntityCleanerState, error) {
	var state *model.EntityCleanerState
	err := c.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		state, err = c.state(ctx, tx)
		return err
	})
	return state, err
}

func (c *Cleaner) state(ctx context.Context, tx storage.Tx) (*model.EntityCleanerState, error) {
	state, err := states.Get(ctx, tx, states.Key(handledCleanerName))
	if err != nil {
		return nil, err
	}
	if state == nil || state.Version != stateVersion {
		state = &model.EntityCleanerState{Name: handledCleanerName, Version: stateVersion}
	}
	return state, nil
}

// Run sweeps every Interval until ctx is done
func (c *Cleaner) Run(ctx context.Context) error {
	c.logger.Infof("Starting entity cleaner, interval %s", c.cfg.Interval)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		total, err := c.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Errorf("Cleaner sweep stopped: %v", err)
		} else if total > 0 {
			c.logger.Infof("Cleaner sweep removed %d records", total)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
