package fixer

import (
	"context"
	"time"

	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// JobConfig controls the background sweep over all users
type JobConfig struct {
	Interval  time.Duration `env:"FIXER_INTERVAL" envDefault:"1h"`
	UsersRate float64       `env:"FIXER_USERS_PER_SECOND" envDefault:"50"`
	BatchSize int           `env:"FIXER_BATCH_SIZE" envDefault:"100"`
}

// Job periodically fixes counters of every user
type Job struct {
	logger  *zap.SugaredLogger
	fixer   *Repository
	users   *userstate.Repository
	cfg     JobConfig
	limiter *rate.Limiter
}

func NewJob(logger *zap.SugaredLogger, fixer *Repository, users *userstate.Repository, cfg JobConfig) *Job {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.UsersRate > 0 {
		limit = rate.Limit(cfg.UsersRate)
	}
	return &Job{logger: logger, fixer: fixer, users: users, cfg: cfg, limiter: rate.NewLimiter(limit, 1)}
}

// Sweep fixes every user once. A failure for one user never stops the sweep.
// It returns the number of users processed and the number of failures.
func (j *Job) Sweep(ctx context.Context) (int, int, error) {
	var processed, failed int
	var after int64
	for {
		ids, err := j.users.UsersAfter(ctx, after, j.cfg.BatchSize)
		if err != nil {
			return processed, failed, err
		}
		for _, uid := range ids {
			if err := j.limiter.Wait(ctx); err != nil {
				return processed, failed, err
			}
			processed++
			if !j.fixer.FixUserCounters(ctx, uid) {
				failed++
			}
			after = uid
		}
		if len(ids) < j.cfg.BatchSize {
			return processed, failed, nil
		}
	}
}

// Run sweeps every Interval until ctx is done
func (j *Job) Run(ctx context.Context) error {
	j.logger.Infof("Starting counters fixer, interval %s", j.cfg.Interval)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		processed, failed, err := j.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			j.logger.Errorf("Fixer sweep stopped: %v", err)
		} else {
			j.logger.Infof("Fixer sweep done: %d users, %d failed", processed, failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
