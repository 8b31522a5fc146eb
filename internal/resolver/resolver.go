package resolver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"matchsync/internal/metrics"
)

var (
	// ErrExhausted means the attempt or time budget ran out while the reference was still a challenge.
	ErrExhausted = errors.New("resolution budget exhausted")
	// ErrChallengeDead means the oracle no longer knows the reference.
	ErrChallengeDead = errors.New("challenge not found or expired")
)

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Budget      time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:    2 * time.Second,
		MaxAttempts: 30,
		Budget:      90 * time.Second,
	}
}

// Task is one bounded resolution of a challenge reference.
type Task struct {
	Ref      string
	Attempts int
	Started  time.Time
	Deadline time.Time
	GameRef  string

	maxAttempts int
}

func NewTask(ref string, opts Options, now time.Time) *Task {
	return &Task{
		Ref:         ref,
		Started:     now,
		Deadline:    now.Add(opts.Budget),
		maxAttempts: opts.MaxAttempts,
	}
}

func (t *Task) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.Started)
}

// Exhausted reports whether another poll would exceed the budget.
func (t *Task) Exhausted(now time.Time) bool {
	return t.Attempts >= t.maxAttempts || !now.Before(t.Deadline)
}

type Resolver struct {
	oracle Oracle
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(oracle Oracle, opts Options, logger *zap.Logger) *Resolver {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Budget <= 0 {
		opts.Budget = def.Budget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{oracle: oracle, opts: opts, logger: logger, now: time.Now}
}

// PollUntilResolved returns the game reference challengeRef converted to,
// ErrChallengeDead, ErrExhausted, or the context error.
func (r *Resolver) PollUntilResolved(ctx context.Context, challengeRef string) (string, error) {
	return r.Run(ctx, NewTask(challengeRef, r.opts, r.now()))
}

// Run polls immediately, then every Interval, until the task settles.
func (r *Resolver) Run(ctx context.Context, task *Task) (string, error) {
	log := r.logger.With(zap.String("ref", task.Ref))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		task.Attempts++
		res, err := r.oracle.Status(ctx, task.Ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Transient: the attempt is spent and polling goes on.
			metrics.ResolverPoll("error")
			log.Warn("oracle poll failed", zap.Int("attempt", task.Attempts), zap.Error(err))
		case res.Status == StatusGame:
			metrics.ResolverPoll(string(StatusGame))
			task.GameRef = res.GameID
			log.Info("challenge resolved",
				zap.String("game_ref", res.GameID),
				zap.Int("attempt", task.Attempts),
				zap.Duration("elapsed", task.Elapsed(r.now())))
			return res.GameID, nil
		case res.Status == StatusNotFound:
			metrics.ResolverPoll(string(StatusNotFound))
			log.Info("challenge is gone", zap.Int("attempt", task.Attempts))
			return "", ErrChallengeDead
		default:
			metrics.ResolverPoll(string(StatusChallenge))
		}

		now := r.now()
		if task.Exhausted(now) {
			log.Info("resolution budget exhausted",
				zap.Int("attempt", task.Attempts),
				zap.Duration("elapsed", task.Elapsed(now)))
			return "", ErrExhausted
		}
		wait := r.opts.Interval
		if left := task.Deadline.Sub(now); left < wait {
			wait = left
		}
		timer.Reset(wait)
	}
}
