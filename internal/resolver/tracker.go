package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"matchsync/internal/models"
)

var ErrNothingToResolve = errors.New("match has no challenge reference")

// Applier is the slice of the state machine the tracker drives.
type Applier interface {
	Get(ctx context.Context, matchID string) (*models.Match, error)
	ApplyResolution(ctx context.Context, matchID, challengeRef, gameRef string) (*models.Match, error)
	AwaitingResolution(ctx context.Context) ([]*models.Match, error)
}

// Tracker runs at most one resolution per challenge reference in the
// background. References that died or ran out of budget are remembered so the
// periodic sweep leaves them alone until Retry, and forgotten once their match
// stops waiting on them.
type Tracker struct {
	resolver *Resolver
	machine  Applier
	logger   *zap.Logger
	cron     *cron.Cron
	schedule string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]string // ref -> match id
	settled map[string]settlement // ref -> why it stopped
}

type settlement struct {
	matchID string
	err     error
}

func NewTracker(r *Resolver, machine Applier, schedule string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = "@every 30s"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		resolver: r,
		machine:  machine,
		logger:   logger,
		cron:     cron.New(),
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]string),
		settled:  make(map[string]settlement),
	}
}

// Start schedules the recovery sweep and runs it once immediately.
func (t *Tracker) Start() error {
	if _, err := t.cron.AddFunc(t.schedule, func() { t.Sweep(t.ctx) }); err != nil {
		return fmt.Errorf("failed to schedule resolver sweep: %w", err)
	}
	t.cron.Start()
	t.Sweep(t.ctx)
	t.logger.Info("resolver tracker started", zap.String("schedule", t.schedule))
	return nil
}

// Stop halts the sweep, cancels in-flight polls and waits for them.
func (t *Tracker) Stop() {
	<-t.cron.Stop().Done()
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// PublishMatch lets the tracker sit behind the state machine's publisher and
// pick up challenges as soon as they are written.
func (t *Tracker) PublishMatch(_ context.Context, m *models.Match) error {
	if m.ExternalKind == models.RefChallenge && !m.Status.Terminal() {
		t.Track(m.ID, m.Ref())
		return nil
	}
	t.forget(m.ID)
	return nil
}

// forget drops the settled marks held for matchID.
func (t *Tracker) forget(matchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref, s := range t.settled {
		if s.matchID == matchID {
			delete(t.settled, ref)
		}
	}
}

// Track starts resolving ref for matchID unless it is already running or settled.
func (t *Tracker) Track(matchID, ref string) bool {
	if ref == "" {
		return false
	}
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.running[ref]; ok {
		t.mu.Unlock()
		return false
	}
	if _, ok := t.settled[ref]; ok {
		t.mu.Unlock()
		return false
	}
	t.running[ref] = matchID
	t.wg.Add(1)
	t.mu.Unlock()

	go t.resolve(matchID, ref)
	return true
}

func (t *Tracker) resolve(matchID, ref string) {
	defer t.wg.Done()
	log := t.logger.With(zap.String("match_id", matchID), zap.String("ref", ref))

	gameRef, err := t.resolver.PollUntilResolved(t.ctx, ref)

	t.mu.Lock()
	delete(t.running, ref)
	if errors.Is(err, ErrExhausted) || errors.Is(err, ErrChallengeDead) {
		t.settled[ref] = settlement{matchID: matchID, err: err}
	}
	t.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Info("challenge left unresolved", zap.Error(err))
		}
		return
	}

	// The match may have moved on; the guarded swap decides.
	if _, err := t.machine.ApplyResolution(t.ctx, matchID, ref, gameRef); err != nil {
		log.Warn("resolution not applied", zap.String("game_ref", gameRef), zap.Error(err))
	}
}

// Retry clears the settled mark on the match's challenge and polls it again.
func (t *Tracker) Retry(ctx context.Context, matchID string) error {
	m, err := t.machine.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if m.ExternalKind != models.RefChallenge || m.Status.Terminal() {
		return ErrNothingToResolve
	}
	ref := m.Ref()
	t.mu.Lock()
	delete(t.settled, ref)
	t.mu.Unlock()
	t.Track(m.ID, ref)
	return nil
}

// Sweep picks up every live challenge that has no task, e.g. after a restart,
// and forgets settled references no live match still carries.
func (t *Tracker) Sweep(ctx context.Context) int {
	matches, err := t.machine.AwaitingResolution(ctx)
	if err != nil {
		t.logger.Warn("resolver sweep failed", zap.Error(err))
		return 0
	}
	live := make(map[string]bool, len(matches))
	for _, m := range matches {
		live[m.Ref()] = true
	}
	t.mu.Lock()
	for ref := range t.settled {
		if !live[ref] {
			delete(t.settled, ref)
		}
	}
	t.mu.Unlock()

	started := 0
	for _, m := range matches {
		if t.Track(m.ID, m.Ref()) {
			started++
		}
	}
	if started > 0 {
		t.logger.Info("resolver sweep started tasks", zap.Int("count", started))
	}
	return started
}

// Running reports whether ref has an in-flight task.
func (t *Tracker) Running(ref string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[ref]
	return ok
}

// Settled returns why ref stopped without resolving, or nil.
func (t *Tracker) Settled(ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled[ref].err
}
