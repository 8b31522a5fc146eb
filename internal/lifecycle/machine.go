package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"matchsync/internal/identity"
	"matchsync/internal/metrics"
	"matchsync/internal/models"
	"matchsync/internal/store"
)

// Publisher receives every snapshot the machine writes.
type Publisher interface {
	PublishMatch(ctx context.Context, m *models.Match) error
}

type nopPublisher struct{}

func (nopPublisher) PublishMatch(context.Context, *models.Match) error { return nil }

// Publishers fans one snapshot out to several publishers. Every publisher is
// called even when an earlier one fails.
type Publishers []Publisher

func (ps Publishers) PublishMatch(ctx context.Context, m *models.Match) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishMatch(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Machine is the authoritative lifecycle controller. Every transition reads
// the current record, validates it, and writes under a guard, so a stale view
// can never clobber a concurrent transition.
type Machine struct {
	store     store.MatchStore
	publisher Publisher
	logger    *zap.Logger
}

func NewMachine(s store.MatchStore, p Publisher, logger *zap.Logger) *Machine {
	if p == nil {
		p = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: s, publisher: p, logger: logger}
}

// SetPublisher swaps the publisher once the transport is up.
func (m *Machine) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	m.publisher = p
}

func (m *Machine) Get(ctx context.Context, matchID string) (*models.Match, error) {
	return m.store.Get(ctx, matchID)
}

func (m *Machine) Create(ctx context.Context, who identity.Identity, req models.CreateMatchReq) (*models.Match, error) {
	match, err := m.create(ctx, who, req)
	metrics.Transition("create", resultLabel(err))
	return match, err
}

func (m *Machine) create(ctx context.Context, who identity.Identity, req models.CreateMatchReq) (*models.Match, error) {
	if who.Empty() {
		return nil, ErrUnauthenticated
	}
	if req.Stake < 0 {
		return nil, fmt.Errorf("%w: stake must be non-negative", ErrInvalidInput)
	}

	match := &models.Match{
		Stake:       req.Stake,
		TimeControl: strings.TrimSpace(req.TimeControl),
		GameMode:    strings.TrimSpace(req.GameMode),
		Status:      models.StatusPending,
	}
	switch req.Color {
	case models.SeatNone, models.SeatWhite:
		match.WhiteID, match.WhiteUsername = models.StrPtr(who.UserID), models.StrPtr(who.Username)
	case models.SeatBlack:
		match.BlackID, match.BlackUsername = models.StrPtr(who.UserID), models.StrPtr(who.Username)
	default:
		return nil, fmt.Errorf("%w: unknown color %q", ErrInvalidInput, req.Color)
	}
	if req.ExternalRef != "" {
		kind := req.RefKind
		if kind == models.RefNone {
			kind = models.RefChallenge
		}
		if kind != models.RefChallenge && kind != models.RefGame {
			return nil, fmt.Errorf("%w: unknown reference kind %q", ErrInvalidInput, kind)
		}
		match.ExternalRef, match.ExternalKind = models.StrPtr(req.ExternalRef), kind
	}

	created, err := m.store.Create(ctx, match)
	if err != nil {
		return nil, err
	}
	m.logger.Info("match created",
		zap.String("match_id", created.ID),
		zap.String("user_id", who.UserID),
		zap.Int64("stake", created.Stake))
	m.publish(ctx, created)
	return created, nil
}

// Join fills the empty seat and activates the match in the same write.
// Two racers for one seat get exactly one success.
func (m *Machine) Join(ctx context.Context, who identity.Identity, matchID string) (*models.Match, error) {
	if who.Empty() {
		return m.reject("join", ErrUnauthenticated)
	}
	return m.transition(ctx, "join", matchID, func(cur *models.Match) (*plan, error) {
		return planJoin(cur, who)
	})
}

func (m *Machine) Cancel(ctx context.Context, who identity.Identity, matchID string) (*models.Match, error) {
	if who.Empty() {
		return m.reject("cancel", ErrUnauthenticated)
	}
	return m.transition(ctx, "cancel", matchID, func(cur *models.Match) (*plan, error) {
		return planCancel(cur, who)
	})
}

// UpdateExternalRef attaches or swaps the external reference on behalf of a player.
func (m *Machine) UpdateExternalRef(ctx context.Context, who identity.Identity, matchID, ref string, kind models.RefKind) (*models.Match, error) {
	if who.Empty() {
		return m.reject("external_ref", ErrUnauthenticated)
	}
	return m.transition(ctx, "external_ref", matchID, func(cur *models.Match) (*plan, error) {
		if !cur.IsPlayer(who.UserID) {
			return nil, invalid("only a player can change the external reference")
		}
		return planExternalRef(cur, ref, kind)
	})
}

// ApplyResolution is the resolver's synthetic transition: challengeRef became
// gameRef. It only lands if the stored reference is still challengeRef.
func (m *Machine) ApplyResolution(ctx context.Context, matchID, challengeRef, gameRef string) (*models.Match, error) {
	return m.transition(ctx, "resolve", matchID, func(cur *models.Match) (*plan, error) {
		return planResolution(cur, challengeRef, gameRef)
	})
}

// Complete is idempotent: completing a completed match succeeds and publishes nothing.
func (m *Machine) Complete(ctx context.Context, who identity.Identity, matchID string, winner *string) (*models.Match, error) {
	if who.Empty() {
		return m.reject("complete", ErrUnauthenticated)
	}
	return m.transition(ctx, "complete", matchID, func(cur *models.Match) (*plan, error) {
		return planComplete(cur, who, winner)
	})
}

// Resign completes the match with the opponent as winner.
func (m *Machine) Resign(ctx context.Context, who identity.Identity, matchID string) (*models.Match, error) {
	if who.Empty() {
		return m.reject("resign", ErrUnauthenticated)
	}
	return m.transition(ctx, "resign", matchID, func(cur *models.Match) (*plan, error) {
		return planResign(cur, who)
	})
}

// Delete removes a match that is not in play. Only a player may delete it.
func (m *Machine) Delete(ctx context.Context, who identity.Identity, matchID string) error {
	err := m.delete(ctx, who, matchID)
	metrics.Transition("delete", resultLabel(err))
	return err
}

func (m *Machine) delete(ctx context.Context, who identity.Identity, matchID string) error {
	if who.Empty() {
		return ErrUnauthenticated
	}
	cur, err := m.store.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if err := checkDelete(cur, who); err != nil {
		return err
	}
	// The status must not have moved since the read; a join that lands first wins.
	if err := m.store.Delete(ctx, matchID, store.Guard{Status: cur.Status}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return err
	}
	m.logger.Info("match deleted", zap.String("match_id", matchID), zap.String("user_id", who.UserID))
	return nil
}

// AwaitingResolution lists live matches whose reference is still a challenge.
func (m *Machine) AwaitingResolution(ctx context.Context) ([]*models.Match, error) {
	all, err := m.store.ListByExternalKind(ctx, models.RefChallenge)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, match := range all {
		if !match.Status.Terminal() {
			out = append(out, match)
		}
	}
	return out, nil
}

func (m *Machine) transition(ctx context.Context, op, matchID string, decide func(cur *models.Match) (*plan, error)) (*models.Match, error) {
	cur, err := m.store.Get(ctx, matchID)
	if err != nil {
		return m.reject(op, err)
	}
	p, err := decide(cur)
	if err != nil {
		m.logger.Debug("transition rejected",
			zap.String("op", op),
			zap.String("match_id", matchID),
			zap.String("status", string(cur.Status)),
			zap.Error(err))
		return m.reject(op, err)
	}
	if p.noop {
		metrics.Transition(op, "noop")
		return cur, nil
	}

	next, err := m.store.Update(ctx, matchID, p.fields, p.guard)
	if errors.Is(err, store.ErrConflict) {
		// Lost the race; the caller re-fetches and retries against fresh state.
		err = fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		return m.reject(op, err)
	}

	metrics.Transition(op, "ok")
	m.logger.Info("match transitioned",
		zap.String("op", op),
		zap.String("match_id", matchID),
		zap.String("from", string(cur.Status)),
		zap.String("to", string(next.Status)))
	m.publish(ctx, next)
	return next, nil
}

func (m *Machine) reject(op string, err error) (*models.Match, error) {
	metrics.Transition(op, resultLabel(err))
	return nil, err
}

func (m *Machine) publish(ctx context.Context, match *models.Match) {
	if err := m.publisher.PublishMatch(ctx, match.Clone()); err != nil {
		m.logger.Warn("publish match update failed", zap.String("match_id", match.ID), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
