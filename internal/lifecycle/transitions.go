package lifecycle

import (
	"errors"
	"fmt"

	"matchsync/internal/identity"
	"matchsync/internal/models"
	"matchsync/internal/store"
)

var (
	// ErrInvalidTransition covers wrong state, self-join, double-join and lost races.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = store.ErrNotFound
)

// plan is a guarded write derived from a freshly read record. A noop plan
// reports success without touching the store.
type plan struct {
	fields store.Fields
	guard  store.Guard
	noop   bool
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func statusPtr(s models.Status) *models.Status { return &s }
func kindPtr(k models.RefKind) *models.RefKind { return &k }

func planJoin(cur *models.Match, who identity.Identity) (*plan, error) {
	if cur.Status != models.StatusPending {
		return nil, invalid("match is %s", cur.Status)
	}
	if cur.IsPlayer(who.UserID) {
		return nil, invalid("cannot join your own match")
	}
	seat := cur.EmptySeat()
	if seat == models.SeatNone {
		return nil, invalid("match is full")
	}

	p := &plan{guard: store.Guard{Status: models.StatusPending, EmptySeat: seat}}
	userID, username := who.UserID, who.Username
	switch seat {
	case models.SeatWhite:
		p.fields.WhiteID, p.fields.WhiteUsername = &userID, &username
	case models.SeatBlack:
		p.fields.BlackID, p.fields.BlackUsername = &userID, &username
	}
	if cur.PlayerAt(seat.Opposite()) != nil {
		p.fields.Status = statusPtr(models.StatusActive)
	}
	return p, nil
}

func planCancel(cur *models.Match, who identity.Identity) (*plan, error) {
	if cur.Status != models.StatusPending {
		return nil, invalid("match is %s", cur.Status)
	}
	if cur.BothSeated() {
		return nil, invalid("both seats are filled")
	}
	if !cur.IsPlayer(who.UserID) {
		return nil, invalid("only the creator can cancel")
	}
	return &plan{
		fields: store.Fields{Status: statusPtr(models.StatusCancelled)},
		guard:  store.Guard{Status: models.StatusPending, EmptySeat: cur.EmptySeat()},
	}, nil
}

// planExternalRef swaps the reference. A game reference is final; reattaching
// the same one is a noop. The guard pins the reference that was read, so a
// concurrent conversion is never overwritten.
func planExternalRef(cur *models.Match, ref string, kind models.RefKind) (*plan, error) {
	if ref == "" || (kind != models.RefChallenge && kind != models.RefGame) {
		return nil, fmt.Errorf("%w: reference and kind challenge|game are required", ErrInvalidInput)
	}
	if cur.Status != models.StatusPending && cur.Status != models.StatusActive {
		return nil, invalid("match is %s", cur.Status)
	}
	if cur.ExternalKind == models.RefGame {
		if kind == models.RefGame && cur.Ref() == ref {
			return &plan{noop: true}, nil
		}
		return nil, invalid("game reference %s is immutable", cur.Ref())
	}

	prev := cur.Ref()
	p := &plan{
		fields: store.Fields{ExternalRef: &ref, ExternalKind: kindPtr(kind)},
		guard:  store.Guard{Status: cur.Status, ExternalRef: &prev},
	}
	if kind == models.RefGame && cur.Status == models.StatusPending && cur.BothSeated() {
		p.fields.Status = statusPtr(models.StatusActive)
	}
	return p, nil
}

func planResolution(cur *models.Match, challengeRef, gameRef string) (*plan, error) {
	if cur.ExternalKind == models.RefGame {
		if cur.Ref() == gameRef {
			return &plan{noop: true}, nil
		}
		return nil, invalid("already resolved to %s", cur.Ref())
	}
	if cur.Ref() != challengeRef {
		return nil, invalid("reference moved from %s to %s", challengeRef, cur.Ref())
	}
	return planExternalRef(cur, gameRef, models.RefGame)
}

func planComplete(cur *models.Match, who identity.Identity, winner *string) (*plan, error) {
	if cur.Status == models.StatusCompleted {
		return &plan{noop: true}, nil
	}
	if cur.Status != models.StatusActive {
		return nil, invalid("match is %s", cur.Status)
	}
	if !cur.IsPlayer(who.UserID) {
		return nil, invalid("only a player can complete the match")
	}
	w := ""
	if winner != nil {
		if !cur.IsPlayer(*winner) {
			return nil, fmt.Errorf("%w: winner %s is not a player", ErrInvalidInput, *winner)
		}
		w = *winner
	}
	return &plan{
		fields: store.Fields{Status: statusPtr(models.StatusCompleted), WinnerID: &w},
		guard:  store.Guard{Status: models.StatusActive},
	}, nil
}

func planResign(cur *models.Match, who identity.Identity) (*plan, error) {
	if cur.Status != models.StatusActive {
		return nil, invalid("match is %s", cur.Status)
	}
	seat := cur.SeatOf(who.UserID)
	if seat == models.SeatNone {
		return nil, invalid("only a player can resign")
	}
	return planComplete(cur, who, cur.PlayerAt(seat.Opposite()))
}

func checkDelete(cur *models.Match, who identity.Identity) error {
	switch {
	case cur.Status == models.StatusActive:
		return invalid("match is active")
	case !cur.IsPlayer(who.UserID):
		return invalid("only a player can delete the match")
	}
	return nil
}
