package store

import (
	"context"
	"errors"
	"time"

	"matchsync/internal/models"
)

var (
	ErrNotFound = errors.New("match not found")
	// ErrConflict means the guard did not hold against the stored record.
	ErrConflict = errors.New("match changed concurrently")
)

// MatchStore is the durable record of matches. Every Update and Delete is
// conditional on Guard.
type MatchStore interface {
	Get(ctx context.Context, id string) (*models.Match, error)
	Create(ctx context.Context, m *models.Match) (*models.Match, error)
	Update(ctx context.Context, id string, fields Fields, guard Guard) (*models.Match, error)
	Delete(ctx context.Context, id string, guard Guard) error
	ListByExternalKind(ctx context.Context, kind models.RefKind) ([]*models.Match, error)
}

// Fields lists the columns an Update writes. Nil leaves a column unchanged;
// a pointer to "" writes null.
type Fields struct {
	WhiteID       *string
	WhiteUsername *string
	BlackID       *string
	BlackUsername *string
	Status        *models.Status
	WinnerID      *string
	ExternalRef   *string
	ExternalKind  *models.RefKind
}

// Guard is checked against the stored record atomically with the write.
type Guard struct {
	// Status, when set, must equal the stored status.
	Status models.Status
	// ExternalRef, when non-nil, must equal the stored reference ("" = absent).
	ExternalRef *string
	// EmptySeat, when set, must still be unfilled.
	EmptySeat models.Seat
}

// Check reports whether m satisfies g.
func (g Guard) Check(m *models.Match) bool {
	if g.Status != "" && m.Status != g.Status {
		return false
	}
	if g.ExternalRef != nil && m.Ref() != *g.ExternalRef {
		return false
	}
	switch g.EmptySeat {
	case models.SeatWhite:
		if m.WhiteID != nil {
			return false
		}
	case models.SeatBlack:
		if m.BlackID != nil {
			return false
		}
	}
	return true
}

// Apply writes f onto m in place.
func (f Fields) Apply(m *models.Match) {
	if f.WhiteID != nil {
		m.WhiteID = nullable(*f.WhiteID)
	}
	if f.WhiteUsername != nil {
		m.WhiteUsername = nullable(*f.WhiteUsername)
	}
	if f.BlackID != nil {
		m.BlackID = nullable(*f.BlackID)
	}
	if f.BlackUsername != nil {
		m.BlackUsername = nullable(*f.BlackUsername)
	}
	if f.Status != nil {
		m.Status = *f.Status
	}
	if f.WinnerID != nil {
		m.WinnerID = nullable(*f.WinnerID)
	}
	if f.ExternalRef != nil {
		m.ExternalRef = nullable(*f.ExternalRef)
	}
	if f.ExternalKind != nil {
		m.ExternalKind = *f.ExternalKind
	}
}

// nullable maps the empty string to null.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nextUpdatedAt keeps UpdatedAt strictly increasing per match. Microsecond
// resolution survives a round trip through Postgres.
func nextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
