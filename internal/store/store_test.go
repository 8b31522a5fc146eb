package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/models"
)

// testMatchStore runs the behaviour every MatchStore backend must share.
func testMatchStore(t *testing.T, newStore func(t *testing.T) MatchStore) {
	ctx := context.Background()

	pending := func() *models.Match {
		return &models.Match{
			WhiteID:       models.StrPtr("A"),
			WhiteUsername: models.StrPtr("alice"),
			Stake:         100,
			TimeControl:   "5+0",
			GameMode:      "blitz",
			Status:        models.StatusPending,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
		assert.Equal(t, m.CreatedAt, m.UpdatedAt)

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", *got.WhiteID)
		assert.Nil(t, got.BlackID)
		assert.Nil(t, got.ExternalRef)
		assert.Nil(t, got.WinnerID)
		assert.Equal(t, int64(100), got.Stake)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.True(t, m.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateDuplicateID", func(t *testing.T) {
		s := newStore(t)
		m := pending()
		m.ID = "fixed"
		_, err := s.Create(ctx, m)
		require.NoError(t, err)
		_, err = s.Create(ctx, m)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("UpdateWritesOnlyNamedFields", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		active := models.StatusActive
		out, err := s.Update(ctx, m.ID, Fields{
			BlackID:       models.StrPtr("B"),
			BlackUsername: models.StrPtr("bob"),
			Status:        &active,
		}, Guard{Status: models.StatusPending, EmptySeat: models.SeatBlack})
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, out.Status)
		assert.True(t, out.UpdatedAt.After(m.UpdatedAt))

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "B", *got.BlackID)
		assert.Equal(t, "A", *got.WhiteID)
		assert.Equal(t, "5+0", got.TimeControl)
		assert.True(t, out.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("UpdateGuardMiss", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		done := models.StatusCompleted
		_, err = s.Update(ctx, m.ID, Fields{Status: &done}, Guard{Status: models.StatusActive})
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.Update(ctx, m.ID, Fields{WhiteID: models.StrPtr("C")}, Guard{EmptySeat: models.SeatWhite})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, "A", *got.WhiteID)
	})

	t.Run("UpdateExternalRefGuard", func(t *testing.T) {
		s := newStore(t)
		m := pending()
		m.ExternalRef = models.StrPtr("chal_1")
		m.ExternalKind = models.RefChallenge
		m, err := s.Create(ctx, m)
		require.NoError(t, err)

		game := models.RefGame
		_, err = s.Update(ctx, m.ID, Fields{ExternalRef: models.StrPtr("g_1"), ExternalKind: &game},
			Guard{ExternalRef: models.StrPtr("chal_other")})
		assert.ErrorIs(t, err, ErrConflict)

		out, err := s.Update(ctx, m.ID, Fields{ExternalRef: models.StrPtr("g_1"), ExternalKind: &game},
			Guard{ExternalRef: models.StrPtr("chal_1")})
		require.NoError(t, err)
		assert.Equal(t, "g_1", out.Ref())
		assert.Equal(t, models.RefGame, out.ExternalKind)

		games, err := s.ListByExternalKind(ctx, models.RefGame)
		require.NoError(t, err)
		require.Len(t, games, 1)
		assert.Equal(t, m.ID, games[0].ID)

		chals, err := s.ListByExternalKind(ctx, models.RefChallenge)
		require.NoError(t, err)
		assert.Empty(t, chals)
	})

	t.Run("UpdateAbsentRefGuard", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		chal := models.RefChallenge
		_, err = s.Update(ctx, m.ID, Fields{ExternalRef: models.StrPtr("chal_9"), ExternalKind: &chal},
			Guard{ExternalRef: models.StrPtr("")})
		require.NoError(t, err)

		_, err = s.Update(ctx, m.ID, Fields{ExternalRef: models.StrPtr("chal_10"), ExternalKind: &chal},
			Guard{ExternalRef: models.StrPtr("")})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("UpdateClearsWithEmptyString", func(t *testing.T) {
		s := newStore(t)
		m := pending()
		m.WinnerID = models.StrPtr("A")
		m, err := s.Create(ctx, m)
		require.NoError(t, err)

		out, err := s.Update(ctx, m.ID, Fields{WinnerID: models.StrPtr("")}, Guard{})
		require.NoError(t, err)
		assert.Nil(t, out.WinnerID)

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Nil(t, got.WinnerID)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		active := models.StatusActive
		_, err := s.Update(ctx, "nope", Fields{Status: &active}, Guard{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, m.ID, Guard{}))
		_, err = s.Get(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, m.ID, Guard{}), ErrNotFound)
	})

	t.Run("DeleteGuardMiss", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		active := models.StatusActive
		_, err = s.Update(ctx, m.ID, Fields{BlackID: models.StrPtr("B"), Status: &active},
			Guard{Status: models.StatusPending, EmptySeat: models.SeatBlack})
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(ctx, m.ID, Guard{Status: models.StatusPending}), ErrConflict)
		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)

		require.NoError(t, s.Delete(ctx, m.ID, Guard{Status: models.StatusActive}))
	})

	t.Run("ConcurrentSeatClaim", func(t *testing.T) {
		s := newStore(t)
		m, err := s.Create(ctx, pending())
		require.NoError(t, err)

		const racers = 8
		var wg sync.WaitGroup
		results := make(chan error, racers)
		active := models.StatusActive
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, err := s.Update(ctx, m.ID, Fields{BlackID: &user, Status: &active},
					Guard{Status: models.StatusPending, EmptySeat: models.SeatBlack})
				results <- err
			}(string(rune('B' + i)))
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.BlackID)
		assert.Equal(t, models.StatusActive, got.Status)
	})
}

func TestNextUpdatedAt(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Add(time.Second), nextUpdatedAt(base, base.Add(time.Second)))
	assert.Equal(t, base.Add(time.Microsecond), nextUpdatedAt(base, base))
	assert.Equal(t, base.Add(time.Microsecond), nextUpdatedAt(base, base.Add(-time.Minute)))
	assert.Equal(t, base.Add(time.Microsecond), nextUpdatedAt(base, base.Add(300*time.Nanosecond)))
}

func TestGuardCheck(t *testing.T) {
	m := &models.Match{
		WhiteID:     models.StrPtr("A"),
		Status:      models.StatusPending,
		ExternalRef: models.StrPtr("chal_1"),
	}

	assert.True(t, Guard{}.Check(m))
	assert.True(t, Guard{Status: models.StatusPending, EmptySeat: models.SeatBlack}.Check(m))
	assert.False(t, Guard{Status: models.StatusActive}.Check(m))
	assert.False(t, Guard{EmptySeat: models.SeatWhite}.Check(m))
	assert.True(t, Guard{ExternalRef: models.StrPtr("chal_1")}.Check(m))
	assert.False(t, Guard{ExternalRef: models.StrPtr("")}.Check(m))
}
