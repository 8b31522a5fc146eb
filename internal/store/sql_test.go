package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchsync/internal/models"
)

func setupTestSQL(t *testing.T) *SQLStore {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes sqlite writers instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s, err := NewSQLStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLStore(t *testing.T) {
	testMatchStore(t, func(t *testing.T) MatchStore {
		return setupTestSQL(t)
	})
}

func TestSQLStore_GuardClauseRejectsStaleWrite(t *testing.T) {
	s := setupTestSQL(t)
	ctx := context.Background()

	m, err := s.Create(ctx, &models.Match{WhiteID: models.StrPtr("A"), Status: models.StatusPending})
	require.NoError(t, err)

	// Another writer fills the seat behind the store's back.
	require.NoError(t, s.db.Model(&matchRow{}).Where("id = ?", m.ID).Update("black_id", "Z").Error)

	active := models.StatusActive
	_, err = s.Update(ctx, m.ID, Fields{BlackID: models.StrPtr("B"), Status: &active},
		Guard{Status: models.StatusPending, EmptySeat: models.SeatBlack})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Z", *got.BlackID)
	assert.Equal(t, models.StatusPending, got.Status)
}
