package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"matchsync/internal/models"
)

type matchRow struct {
	ID            string  `gorm:"primaryKey;type:varchar(64)"`
	WhiteID       *string `gorm:"index"`
	WhiteUsername *string
	BlackID       *string `gorm:"index"`
	BlackUsername *string
	Stake         int64 `gorm:"not null;default:0"`
	TimeControl   string
	GameMode      string
	ExternalRef   *string `gorm:"index"`
	ExternalKind  string  `gorm:"index;type:varchar(16)"`
	Status        string  `gorm:"index;not null;type:varchar(16)"`
	WinnerID      *string
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (matchRow) TableName() string { return "matches" }

func rowFromModel(m *models.Match) *matchRow {
	return &matchRow{
		ID:            m.ID,
		WhiteID:       m.WhiteID,
		WhiteUsername: m.WhiteUsername,
		BlackID:       m.BlackID,
		BlackUsername: m.BlackUsername,
		Stake:         m.Stake,
		TimeControl:   m.TimeControl,
		GameMode:      m.GameMode,
		ExternalRef:   m.ExternalRef,
		ExternalKind:  string(m.ExternalKind),
		Status:        string(m.Status),
		WinnerID:      m.WinnerID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func (r *matchRow) toModel() *models.Match {
	return &models.Match{
		ID:            r.ID,
		WhiteID:       r.WhiteID,
		WhiteUsername: r.WhiteUsername,
		BlackID:       r.BlackID,
		BlackUsername: r.BlackUsername,
		Stake:         r.Stake,
		TimeControl:   r.TimeControl,
		GameMode:      r.GameMode,
		ExternalRef:   r.ExternalRef,
		ExternalKind:  models.RefKind(r.ExternalKind),
		Status:        models.Status(r.Status),
		WinnerID:      r.WinnerID,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// SQLStore persists matches through GORM. The guard is part of the UPDATE's
// WHERE clause, so the database decides which racer wins.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// NewSQLStore migrates the matches table and returns a store on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&matchRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Match, error) {
	var row matchRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) Create(ctx context.Context, m *models.Match) (*models.Match, error) {
	out := m.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	out.CreatedAt = now
	out.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(rowFromModel(out)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create match %s: %w", out.ID, err)
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fields Fields, guard Guard) (*models.Match, error) {
	var out *models.Match
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row matchRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		cur := row.toModel()
		if !guard.Check(cur) {
			return ErrConflict
		}

		next := cur.Clone()
		fields.Apply(next)
		next.UpdatedAt = nextUpdatedAt(cur.UpdatedAt, s.now())

		res := guardClause(tx.Model(&matchRow{}).Where("id = ?", id), guard).
			Updates(updateColumns(fields, next))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("update match %s: %w", id, err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string, guard Guard) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row matchRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !guard.Check(row.toModel()) {
			return ErrConflict
		}
		res := guardClause(tx.Where("id = ?", id), guard).Delete(&matchRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("delete match %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ListByExternalKind(ctx context.Context, kind models.RefKind) ([]*models.Match, error) {
	var rows []matchRow
	if err := s.db.WithContext(ctx).Where("external_kind = ?", string(kind)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list matches by kind %q: %w", kind, err)
	}
	out := make([]*models.Match, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func guardClause(q *gorm.DB, g Guard) *gorm.DB {
	if g.Status != "" {
		q = q.Where("status = ?", string(g.Status))
	}
	if g.ExternalRef != nil {
		if *g.ExternalRef == "" {
			q = q.Where("external_ref IS NULL")
		} else {
			q = q.Where("external_ref = ?", *g.ExternalRef)
		}
	}
	switch g.EmptySeat {
	case models.SeatWhite:
		q = q.Where("white_id IS NULL")
	case models.SeatBlack:
		q = q.Where("black_id IS NULL")
	}
	return q
}

// updateColumns lists only the columns named by f, plus updated_at.
func updateColumns(f Fields, next *models.Match) map[string]interface{} {
	cols := map[string]interface{}{"updated_at": next.UpdatedAt}
	if f.WhiteID != nil {
		cols["white_id"] = next.WhiteID
	}
	if f.WhiteUsername != nil {
		cols["white_username"] = next.WhiteUsername
	}
	if f.BlackID != nil {
		cols["black_id"] = next.BlackID
	}
	if f.BlackUsername != nil {
		cols["black_username"] = next.BlackUsername
	}
	if f.Status != nil {
		cols["status"] = string(next.Status)
	}
	if f.WinnerID != nil {
		cols["winner_id"] = next.WinnerID
	}
	if f.ExternalRef != nil {
		cols["external_ref"] = next.ExternalRef
	}
	if f.ExternalKind != nil {
		cols["external_kind"] = string(next.ExternalKind)
	}
	return cols
}
