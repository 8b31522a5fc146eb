package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"matchsync/internal/models"
)

const (
	matchKeyPrefix = "match:"
	maxTxRetries   = 5
)

// RedisStore keeps each match in a hash at match:<id>. Conditional writes use
// WATCH/MULTI so a stale read can never clobber a concurrent transition.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func matchKey(id string) string {
	return matchKeyPrefix + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Match, error) {
	data, err := s.rdb.HGetAll(ctx, matchKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return decodeMatch(data)
}

func (s *RedisStore) Create(ctx context.Context, m *models.Match) (*models.Match, error) {
	out := m.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	out.CreatedAt = now
	out.UpdatedAt = now
	key := matchKey(out.ID)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeMatch(out))
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, redis.TxFailedErr) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create match %s: %w", out.ID, err)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fields Fields, guard Guard) (*models.Match, error) {
	key := matchKey(id)
	var out *models.Match

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return ErrNotFound
		}
		cur, err := decodeMatch(data)
		if err != nil {
			return err
		}
		if !guard.Check(cur) {
			return ErrConflict
		}

		next := cur.Clone()
		fields.Apply(next)
		next.UpdatedAt = nextUpdatedAt(cur.UpdatedAt, s.now())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeMatch(next))
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	// EXEC aborts when the key moved under us; re-read and re-check the guard.
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return nil, err
		default:
			return nil, fmt.Errorf("update match %s: %w", id, err)
		}
	}
	return nil, ErrConflict
}

func (s *RedisStore) Delete(ctx context.Context, id string, guard Guard) error {
	key := matchKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return ErrNotFound
		}
		cur, err := decodeMatch(data)
		if err != nil {
			return err
		}
		if !guard.Check(cur) {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return err
		default:
			return fmt.Errorf("delete match %s: %w", id, err)
		}
	}
	return ErrConflict
}

func (s *RedisStore) ListByExternalKind(ctx context.Context, kind models.RefKind) ([]*models.Match, error) {
	var out []*models.Match
	iter := s.rdb.Scan(ctx, 0, matchKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		m, err := decodeMatch(data)
		if err != nil {
			continue
		}
		if m.ExternalKind == kind {
			out = append(out, m)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan matches: %w", err)
	}
	return out, nil
}

func encodeMatch(m *models.Match) map[string]interface{} {
	return map[string]interface{}{
		"id":             m.ID,
		"white_id":       deref(m.WhiteID),
		"white_username": deref(m.WhiteUsername),
		"black_id":       deref(m.BlackID),
		"black_username": deref(m.BlackUsername),
		"stake":          m.Stake,
		"time_control":   m.TimeControl,
		"game_mode":      m.GameMode,
		"external_ref":   deref(m.ExternalRef),
		"external_kind":  string(m.ExternalKind),
		"status":         string(m.Status),
		"winner_id":      deref(m.WinnerID),
		"created_at":     m.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     m.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func decodeMatch(data map[string]string) (*models.Match, error) {
	m := &models.Match{
		ID:            data["id"],
		WhiteID:       nullable(data["white_id"]),
		WhiteUsername: nullable(data["white_username"]),
		BlackID:       nullable(data["black_id"]),
		BlackUsername: nullable(data["black_username"]),
		TimeControl:   data["time_control"],
		GameMode:      data["game_mode"],
		ExternalRef:   nullable(data["external_ref"]),
		ExternalKind:  models.RefKind(data["external_kind"]),
		Status:        models.Status(data["status"]),
		WinnerID:      nullable(data["winner_id"]),
	}

	var err error
	if v := data["stake"]; v != "" {
		if m.Stake, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("decode match %s stake: %w", m.ID, err)
		}
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, data["created_at"]); err != nil {
		return nil, fmt.Errorf("decode match %s created_at: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode match %s updated_at: %w", m.ID, err)
	}
	return m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
