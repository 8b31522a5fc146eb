package gamestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/notnil/chess"
	"github.com/redis/go-redis/v9"

	"matchsync/internal/models"
)

var (
	ErrNotStarted  = errors.New("game not started")
	ErrNotYourTurn = errors.New("not your turn")
	ErrIllegalMove = errors.New("illegal move")
	ErrGameOver    = errors.New("game is over")
	ErrConflict    = errors.New("game state changed concurrently")
)

// Outcomes stored on a snapshot. Empty means the game is in progress.
const (
	OutcomeWhite = "white"
	OutcomeBlack = "black"
	OutcomeDraw  = "draw"
)

const maxTxRetries = 5

// Store keeps one JSON snapshot per match at game:<id>.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func gameKey(matchID string) string {
	return "game:" + matchID
}

func (s *Store) Get(ctx context.Context, matchID string) (*models.GameState, error) {
	raw, err := s.rdb.Get(ctx, gameKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotStarted
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", matchID, err)
	}
	var st models.GameState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", matchID, err)
	}
	return &st, nil
}

// Start writes the initial position unless one exists. created is false when
// the game had already been started.
func (s *Store) Start(ctx context.Context, matchID string) (st *models.GameState, created bool, err error) {
	g := chess.NewGame()
	initial := &models.GameState{
		MatchID:   matchID,
		FEN:       g.Position().String(),
		Moves:     []string{},
		Turn:      models.SeatWhite,
		UpdatedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, false, err
	}
	ok, err := s.rdb.SetNX(ctx, gameKey(matchID), raw, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("start game %s: %w", matchID, err)
	}
	if !ok {
		st, err := s.Get(ctx, matchID)
		return st, false, err
	}
	return initial, true, nil
}

// ApplyMove plays move (SAN or UCI) for mover and returns the new snapshot.
func (s *Store) ApplyMove(ctx context.Context, matchID string, mover models.Seat, move string) (*models.GameState, error) {
	key := gameKey(matchID)
	var out *models.GameState

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotStarted
		}
		if err != nil {
			return err
		}
		var cur models.GameState
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		next, err := play(&cur, mover, move, s.now().UTC())
		if err != nil {
			return err
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

func (s *Store) Delete(ctx context.Context, matchID string) error {
	return s.rdb.Del(ctx, gameKey(matchID)).Err()
}

func play(cur *models.GameState, mover models.Seat, move string, now time.Time) (*models.GameState, error) {
	if cur.Outcome != "" {
		return nil, ErrGameOver
	}
	if mover != cur.Turn {
		return nil, ErrNotYourTurn
	}
	fen, err := chess.FEN(cur.FEN)
	if err != nil {
		return nil, fmt.Errorf("restore position: %w", err)
	}
	g := chess.NewGame(fen)
	if err := g.MoveStr(move); err != nil {
		m, uciErr := chess.UCINotation{}.Decode(g.Position(), move)
		if uciErr != nil {
			return nil, fmt.Errorf("%w: %s", ErrIllegalMove, move)
		}
		if err := g.Move(m); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrIllegalMove, move)
		}
	}

	positions := g.Positions()
	played := g.Moves()[len(g.Moves())-1]
	uci := chess.UCINotation{}.Encode(positions[len(positions)-2], played)
	pos := g.Position()
	next := &models.GameState{
		MatchID:   cur.MatchID,
		FEN:       pos.String(),
		Moves:     append(append([]string{}, cur.Moves...), uci),
		Ply:       cur.Ply + 1,
		Turn:      seatOf(pos.Turn()),
		Outcome:   outcomeOf(g.Outcome()),
		UpdatedAt: now,
	}
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	return next, nil
}

func seatOf(c chess.Color) models.Seat {
	if c == chess.Black {
		return models.SeatBlack
	}
	return models.SeatWhite
}

func outcomeOf(o chess.Outcome) string {
	switch o {
	case chess.WhiteWon:
		return OutcomeWhite
	case chess.BlackWon:
		return OutcomeBlack
	case chess.Draw:
		return OutcomeDraw
	}
	return ""
}

// Winner maps a finished snapshot to the winning seat; SeatNone for a draw or
// a game in progress.
func Winner(st *models.GameState) models.Seat {
	switch st.Outcome {
	case OutcomeWhite:
		return models.SeatWhite
	case OutcomeBlack:
		return models.SeatBlack
	}
	return models.SeatNone
}
