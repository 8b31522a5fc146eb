package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"matchsync/internal/gamestate"
	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	"matchsync/internal/models"
)

var errBadPayload = errors.New("bad payload")

// dispatch runs one call and always produces a result envelope.
func (h *Hub) dispatch(who identity.Identity, env models.Envelope) models.Envelope {
	ctx, cancel := context.WithTimeout(h.ctx, callTimeout)
	defer cancel()

	out, err := h.call(ctx, who, env.Method, env.Payload)
	res := models.Envelope{Type: models.TypeResult, ID: env.ID, Method: env.Method}
	if err != nil {
		res.Error = err.Error()
		h.logger.Debug("call failed",
			zap.String("method", env.Method),
			zap.String("user_id", who.UserID),
			zap.Error(err))
		return res
	}
	raw, err := json.Marshal(out)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Payload = raw
	return res
}

func (h *Hub) call(ctx context.Context, who identity.Identity, method string, payload json.RawMessage) (interface{}, error) {
	switch method {
	case models.MethodCreateMatch:
		var req models.CreateMatchReq
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return h.machine.Create(ctx, who, req)
	case models.MethodJoinMatch, models.MethodCancelMatch, models.MethodResign, models.MethodStartMatch:
		var req models.MatchIDReq
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		switch method {
		case models.MethodJoinMatch:
			return h.machine.Join(ctx, who, req.MatchID)
		case models.MethodCancelMatch:
			return h.machine.Cancel(ctx, who, req.MatchID)
		case models.MethodResign:
			return h.machine.Resign(ctx, who, req.MatchID)
		}
		return h.startMatch(ctx, who, req.MatchID)
	case models.MethodMakeMove:
		var req models.MoveReq
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return h.makeMove(ctx, who, req)
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

// activeSeat loads the match and returns the caller's seat in it.
func (h *Hub) activeSeat(ctx context.Context, who identity.Identity, matchID string) (*models.Match, models.Seat, error) {
	m, err := h.machine.Get(ctx, matchID)
	if err != nil {
		return nil, models.SeatNone, err
	}
	if m.Status != models.StatusActive {
		return nil, models.SeatNone, fmt.Errorf("%w: match is %s", lifecycle.ErrInvalidTransition, m.Status)
	}
	seat := m.SeatOf(who.UserID)
	if seat == models.SeatNone {
		return nil, models.SeatNone, fmt.Errorf("%w: not a player", lifecycle.ErrInvalidTransition)
	}
	return m, seat, nil
}

// startMatch sets up the board once; later calls return the current board.
func (h *Hub) startMatch(ctx context.Context, who identity.Identity, matchID string) (*models.GameState, error) {
	if _, _, err := h.activeSeat(ctx, who, matchID); err != nil {
		return nil, err
	}
	st, created, err := h.games.Start(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if created {
		h.publishGame(ctx, st)
	}
	return st, nil
}

func (h *Hub) makeMove(ctx context.Context, who identity.Identity, req models.MoveReq) (*models.GameState, error) {
	m, seat, err := h.activeSeat(ctx, who, req.MatchID)
	if err != nil {
		return nil, err
	}
	st, err := h.games.ApplyMove(ctx, req.MatchID, seat, req.Move)
	if err != nil {
		return nil, err
	}
	h.publishGame(ctx, st)

	if st.Outcome != "" {
		winner := m.PlayerAt(gamestate.Winner(st))
		if _, err := h.machine.Complete(ctx, who, req.MatchID, winner); err != nil {
			h.logger.Warn("failed to complete finished game", zap.String("match_id", req.MatchID), zap.Error(err))
		}
	}
	return st, nil
}

func (h *Hub) publishGame(ctx context.Context, st *models.GameState) {
	if err := h.PublishGame(ctx, st); err != nil {
		h.logger.Warn("publish game update failed", zap.String("match_id", st.MatchID), zap.Error(err))
	}
}
