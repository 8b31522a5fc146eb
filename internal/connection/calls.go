package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"matchsync/internal/models"
)

// CallError is a call the relay answered with success=false.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

func (m *Manager) callInto(ctx context.Context, method string, req, out interface{}) error {
	res, err := m.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if !res.Success {
		return &CallError{Method: method, Message: res.Error}
	}
	if out == nil || len(res.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (m *Manager) CreateMatch(ctx context.Context, req models.CreateMatchReq) (*models.Match, error) {
	var out models.Match
	if err := m.callInto(ctx, models.MethodCreateMatch, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) JoinMatch(ctx context.Context, matchID string) (*models.Match, error) {
	return m.matchCall(ctx, models.MethodJoinMatch, matchID)
}

func (m *Manager) CancelMatch(ctx context.Context, matchID string) (*models.Match, error) {
	return m.matchCall(ctx, models.MethodCancelMatch, matchID)
}

func (m *Manager) Resign(ctx context.Context, matchID string) (*models.Match, error) {
	return m.matchCall(ctx, models.MethodResign, matchID)
}

func (m *Manager) StartMatch(ctx context.Context, matchID string) (*models.GameState, error) {
	var out models.GameState
	if err := m.callInto(ctx, models.MethodStartMatch, models.MatchIDReq{MatchID: matchID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) MakeMove(ctx context.Context, matchID, move string) (*models.GameState, error) {
	var out models.GameState
	if err := m.callInto(ctx, models.MethodMakeMove, models.MoveReq{MatchID: matchID, Move: move}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) matchCall(ctx context.Context, method, matchID string) (*models.Match, error) {
	var out models.Match
	if err := m.callInto(ctx, method, models.MatchIDReq{MatchID: matchID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
