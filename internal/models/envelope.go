package models

import (
	"encoding/json"
	"time"
)

// Envelope types on the relay socket
const (
	TypeCall            = "call"
	TypeResult          = "result"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeMatchUpdate     = "matchUpdate"
	TypeGameStateUpdate = "gameStateUpdate"
	TypeError           = "error"
)

// Call methods accepted by the relay
const (
	MethodCreateMatch = "createMatch"
	MethodJoinMatch   = "joinMatch"
	MethodStartMatch  = "startMatch"
	MethodMakeMove    = "makeMove"
	MethodCancelMatch = "cancelMatch"
	MethodResign      = "resign"
)

// Envelope is the single frame format exchanged with the relay.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	MatchID string          `json:"matchId,omitempty"`
	Success bool            `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CallResult is what a request/response call resolves to.
type CallResult struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// GameState is a full board snapshot for one match. Ply orders snapshots.
type GameState struct {
	MatchID   string    `json:"matchId"`
	FEN       string    `json:"fen"`
	Moves     []string  `json:"moves"`
	Ply       int       `json:"ply"`
	Turn      Seat      `json:"turn"`
	Outcome   string    `json:"outcome"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GameStateUpdate is the payload of a gameStateUpdate envelope.
type GameStateUpdate struct {
	MatchID  string     `json:"matchId"`
	Snapshot *GameState `json:"snapshot"`
}
