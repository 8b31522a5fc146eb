package models

import (
	"time"
)

// Match statuses
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// RefKind says what an external reference currently points at.
type RefKind string

const (
	RefNone      RefKind = ""
	RefChallenge RefKind = "challenge"
	RefGame      RefKind = "game"
)

func (k RefKind) Valid() bool {
	return k == RefNone || k == RefChallenge || k == RefGame
}

// Seat is one side of the board.
type Seat string

const (
	SeatNone  Seat = ""
	SeatWhite Seat = "white"
	SeatBlack Seat = "black"
)

func (s Seat) Opposite() Seat {
	switch s {
	case SeatWhite:
		return SeatBlack
	case SeatBlack:
		return SeatWhite
	}
	return SeatNone
}

type Match struct {
	ID            string    `json:"id"`
	WhiteID       *string   `json:"whiteId"`
	WhiteUsername *string   `json:"whiteUsername"`
	BlackID       *string   `json:"blackId"`
	BlackUsername *string   `json:"blackUsername"`
	Stake         int64     `json:"stake"`
	TimeControl   string    `json:"timeControl"`
	GameMode      string    `json:"gameMode"`
	ExternalRef   *string   `json:"externalRef"`
	ExternalKind  RefKind   `json:"externalKind,omitempty"`
	Status        Status    `json:"status"`
	WinnerID      *string   `json:"winnerId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SeatOf returns the seat held by userID, or SeatNone.
func (m *Match) SeatOf(userID string) Seat {
	if m.WhiteID != nil && *m.WhiteID == userID {
		return SeatWhite
	}
	if m.BlackID != nil && *m.BlackID == userID {
		return SeatBlack
	}
	return SeatNone
}

// EmptySeat returns the first unfilled seat, or SeatNone when both are taken.
func (m *Match) EmptySeat() Seat {
	if m.WhiteID == nil {
		return SeatWhite
	}
	if m.BlackID == nil {
		return SeatBlack
	}
	return SeatNone
}

func (m *Match) BothSeated() bool {
	return m.WhiteID != nil && m.BlackID != nil
}

func (m *Match) IsPlayer(userID string) bool {
	return m.SeatOf(userID) != SeatNone
}

// PlayerAt returns the user id in seat, if any.
func (m *Match) PlayerAt(seat Seat) *string {
	switch seat {
	case SeatWhite:
		return m.WhiteID
	case SeatBlack:
		return m.BlackID
	}
	return nil
}

// Ref returns the external reference or "" when absent.
func (m *Match) Ref() string {
	if m.ExternalRef == nil {
		return ""
	}
	return *m.ExternalRef
}

// Clone returns a deep copy so callers can hand snapshots to listeners safely.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	c.WhiteID = cloneStr(m.WhiteID)
	c.WhiteUsername = cloneStr(m.WhiteUsername)
	c.BlackID = cloneStr(m.BlackID)
	c.BlackUsername = cloneStr(m.BlackUsername)
	c.ExternalRef = cloneStr(m.ExternalRef)
	c.WinnerID = cloneStr(m.WinnerID)
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StrPtr is a small helper for building nullable fields.
func StrPtr(s string) *string {
	return &s
}

type CreateMatchReq struct {
	Stake       int64   `json:"stake"`
	TimeControl string  `json:"timeControl"`
	GameMode    string  `json:"gameMode"`
	Color       Seat    `json:"color,omitempty"`
	ExternalRef string  `json:"externalRef,omitempty"`
	RefKind     RefKind `json:"externalKind,omitempty"`
}

type MatchIDReq struct {
	MatchID string `json:"matchId"`
}

type CompleteReq struct {
	WinnerID *string `json:"winnerId"`
}

type ExternalRefReq struct {
	Ref  string  `json:"ref"`
	Kind RefKind `json:"kind"`
}

type MoveReq struct {
	MatchID string `json:"matchId"`
	Move    string `json:"move"`
}

type Resp struct {
	OK   bool        `json:"ok"`
	Info interface{} `json:"info"`
}
