package channel

import (
	"sync"

	"matchsync/internal/models"
)

// MatchState holds the newest match snapshot seen. Snapshots replace state
// wholesale; a duplicate or older one (by UpdatedAt) is ignored.
type MatchState struct {
	mu      sync.Mutex
	current *models.Match
}

// Apply reports whether snap replaced the held state.
func (s *MatchState) Apply(snap *models.Match) bool {
	if snap == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !snap.UpdatedAt.After(s.current.UpdatedAt) {
		return false
	}
	s.current = snap.Clone()
	return true
}

func (s *MatchState) Current() *models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// GameView holds the newest board snapshot seen, ordered by ply.
type GameView struct {
	mu      sync.Mutex
	current *models.GameState
}

func (v *GameView) Apply(snap *models.GameState) bool {
	if snap == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil && snap.Ply <= v.current.Ply {
		return false
	}
	c := *snap
	c.Moves = append([]string{}, snap.Moves...)
	v.current = &c
	return true
}

func (v *GameView) Current() *models.GameState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return nil
	}
	c := *v.current
	c.Moves = append([]string{}, v.current.Moves...)
	return &c
}
