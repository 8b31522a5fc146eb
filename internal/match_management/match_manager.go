package match_management

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	"matchsync/internal/models"
	"matchsync/internal/resolver"
	"matchsync/internal/utils"
)

// Retrier restarts resolution of a match's challenge reference.
type Retrier interface {
	Retry(ctx context.Context, matchID string) error
}

// Boards drops a match's game board once the match record is gone.
type Boards interface {
	Delete(ctx context.Context, matchID string) error
}

// MatchManager serves the REST match API on top of the state machine.
type MatchManager struct {
	machine *lifecycle.Machine
	tracker Retrier
	boards  Boards
	tokens  *identity.Tokens
	users   identity.Provider
	logger  *zap.Logger
}

func NewMatchManager(machine *lifecycle.Machine, tracker Retrier, boards Boards, tokens *identity.Tokens, logger *zap.Logger) *MatchManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchManager{
		machine: machine,
		tracker: tracker,
		boards:  boards,
		tokens:  tokens,
		users:   identity.Context{},
		logger:  logger,
	}
}

// Authenticate rejects requests without a valid bearer token before any
// handler runs, and puts the caller's identity on the request context.
func (matchManager *MatchManager) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := matchManager.tokens.FromRequest(r)
		if err != nil {
			utils.WriteJSON(w, http.StatusUnauthorized, models.Resp{OK: false, Info: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// caller is the empty identity when none was provided; the state machine
// rejects it before touching the store.
func (matchManager *MatchManager) caller(r *http.Request) identity.Identity {
	id, err := matchManager.users.Current(r.Context())
	if err != nil {
		return identity.Identity{}
	}
	return id
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, resolver.ErrNothingToResolve):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidInput), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (matchManager *MatchManager) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		matchManager.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("user_id", matchManager.caller(r).UserID),
			zap.Error(err))
		utils.WriteJSON(w, code, models.Resp{OK: false, Info: "internal error"})
		return
	}
	utils.WriteJSON(w, code, models.Resp{OK: false, Info: err.Error()})
}
