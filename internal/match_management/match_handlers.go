package match_management

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"matchsync/internal/models"
	"matchsync/internal/utils"
)

var errBadRequest = errors.New("bad request")

// decodeOptional treats an empty body as the zero request.
func decodeOptional(r *http.Request, v interface{}) error {
	if err := utils.ReadJSON(r, v); err != nil && !errors.Is(err, utils.ErrEmptyBody) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// --- Create Handler ---
func (matchManager *MatchManager) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMatchReq
	if err := decodeOptional(r, &req); err != nil {
		matchManager.writeError(w, r, err)
		return
	}

	match, err := matchManager.machine.Create(r.Context(), matchManager.caller(r), req)
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, models.Resp{OK: true, Info: match})
}

// --- Get Handler ---
func (matchManager *MatchManager) GetHandler(w http.ResponseWriter, r *http.Request) {
	match, err := matchManager.machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: match})
}

// --- Delete Handler ---
func (matchManager *MatchManager) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "id")
	if err := matchManager.machine.Delete(r.Context(), matchManager.caller(r), matchID); err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	if matchManager.boards != nil {
		if err := matchManager.boards.Delete(r.Context(), matchID); err != nil {
			matchManager.logger.Warn("failed to drop game board", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: "deleted"})
}

// --- Join Handler ---
func (matchManager *MatchManager) JoinHandler(w http.ResponseWriter, r *http.Request) {
	match, err := matchManager.machine.Join(r.Context(), matchManager.caller(r), chi.URLParam(r, "id"))
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: match})
}

// --- Cancel Handler ---
func (matchManager *MatchManager) CancelHandler(w http.ResponseWriter, r *http.Request) {
	match, err := matchManager.machine.Cancel(r.Context(), matchManager.caller(r), chi.URLParam(r, "id"))
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: match})
}

// --- Complete Handler ---
func (matchManager *MatchManager) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteReq
	if err := decodeOptional(r, &req); err != nil {
		matchManager.writeError(w, r, err)
		return
	}

	match, err := matchManager.machine.Complete(r.Context(), matchManager.caller(r), chi.URLParam(r, "id"), req.WinnerID)
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: match})
}

// --- External Ref Handler ---
func (matchManager *MatchManager) ExternalRefHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ExternalRefReq
	if err := utils.ReadJSON(r, &req); err != nil {
		matchManager.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	match, err := matchManager.machine.UpdateExternalRef(r.Context(), matchManager.caller(r), chi.URLParam(r, "id"), req.Ref, req.Kind)
	if err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, models.Resp{OK: true, Info: match})
}

// --- Resolve Handler ---
func (matchManager *MatchManager) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	if err := matchManager.tracker.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		matchManager.writeError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, models.Resp{OK: true, Info: "resolving"})
}
