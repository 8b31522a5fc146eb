package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"matchsync/internal/models"
)

const maxBodyBytes = 1 << 20

var ErrEmptyBody = errors.New("empty request body")

// --- Helper Functions ---
func WriteJSON(w http.ResponseWriter, code int, resp models.Resp) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// ReadJSON decodes a bounded request body into v. An empty body is
// ErrEmptyBody so callers can treat the payload as optional.
func ReadJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
