package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefStatus is what the oracle reports for a reference.
type RefStatus string

const (
	StatusChallenge RefStatus = "challenge"
	StatusGame      RefStatus = "game"
	StatusNotFound  RefStatus = "not_found"
)

type Result struct {
	Status RefStatus `json:"status"`
	GameID string    `json:"gameId,omitempty"`
}

// Oracle reports whether a challenge has become a game.
type Oracle interface {
	Status(ctx context.Context, ref string) (Result, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, ref string) (Result, error)

func (f OracleFunc) Status(ctx context.Context, ref string) (Result, error) { return f(ctx, ref) }

type httpError struct {
	Status int
	Body   string
}

func (e httpError) Error() string { return fmt.Sprintf("oracle http %d: %s", e.Status, e.Body) }

// HTTPOracle queries GET {base}/api/challenge/{ref}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, client *http.Client) *HTTPOracle {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPOracle{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (o *HTTPOracle) Status(ctx context.Context, ref string) (Result, error) {
	u := fmt.Sprintf("%s/api/challenge/%s", o.baseURL, url.PathEscape(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := o.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound, res.StatusCode == http.StatusGone:
		return Result{Status: StatusNotFound}, nil
	case res.StatusCode != http.StatusOK:
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(res.Body).Decode(&msg)
		return Result{}, httpError{Status: res.StatusCode, Body: msg.Message}
	}

	var out Result
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode oracle response: %w", err)
	}
	switch out.Status {
	case StatusChallenge, StatusNotFound:
	case StatusGame:
		if out.GameID == "" {
			return Result{}, fmt.Errorf("oracle reported game without id for %s", ref)
		}
	default:
		return Result{}, fmt.Errorf("oracle reported unknown status %q", out.Status)
	}
	return out, nil
}
