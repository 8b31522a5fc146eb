package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing or malformed Authorization header")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims carried by a session token. sub is the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl}
}

func (t *Tokens) Issue(id Identity) (string, error) {
	if id.Empty() {
		return "", ErrNoIdentity
	}
	now := time.Now()
	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrInvalidClaims
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

// FromRequest reads a bearer token from the Authorization header, falling back
// to the token query parameter that browsers use for websocket upgrades.
func (t *Tokens) FromRequest(r *http.Request) (Identity, error) {
	tokenStr := r.URL.Query().Get("token")
	if authz := r.Header.Get("Authorization"); authz != "" {
		if !strings.HasPrefix(authz, "Bearer ") {
			return Identity{}, ErrMissingToken
		}
		tokenStr = strings.TrimPrefix(authz, "Bearer ")
	}
	if tokenStr == "" {
		return Identity{}, ErrMissingToken
	}
	return t.Verify(tokenStr)
}
