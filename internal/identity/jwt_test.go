package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens_IssueVerify(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"), time.Hour)

	tok, err := tokens.Issue(Identity{UserID: "A", Username: "alice"})
	require.NoError(t, err)

	id, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "A", Username: "alice"}, id)

	_, err = tokens.Issue(Identity{})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestTokens_Verify(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"), time.Hour)

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokens([]byte("other-secret"), time.Hour).Issue(Identity{UserID: "A"})
		require.NoError(t, err)
		_, err = tokens.Verify(other)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "A",
			"exp": time.Now().Add(-time.Minute).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("invalid signing method", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub": "A",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(key)
		require.NoError(t, err)
		_, err = tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"username": "ghost",
			"exp":      time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidClaims)
	})
}

func TestTokens_FromRequest(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"), time.Hour)
	tok, err := tokens.Issue(Identity{UserID: "B", Username: "bob"})
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		id, err := tokens.FromRequest(req)
		require.NoError(t, err)
		assert.Equal(t, "B", id.UserID)
	})

	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws?token="+tok, nil)
		id, err := tokens.FromRequest(req)
		require.NoError(t, err)
		assert.Equal(t, "bob", id.Username)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		_, err := tokens.FromRequest(req)
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Token abc")
		_, err := tokens.FromRequest(req)
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestContextProvider(t *testing.T) {
	var p Provider = Context{}
	_, err := p.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = p.Current(WithIdentity(context.Background(), Identity{Username: "ghost"}))
	assert.ErrorIs(t, err, ErrNoIdentity)

	id := Identity{UserID: "A", Username: "alice"}
	ctx := WithIdentity(context.Background(), id)
	got, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	fromCtx, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, fromCtx)
}
