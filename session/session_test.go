package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(authorization string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}

	return r
}

func TestNewJWTLookup_EmptySecret(t *testing.T) {
	_, err := NewJWTLookup("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestJWTLookup_UserID(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lookup, err := NewJWTLookup("s3cr3t", WithIssuer("gravitas"), WithClock(clock))
	require.NoError(t, err)

	token, err := lookup.Issue("42", time.Hour)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		id, err := lookup.UserID(newRequest("Bearer " + token))
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	})

	t.Run("lowercase scheme", func(t *testing.T) {
		id, err := lookup.UserID(newRequest("bearer " + token))
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	})

	t.Run("anonymous", func(t *testing.T) {
		id, err := lookup.UserID(newRequest(""))
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("other scheme", func(t *testing.T) {
		id, err := lookup.UserID(newRequest("Basic dXNlcjpwYXNz"))
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTLookup("other", WithIssuer("gravitas"), WithClock(clock))
		require.NoError(t, err)

		_, err = other.UserID(newRequest("Bearer " + token))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewJWTLookup("s3cr3t", WithIssuer("someone-else"), WithClock(clock))
		require.NoError(t, err)

		_, err = other.UserID(newRequest("Bearer " + token))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later, err := NewJWTLookup(
			"s3cr3t",
			WithIssuer("gravitas"),
			WithClock(func() time.Time { return now.Add(2 * time.Hour) }),
		)
		require.NoError(t, err)

		_, err = later.UserID(newRequest("Bearer " + token))
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := lookup.UserID(newRequest("Bearer not-a-token"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestLookupFunc(t *testing.T) {
	var l Lookup = LookupFunc(func(*http.Request) (string, error) { return "7", nil })

	id, err := l.UserID(newRequest(""))
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}
