package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("secret")
	tok, err := s.GenerateToken("alice", "Alice")
	require.NoError(t, err)

	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)

	_, err = NewSigner("other").ValidateToken(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestSigner_Expired(t *testing.T) {
	s := NewSigner("secret")
	s.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	tok, err := s.GenerateToken("alice", "")
	require.NoError(t, err)

	_, err = NewSigner("secret").ValidateToken(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestSigner_Middleware(t *testing.T) {
	s := NewSigner("secret")
	tok, _ := s.GenerateToken("bob", "")
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(c.UserID))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?token="+tok, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
