package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const tokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const UserKey contextKey = "user"

// Signer issues and validates HS256 session tokens.
type Signer struct {
	key []byte
	now func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret), now: time.Now}
}

// GenerateToken creates a new JWT token for a given user
func (s *Signer) GenerateToken(userID, displayName string) (string, error) {
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// ValidateToken parses and validates a JWT token
func (s *Signer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header, falling
// back to the token query parameter some websocket clients must use.
func BearerToken(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tokenString, "Bearer ")
}

// Middleware rejects requests without a valid token and stores the claims
// in the request context under UserKey.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		claims, err := s.ValidateToken(tokenString)
		if err != nil {
			jww.DEBUG.Printf("[auth] rejected token: %v", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, UserKey, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(UserKey).(*Claims)
	return c, ok && c != nil
}
