package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "jwt-secret"

func token(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func protected(t *testing.T) (http.Handler, *Identity) {
	seen := &Identity{}
	h := RequireRole(testSecret, "admin", "editor")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		*seen = id
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, seen
}

func TestRequireRole_Admits(t *testing.T) {
	h, seen := protected(t)
	tok := token(t, testSecret, jwt.MapClaims{"sub": "u1", "role": "editor", "exp": time.Now().Add(time.Hour).Unix()})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, Identity{UserID: "u1", Role: "editor"}, *seen)
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tok})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequireRole_Rejects(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		header string
	}{
		{"no credentials", ""},
		{"malformed header", "Token abc"},
		{"wrong secret", "Bearer " + token(t, "other", jwt.MapClaims{"sub": "u1", "role": "admin", "exp": future})},
		{"expired", "Bearer " + token(t, testSecret, jwt.MapClaims{"sub": "u1", "role": "admin", "exp": time.Now().Add(-time.Minute).Unix()})},
		{"unprivileged role", "Bearer " + token(t, testSecret, jwt.MapClaims{"sub": "u1", "role": "viewer", "exp": future})},
		{"missing subject", "Bearer " + token(t, testSecret, jwt.MapClaims{"role": "admin", "exp": future})},
		{"none algorithm", "Bearer " + noneToken(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := protected(t)
			req := httptest.NewRequest(http.MethodPost, "/upload", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"success":false`)
		})
	}
}

func noneToken(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "role": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}
