package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Token(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), time.Hour)

	token, err := a.NewToken(42, true)
	require.NoError(t, err)

	claims, err := a.Parse(token)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.True(t, claims.Admin)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewAuthenticator([]byte("other"), time.Hour).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired := NewAuthenticator([]byte("secret"), time.Hour)
		expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		old, err := expired.NewToken(42, false)
		require.NoError(t, err)

		_, err = a.Parse(old)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Parse("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator([]byte("secret"), time.Hour)
	userToken, err := a.NewToken(1, false)
	require.NoError(t, err)
	adminToken, err := a.NewToken(2, true)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, found := FromContext(r.Context())
		require.True(t, found)
		assert.NotEmpty(t, claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})
	user := a.Middleware(ok)
	admin := a.Middleware(RequireAdmin(ok))

	tests := []struct {
		name    string
		handler http.Handler
		target  string
		header  string
		want    int
	}{
		{name: "no token", handler: user, target: "/", want: http.StatusUnauthorized},
		{name: "bad token", handler: user, target: "/", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "other scheme", handler: user, target: "/", header: "Basic " + userToken, want: http.StatusUnauthorized},
		{name: "header", handler: user, target: "/", header: "Bearer " + userToken, want: http.StatusNoContent},
		{name: "query", handler: user, target: "/?token=" + userToken, want: http.StatusNoContent},
		{name: "admin route as user", handler: admin, target: "/", header: "Bearer " + userToken, want: http.StatusForbidden},
		{name: "admin route as admin", handler: admin, target: "/", header: "Bearer " + adminToken, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
