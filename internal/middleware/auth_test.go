package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protected(t *testing.T, wantID int64, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		id, ok := GetUserIDFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, wantID, id)
	})
}

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "bot-token")

	w := httptest.NewRecorder()
	m.SetAuthCookie(w, 42)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	r := httptest.NewRequest(http.MethodGet, "/api/basket", nil)
	r.AddCookie(cookies[0])

	called := false
	m.Middleware(protected(t, 42, &called)).ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, called)
}

func TestAuthMiddleware_WithBearerToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "bot-token")

	r := httptest.NewRequest(http.MethodGet, "/api/basket", nil)
	r.Header.Set("Authorization", "Bearer "+m.Token(7))

	called := false
	m.Middleware(protected(t, 7, &called)).ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, called)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "bot-token")
	other := NewAuthMiddleware("other-secret", "")

	tests := []struct {
		name   string
		header string
	}{
		{name: "no token", header: ""},
		{name: "foreign signature", header: "Bearer " + other.Token(7)},
		{name: "tampered id", header: "Bearer 8" + m.Token(7)[1:]},
		{name: "garbage", header: "Bearer not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/basket", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("next handler should not be called")
			})
			m.Middleware(next).ServeHTTP(w, r)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestTrustedCaller(t *testing.T) {
	tests := []struct {
		name        string
		configured  string
		header      string
		wantCode    int
		wantTrusted bool
	}{
		{name: "valid token", configured: "bot-token", header: "bot-token", wantCode: http.StatusOK, wantTrusted: true},
		{name: "no token", configured: "bot-token", header: "", wantCode: http.StatusOK},
		{name: "wrong token", configured: "bot-token", header: "guess", wantCode: http.StatusUnauthorized},
		{name: "not configured", configured: "", header: "anything", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAuthMiddleware("test-secret", tt.configured)

			r := httptest.NewRequest(http.MethodPost, "/api/users", nil)
			if tt.header != "" {
				r.Header.Set(ServiceTokenHeader, tt.header)
			}
			w := httptest.NewRecorder()

			trusted := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trusted = IsTrustedCaller(r.Context())
			})
			m.TrustedCaller(next).ServeHTTP(w, r)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantTrusted, trusted)
		})
	}
}
