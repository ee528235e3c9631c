// Package middleware содержит HTTP middleware сервиса заказов бота.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const (
	userIDKey        contextKey = "userID"
	trustedCallerKey contextKey = "trustedCaller"
)

// ServiceTokenHeader несёт общий секрет транспорта бота.
const ServiceTokenHeader = "X-Service-Token"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
	bearerPrefix   = "Bearer "
)

// AuthMiddleware проверяет подписанный токен пользователя из cookie или заголовка Authorization
// и сервисный токен транспорта бота.
type AuthMiddleware struct {
	secretKey    []byte
	serviceToken []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом secret ключ генерируется случайно,
// и выданные токены перестают действовать после перезапуска. При пустом serviceToken
// доверенных вызывающих нет.
func NewAuthMiddleware(secret, serviceToken string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey:    key,
		serviceToken: []byte(serviceToken),
	}
}

// TrustedCaller отмечает в контексте запрос с верным сервисным токеном.
// Неверный токен отклоняется с 401, запрос без токена проходит как недоверенный.
func (a *AuthMiddleware) TrustedCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(ServiceTokenHeader)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if len(a.serviceToken) == 0 || subtle.ConstantTimeCompare([]byte(token), a.serviceToken) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), trustedCallerKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsTrustedCaller сообщает, предъявил ли запрос верный сервисный токен.
func IsTrustedCaller(ctx context.Context) bool {
	trusted, _ := ctx.Value(trustedCallerKey).(bool)
	return trusted
}

// Middleware кладёт идентификатор пользователя из токена в контекст запроса либо отвечает 401.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token возвращает подписанный токен пользователя.
func (a *AuthMiddleware) Token(userID int64) string {
	return a.sign(strconv.FormatInt(userID, 10))
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.Token(userID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (a *AuthMiddleware) sign(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	return idStr + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (int64, bool) {
	idStr, _, ok := strings.Cut(token, ".")
	if !ok {
		return 0, false
	}
	if !hmac.Equal([]byte(token), []byte(a.sign(idStr))) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
