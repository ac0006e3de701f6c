// Package middleware содержит HTTP middleware сервиса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const payerIDKey contextKey = "payerID"

const (
	authCookieName = "auth_token"
	bearerPrefix   = "Bearer "
)

// AuthMiddleware определяет плательщика по подписанному cookie или заголовку Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: токены тогда действуют до перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
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
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет идентификатор плательщика в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			cookie, err := r.Cookie(authCookieName)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			token = cookie.Value
		}

		payerID, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), payerIDKey, payerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token возвращает подписанный токен плательщика вида "<id>.<hmac>".
func (a *AuthMiddleware) Token(payerID string) string {
	return payerID + "." + a.sign(payerID)
}

func (a *AuthMiddleware) sign(payerID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payerID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (string, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", false
	}

	payerID, signature := token[:i], token[i+1:]
	if !hmac.Equal([]byte(signature), []byte(a.sign(payerID))) {
		return "", false
	}

	return payerID, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// GetPayerIDFromContext извлекает идентификатор плательщика из контекста запроса.
func GetPayerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(payerIDKey).(string)
	return id, ok && id != ""
}

// WithPayerID кладёт идентификатор плательщика в контекст.
func WithPayerID(ctx context.Context, payerID string) context.Context {
	return context.WithValue(ctx, payerIDKey, payerID)
}
