// Package middleware содержит HTTP middleware шлюза klint-market.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	sessionIDKey contextKey = "sessionID"
	cartIDKey    contextKey = "cartID"
)

const (
	sessionCookieName = "km_session"
	cartCookieName    = "km_cart"
	sessionCookieTTL  = 30 * 24 * time.Hour
	cartCookieTTL     = 180 * 24 * time.Hour
)

// AuthMiddleware проверяет подписанные cookie сессии и корзины.
// Идентификаторы подписываются HMAC-SHA256, чтобы клиент не мог
// подставить чужой идентификатор.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
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

// Middleware требует валидную cookie сессии и добавляет её идентификатор
// в контекст запроса. Без сессии запрос отклоняется.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := a.cookieValue(r, sessionCookieName)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional добавляет идентификатор сессии в контекст, если cookie валидна,
// и пропускает запрос дальше в любом случае.
func (a *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID, ok := a.cookieValue(r, sessionCookieName); ok {
			r = r.WithContext(context.WithValue(r.Context(), sessionIDKey, sessionID))
		}
		next.ServeHTTP(w, r)
	})
}

// CartCookie гарантирует запросу идентификатор корзины: валидная cookie
// переиспользуется, отсутствующая или подделанная заменяется новой.
func (a *AuthMiddleware) CartCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cartID, ok := a.cookieValue(r, cartCookieName)
		if !ok {
			cartID = uuid.NewString()
			a.setSignedCookie(w, cartCookieName, cartID, cartCookieTTL)
		}

		ctx := context.WithValue(r.Context(), cartIDKey, cartID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetSessionCookie устанавливает подписанную cookie для идентификатора сессии.
func (a *AuthMiddleware) SetSessionCookie(w http.ResponseWriter, sessionID string) {
	a.setSignedCookie(w, sessionCookieName, sessionID, sessionCookieTTL)
}

// ClearSessionCookie стирает cookie сессии при выходе из системы.
func (a *AuthMiddleware) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) setSignedCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    a.sign(value),
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) cookieValue(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	return a.parse(cookie.Value)
}

func (a *AuthMiddleware) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parse(cookieValue string) (string, bool) {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	id := cookieValue[:idx]
	signature := cookieValue[idx+1:]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}
	return id, true
}

// GetSessionIDFromContext извлекает идентификатор сессии из контекста запроса.
func GetSessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok
}

// GetCartIDFromContext извлекает идентификатор корзины из контекста запроса.
func GetCartIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(cartIDKey).(string)
	return id, ok
}
