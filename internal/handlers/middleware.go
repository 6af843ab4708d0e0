package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "userID"

// AnonymousUser identifies requests carrying no valid bearer token. The
// original app stored conversations of unauthenticated visitors under this
// user ID, and the same convention is kept here.
const AnonymousUser = "anonymous"

func userIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id
	}
	return AnonymousUser
}

// withIdentity resolves the caller's identity from an HS256 bearer token
// issued by the external auth provider. Tokens are only verified here, never
// issued. Requests without a valid token proceed as the anonymous user.
func (m Main) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := AnonymousUser

		auth := r.Header.Get("Authorization")
		if len(m.jwtSecret) > 0 && auth != "" {
			tokenString := auth
			if len(tokenString) > 7 && strings.EqualFold(tokenString[:7], "bearer ") {
				tokenString = tokenString[7:]
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return m.jwtSecret, nil
			})
			if err == nil && token.Valid {
				if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
					userID = sub
				}
			} else if err != nil {
				m.logger.Debug("Rejected bearer token", slog.String(errLoggerKey, err.Error()))
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLog logs one line per request with method, path, status, and
// duration.
func (m Main) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.logger.Info("Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
