// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/tenkibot/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIDContextKey はリクエストコンテキストにクライアント識別子を格納するためのキー。
var clientIDContextKey = contextKey("client_id")

// NewTokenAuthMiddleware は Authorization: Bearer <token> を検証するミドルウェアを返す。
// 認証に成功したリクエストにはクライアント識別子（接続元IP）をコンテキストに注入する。
// tokenが空の場合はすべてのリクエストを拒否する。
func NewTokenAuthMiddleware(token string) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given, ok := bearerToken(r)
			if len(expected) == 0 || !ok || subtle.ConstantTimeCompare([]byte(given), expected) != 1 {
				slog.Warn("unauthorized api request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client_ip", clientIP(r)),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "UNAUTHORIZED",
					Message:  "認証が必要です。",
					Category: "auth",
					Action:   "Authorization ヘッダーにAPIトークンを指定してください。",
				})
				return
			}

			ctx := context.WithValue(r.Context(), clientIDContextKey, clientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDFromContext はリクエストコンテキストからクライアント識別子を取得する。
func ClientIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("client id not found in context")
	}
	return id, nil
}

// ContextWithClientID はクライアント識別子をコンテキストに設定する。テスト用。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// clientIP は RemoteAddr のホスト部分を返す。
// chi の RealIP ミドルウェアを前段に置けば X-Forwarded-For が反映される。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
