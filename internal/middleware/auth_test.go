package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "正しいトークン", token: "secret", header: "Bearer secret", want: http.StatusOK},
		{name: "スキームは大文字小文字を区別しない", token: "secret", header: "bearer secret", want: http.StatusOK},
		{name: "トークン不一致", token: "secret", header: "Bearer wrong", want: http.StatusUnauthorized},
		{name: "ヘッダーなし", token: "secret", header: "", want: http.StatusUnauthorized},
		{name: "Basic認証", token: "secret", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "空トークン設定は常に拒否", token: "", header: "Bearer ", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var clientID string
			handler := NewTokenAuthMiddleware(tt.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				clientID, _ = ClientIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/areas/130000", nil)
			req.RemoteAddr = "192.0.2.10:54321"
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && clientID != "192.0.2.10" {
				t.Errorf("clientID = %q, want 192.0.2.10", clientID)
			}
			if tt.want == http.StatusUnauthorized {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("レスポンスがJSONであるべき: %v", err)
				}
				if body.Code != "UNAUTHORIZED" || body.Category != "auth" {
					t.Errorf("body = %+v", body)
				}
			}
		})
	}
}

func TestClientIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := ClientIDFromContext(req.Context()); err == nil {
		t.Error("クライアント識別子がない場合はエラーを返すべき")
	}
}
