package myMiddleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	myMiddleware "go-signal/internal/middleware"
)

func TestIdentity(t *testing.T) {
	var seen string
	h := myMiddleware.Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = myMiddleware.UserFrom(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		status int
		want   string
	}{
		{"header", "alice", "", http.StatusOK, "alice"},
		{"query fallback", "", "bob", http.StatusOK, "bob"},
		{"header wins", "alice", "bob", http.StatusOK, "alice"},
		{"missing", " ", "", http.StatusBadRequest, ""},
		{"separator", "x::y", "", http.StatusBadRequest, ""},
		{"reserved", "group", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/x?user_id="+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status || seen != tt.want {
				t.Errorf("status %d user %q, want %d %q", rec.Code, seen, tt.status, tt.want)
			}
		})
	}
}

func TestAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	open := myMiddleware.APIKey("")(ok)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled key check returned %d", rec.Code)
	}

	guarded := myMiddleware.APIKey("s3cret")(ok)
	for _, tc := range []struct {
		auth, query string
		status      int
	}{
		{"Bearer s3cret", "", http.StatusOK},
		{"", "s3cret", http.StatusOK},
		{"Bearer nope", "", http.StatusUnauthorized},
		{"", "", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/?token="+tc.query, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("auth %q query %q: status %d, want %d", tc.auth, tc.query, rec.Code, tc.status)
		}
	}
}
