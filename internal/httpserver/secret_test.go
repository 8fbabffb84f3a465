package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHasSecretPrefix(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		want   bool
	}{
		{"exact prefix", "/abc123", "/abc123", true},
		{"prefix with suffix", "/abc123/server", "/abc123", true},
		{"wrong secret", "/wrong/server", "/abc123", false},
		{"path shorter than prefix", "/ab", "/abc123", false},
		{"empty path", "", "/abc123", false},
		{"empty prefix matches anything", "/anything", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasSecretPrefix(tt.path, tt.prefix); got != tt.want {
				t.Errorf("hasSecretPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestSecretPrefixMiddleware(t *testing.T) {
	mw := SecretPrefix("/sekret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"matching prefix", "/sekret/server", http.StatusOK},
		{"wrong prefix", "/other/server", http.StatusNotFound},
		{"no prefix at all", "/server", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
