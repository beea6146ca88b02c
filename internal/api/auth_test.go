package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattjoyce/edgecmd/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil)
	server.config.APIKey = "admin-key"
	server.config.Tokens = []auth.TokenConfig{
		{Token: "history-token", Scopes: []string{"history:ro"}},
		{Token: "events-token", Scopes: []string{"events:ro"}},
	}
	router := server.setupRoutes()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "admin key", header: "Bearer admin-key", want: http.StatusNotFound},
		{name: "scoped token", header: "Bearer history-token", want: http.StatusNotFound},
		{name: "wrong scope", header: "Bearer events-token", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// history is disabled on the test server, so an authorized
			// request reaches the handler and gets 404.
			req := httptest.NewRequest(http.MethodGet, "/history", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}
