package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   test-key  ", want: "test-key"},
		{name: "missing", header: "", wantErr: ErrMissingHeader},
		{name: "basic", header: "Basic abc", wantErr: ErrInvalidHeader},
		{name: "blank", header: "Bearer   ", wantErr: ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if err != tt.wantErr {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"history:ro", " "}},
		{Token: "writer", Scopes: []string{"events:rw"}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	if !ok || !HasAnyScope(p, ScopeHistoryRO) || !HasAnyScope(p, ScopeEventsRO) {
		t.Fatalf("api key should grant every scope, got %+v ok=%v", p, ok)
	}

	p, ok = Authenticate("reader", "admin", tokens)
	if !ok {
		t.Fatal("expected reader to authenticate")
	}
	if !HasAnyScope(p, ScopeHistoryRO) {
		t.Fatal("reader should have history:ro")
	}
	if HasAnyScope(p, ScopeEventsRO) {
		t.Fatal("reader should not have events:ro")
	}
	if len(p.Scopes) != 1 {
		t.Fatalf("blank scopes should be dropped, got %v", p.Scopes)
	}

	p, ok = Authenticate("writer", "", tokens)
	if !ok || !HasAnyScope(p, ScopeEventsRO) {
		t.Fatal("events:rw should imply events:ro")
	}

	if _, ok := Authenticate("nope", "admin", tokens); ok {
		t.Fatal("unknown token must not authenticate")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token must not authenticate against empty key")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "x" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
	if !HasAnyScope(p) {
		t.Fatal("no required scopes should always pass")
	}
}
