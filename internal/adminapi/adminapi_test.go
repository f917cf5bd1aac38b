package adminapi

import (
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fullbrightkay/routeweaver/internal/handshake"
	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/meshstate"
	"github.com/fullbrightkay/routeweaver/internal/router"
)

func testServer(t *testing.T) (*Server, []byte) {
	t.Helper()
	self, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("test-secret")
	log := slog.New(slog.DiscardHandler)
	s := New(meshstate.New(), router.New(log), handshake.New(self, meshstate.New(), log), secret, log)
	return s, secret
}

func TestPeersRequiresBearerToken(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest("GET", "/v1/peers", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}
}

func TestPeersAcceptsValidToken(t *testing.T) {
	s, secret := testServer(t)

	token, err := IssueToken(secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/peers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200 with a valid token, got %d: %s", w.Code, w.Body.String())
	}
}
