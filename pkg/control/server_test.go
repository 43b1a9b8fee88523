package control

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fly-io/nixless-agent/pkg/coordinator"
	"github.com/fly-io/nixless-agent/pkg/directive"
	"github.com/fly-io/nixless-agent/pkg/generations"
)

func newTestServer(t *testing.T) (*Server, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	verifier := directive.New(pub)

	registry, err := generations.Open(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}

	coord := &coordinator.Coordinator{}

	return New(coord, registry, verifier, DefaultMaxBodyBytes), priv
}

func TestNewConfigurationRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/new-configuration", strings.NewReader("not a directive"))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRollbackRejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rollback-configuration", strings.NewReader("not-a-signature"))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 400 or 401", rec.Code)
	}
}

func TestSummaryReportsStandbyWithNoCurrent(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/summary", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"standby"`) {
		t.Fatalf("body missing standby status: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"pending_config"`) {
		t.Fatalf("standby summary should omit pending_config: %s", rec.Body.String())
	}
}
