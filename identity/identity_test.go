package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveFingerprintForm(t *testing.T) {
	r := NewResolver("", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Fingerprint", "fp:550e8400-e29b-41d4-a716-446655440000:deadbeefdeadbeefdeadbeefdeadbeef")

	tok := r.Resolve(req)
	if !tok.IsFingerprint() {
		t.Fatalf("expected fingerprint form, got %q", tok)
	}
	if got := tok.ChallengeID(); got != "550e8400-e29b-41d4-a716-446655440000" {
		t.Fatalf("unexpected challenge id: %q", got)
	}
}

func TestResolveMalformedFingerprintFallsBackToNetwork(t *testing.T) {
	r := NewResolver("", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Fingerprint", "fp:not-a-uuid:short")
	req.RemoteAddr = "203.0.113.5:54321"

	tok := r.Resolve(req)
	if tok.IsFingerprint() {
		t.Fatalf("expected network form for malformed header, got %q", tok)
	}
	if tok != "net:203.0.113.5" {
		t.Fatalf("unexpected token: %q", tok)
	}
}

func TestResolveNetworkFormStripsPort(t *testing.T) {
	r := NewResolver("", nil)
	req := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req.RemoteAddr = "198.51.100.7:9000"

	tok := r.Resolve(req)
	if tok != "net:198.51.100.7" {
		t.Fatalf("unexpected token: %q", tok)
	}
}

func TestResolveUntrustedForwardedForIsIgnored(t *testing.T) {
	r := NewResolver("", nil) // no trusted headers configured
	req := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.RemoteAddr = "203.0.113.9:1111"

	tok := r.Resolve(req)
	if tok != "net:203.0.113.9" {
		t.Fatalf("expected remote addr to win when proxy untrusted, got %q", tok)
	}
}

func TestResolveTrustedForwardedForWins(t *testing.T) {
	r := NewResolver("", []string{"X-Forwarded-For"})
	req := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	req.RemoteAddr = "203.0.113.9:1111"

	tok := r.Resolve(req)
	if tok != "net:1.2.3.4" {
		t.Fatalf("expected left-most forwarded address, got %q", tok)
	}
}

func TestResolveIsPureFunctionOfRequest(t *testing.T) {
	r := NewResolver("", nil)
	req1 := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req1.RemoteAddr = "203.0.113.9:1111"
	req2 := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req2.RemoteAddr = "203.0.113.9:2222"

	if r.Resolve(req1) != r.Resolve(req2) {
		t.Fatalf("expected identical identity regardless of ephemeral port")
	}
}
