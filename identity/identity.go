/*
Package identity resolves an inbound request to an identity token (C3).

Two forms exist and are never blended: fingerprint form
(fp:<uuid>:<hex>), preferred when present and well-formed, and network
form (a literal-prefixed client address) as the fallback. The prefix
selects the token's namespace in every downstream KV key, so a
user-controlled fingerprint can never collide with an address-derived
key.
*/
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Token is an opaque identity string. Its prefix ("fp:" or "net:")
// distinguishes the two namespaces; callers should not parse it beyond
// that, per spec — the challenge-id inside a fingerprint token is
// meaningful only to the Challenge Service.
type Token string

const (
	fingerprintPrefix = "fp:"
	networkPrefix     = "net:"
)

// IsFingerprint reports whether the token is fingerprint-form.
func (t Token) IsFingerprint() bool { return strings.HasPrefix(string(t), fingerprintPrefix) }

// ChallengeID extracts the challenge ID embedded in a fingerprint-form
// token. Returns "" if the token is not fingerprint form.
func (t Token) ChallengeID() string {
	if !t.IsFingerprint() {
		return ""
	}
	rest := strings.TrimPrefix(string(t), fingerprintPrefix)
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

// fingerprintHeaderRe matches fp:<uuid-v4>:<hex, len>=32>. The UUID is
// validated loosely (8-4-4-4-12 hex groups); version/variant bits are
// not checked since a malformed-but-v4-shaped header should still be
// treated as present rather than silently downgraded, and strict
// version checking would reject legitimately-issued IDs under future
// UUID generator changes.
var fingerprintHeaderRe = regexp.MustCompile(`^fp:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}:[0-9a-fA-F]{32,}$`)

// Resolver maps requests to identity tokens using a configured list of
// trusted proxy headers. An empty trust list means only the transport
// peer address (r.RemoteAddr) is used — forwarded-for headers from an
// unconfigured deployment are never trusted, per spec.md's open
// question on proxy trust.
type Resolver struct {
	fingerprintHeader string
	trustedHeaders    []string
}

// NewResolver creates a Resolver. fingerprintHeader defaults to
// "X-Fingerprint" if empty. trustedHeaders lists, in priority order,
// headers a trusted reverse proxy sets with the real client address
// (e.g. "X-Forwarded-For", "X-Real-IP").
func NewResolver(fingerprintHeader string, trustedHeaders []string) *Resolver {
	if fingerprintHeader == "" {
		fingerprintHeader = "X-Fingerprint"
	}
	return &Resolver{fingerprintHeader: fingerprintHeader, trustedHeaders: trustedHeaders}
}

// Resolve never fails: a malformed fingerprint header is ignored and
// treated as absent, falling back to network form.
func (r *Resolver) Resolve(req *http.Request) Token {
	if v := req.Header.Get(r.fingerprintHeader); v != "" && fingerprintHeaderRe.MatchString(v) {
		return Token(v)
	}
	return Token(networkPrefix + r.clientAddr(req))
}

// clientAddr canonicalizes the client address from the configured
// trusted proxy headers, falling back to the transport peer address.
func (r *Resolver) clientAddr(req *http.Request) string {
	for _, h := range r.trustedHeaders {
		v := req.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For may carry a comma-separated chain; the
		// left-most entry is the original client.
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		if first != "" {
			return canonicalize(first)
		}
	}
	return canonicalize(req.RemoteAddr)
}

// canonicalize strips a port suffix when present so the same client
// always maps to the same address regardless of ephemeral source port.
func canonicalize(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
