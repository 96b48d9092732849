package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/basket/nodegate/internal/config"
)

// Authorization failure reasons, ordered from least to most specific. The
// authorizer reports the most specific reason collected across all attempted
// methods so operators can tell "no token sent" from "token present but
// wrong"; callers surface only a generic failure to the client.
const (
	ReasonUnauthorized  = "unauthorized"
	ReasonTokenMissing  = "token_missing"
	ReasonTokenMismatch = "token_mismatch"
)

// AuthMethod names the method that granted access.
type AuthMethod string

const (
	MethodLocalDirect AuthMethod = "local-direct"
	MethodBearer      AuthMethod = "bearer"
	MethodPassword    AuthMethod = "password"
	MethodTailscale   AuthMethod = "tailscale"
	MethodCapability  AuthMethod = "capability-token"
)

// AuthDecision is the discriminated result of an authorization attempt.
// Rejections carry a reason; they are never expressed as errors so call
// sites cannot accidentally treat one as success.
type AuthDecision struct {
	Authorized bool
	Method     AuthMethod
	Reason     string

	// NodeID is set when a capability token granted access; it names the
	// node session holding the token.
	NodeID string
}

// Authorizer evaluates every inbound connection and request. It is a pure
// evaluator over the request plus two shared synchronized stores (the rate
// limiter and the capability token store) and is safe for concurrent use.
type Authorizer struct {
	cfg    config.AuthConfig
	canvas *CanvasTokenStore
}

// NewAuthorizer creates an authorizer. canvas may be nil when the gateway
// serves no canvas surface.
func NewAuthorizer(cfg config.AuthConfig, canvas *CanvasTokenStore) *Authorizer {
	return &Authorizer{cfg: cfg, canvas: canvas}
}

// Authorize runs the full method chain for an inbound request:
// local-direct bypass, bearer token, password, tailscale identity header,
// and finally the canvas capability token. The first success wins; on total
// failure the decision carries the most specific reason seen.
func (a *Authorizer) Authorize(r *http.Request) AuthDecision {
	if a.isLocalDirect(r) {
		return AuthDecision{Authorized: true, Method: MethodLocalDirect}
	}

	reason := ReasonUnauthorized

	bearer := bearerToken(r)
	if bearer != "" {
		// A bearer token was presented: run token auth with header trust
		// disabled. Identity headers are only believable on transports that
		// cannot carry a token, and mixing the two would let a spoofed
		// header rescue a wrong token.
		if a.cfg.Token != "" && constantTimeEqual(bearer, a.cfg.Token) {
			return AuthDecision{Authorized: true, Method: MethodBearer}
		}
		reason = ReasonTokenMismatch
	} else {
		if a.cfg.Token != "" || a.cfg.Password != "" {
			reason = ReasonTokenMissing
		}
		if password := r.Header.Get("X-Gateway-Password"); password != "" {
			if a.cfg.Password != "" && constantTimeEqual(password, a.cfg.Password) {
				return AuthDecision{Authorized: true, Method: MethodPassword}
			}
			reason = ReasonTokenMismatch
		}
		if a.cfg.AllowTailscale {
			if login := r.Header.Get("Tailscale-User-Login"); login != "" {
				return AuthDecision{Authorized: true, Method: MethodTailscale}
			}
		}
	}

	if a.canvas != nil {
		if candidate := r.URL.Query().Get("token"); candidate != "" {
			if nodeID, ok := a.canvas.Redeem(candidate); ok {
				return AuthDecision{Authorized: true, Method: MethodCapability, NodeID: nodeID}
			}
			reason = ReasonTokenMismatch
		}
	}

	return AuthDecision{Authorized: false, Reason: reason}
}

// AuthorizePluginRoute is the narrow guard for plugin-exposed HTTP routes.
// Only the bearer path is consulted; capability tokens and the local-direct
// bypass never apply, since plugin routes are reached by network clients
// that must always prove identity. On failure it writes a structured 401
// and returns false.
func (a *Authorizer) AuthorizePluginRoute(w http.ResponseWriter, r *http.Request) bool {
	bearer := bearerToken(r)
	reason := ReasonTokenMissing
	if bearer != "" {
		if a.cfg.Token != "" && constantTimeEqual(bearer, a.cfg.Token) {
			return true
		}
		reason = ReasonTokenMismatch
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  "unauthorized",
		"reason": reason,
	})
	return false
}

// isLocalDirect reports whether the request provably originates from local,
// non-proxied tooling. A loopback peer qualifies unless forwarding headers
// are present; forwarded requests qualify only when the direct peer is a
// configured trusted proxy and the forwarded client resolves to loopback.
func (a *Authorizer) isLocalDirect(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	realIP := r.Header.Get("X-Real-IP")

	if ip.IsLoopback() && forwarded == "" && realIP == "" {
		return true
	}
	if !a.isTrustedProxy(host) {
		return false
	}

	// Behind a trusted proxy the client is the first forwarded-for hop.
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		client := net.ParseIP(first)
		return client != nil && client.IsLoopback()
	}
	if realIP != "" && a.cfg.AllowRealIPFallback {
		client := net.ParseIP(strings.TrimSpace(realIP))
		return client != nil && client.IsLoopback()
	}
	return false
}

func (a *Authorizer) isTrustedProxy(host string) bool {
	for _, proxy := range a.cfg.TrustedProxies {
		if proxy == host {
			return true
		}
	}
	return false
}

// bearerToken extracts a bearer token from the Authorization header or the
// access_token query parameter (for WebSocket clients that cannot set
// headers).
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("access_token")
}

// constantTimeEqual compares two secrets in fixed time. Ordinary string
// equality leaks the length of the matching prefix.
func constantTimeEqual(candidate, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}
