package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// canvasToken is one live capability token held on behalf of a connected
// node client.
type canvasToken struct {
	token     string
	nodeID    string
	sessionID string
	expiresAt time.Time
}

// CanvasTokenStore issues and redeems the opaque capability tokens embedded
// in canvas viewer URLs. Redemption slides the expiry forward so an open
// viewer stays authorized while it is being used.
type CanvasTokenStore struct {
	ttl   time.Duration
	clock func() time.Time

	mu     sync.Mutex
	tokens map[string]*canvasToken // keyed by node session id
}

// NewCanvasTokenStore creates a token store with the given sliding TTL.
func NewCanvasTokenStore(ttl time.Duration, clock func() time.Time) *CanvasTokenStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &CanvasTokenStore{
		ttl:    ttl,
		clock:  clock,
		tokens: make(map[string]*canvasToken),
	}
}

// Issue mints a token for a node's canvas session, replacing any previous
// token for the same session.
func (s *CanvasTokenStore) Issue(nodeID, sessionID string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	s.tokens[sessionID] = &canvasToken{
		token:     token,
		nodeID:    nodeID,
		sessionID: sessionID,
		expiresAt: s.clock().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Redeem checks a candidate against every live token using constant-time
// comparison. On a match the token's expiry slides forward and the owning
// node id is returned. Expired tokens never match.
func (s *CanvasTokenStore) Redeem(candidate string) (nodeID string, ok bool) {
	if candidate == "" {
		return "", false
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if now.After(t.expiresAt) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(t.token)) == 1 {
			t.expiresAt = now.Add(s.ttl)
			return t.nodeID, true
		}
	}
	return "", false
}

// Revoke drops the token for a node session, if any. Called when the owning
// node disconnects.
func (s *CanvasTokenStore) Revoke(sessionID string) {
	s.mu.Lock()
	delete(s.tokens, sessionID)
	s.mu.Unlock()
}

// RevokeForNode drops every token owned by a node. Called when the node
// disconnects; its canvas surfaces are gone with it.
func (s *CanvasTokenStore) RevokeForNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.nodeID == nodeID {
			delete(s.tokens, id)
		}
	}
}

// Sweep removes expired tokens. Called from the maintenance loop.
func (s *CanvasTokenStore) Sweep() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tokens {
		if now.After(t.expiresAt) {
			delete(s.tokens, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live tokens (for status/metrics).
func (s *CanvasTokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
