package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/nodegate/internal/pathguard"
)

const (
	maxJSONBodyBytes = 1 << 20 // 1 MiB
	bodyReadTimeout  = 10 * time.Second
)

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// requireMethods rejects requests with a 405 and an Allow header listing
// what the route accepts.
func requireMethods(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	for _, m := range allowed {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// readJSONBody decodes a JSON request body into dst, guarding against
// oversized payloads (413), wrong content types (415), and slow-loris reads
// (408). A handler that gets false has already written the response.
func readJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			writeJSONError(w, http.StatusUnsupportedMediaType, "expected application/json")
			return false
		}
	}

	// Best effort: recorders used in tests do not support deadlines.
	_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(bodyReadTimeout))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			writeJSONError(w, http.StatusRequestTimeout, "request body read timed out")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// guardProtectedRoute enforces full authorization on configured protected
// route prefixes. The request path is canonicalized before matching so
// percent-encoded traversal cannot slip past the prefix check; ambiguous
// encodings fail closed into the protected branch.
func (s *Server) guardProtectedRoute(w http.ResponseWriter, r *http.Request) bool {
	if !pathguard.IsPathProtected(r.URL.EscapedPath(), s.protectedRoutes()) {
		return true
	}
	decision := s.authorizer().Authorize(r)
	if decision.Authorized {
		return true
	}
	s.denyRequest(r, decision)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

// guardRateLimit applies the fixed-window limiter, keyed by bearer token
// when present and remote address otherwise.
func (s *Server) guardRateLimit(w http.ResponseWriter, r *http.Request) bool {
	key := bearerToken(r)
	if key == "" {
		key = r.RemoteAddr
	}
	if s.limiter.Allow(key) {
		return true
	}
	s.noteRateLimited(r)
	w.Header().Set("Retry-After", "1")
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
