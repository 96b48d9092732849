// Package pathguard decides whether a request path falls under a protected
// route prefix. Paths are canonicalized and repeatedly percent-decoded so
// that encoding tricks cannot smuggle a protected route past the check;
// malformed encoding fails closed.
package pathguard

import (
	"net/url"
	"path"
	"strings"
)

// maxDecodePasses bounds iterative percent-decoding. Three passes cover
// double and triple encoding without looping forever on pathological input.
const maxDecodePasses = 3

// Canonical holds every form a raw request path can take after
// normalization and iterative decoding.
type Canonical struct {
	// Candidates starts with the normalized raw path followed by each
	// decoded-then-normalized intermediate form.
	Candidates []string

	// MalformedEncoding is set when percent-decoding failed at any pass.
	// Decoding stops there; matching falls back to the raw normalized path,
	// which is always the first candidate.
	MalformedEncoding bool
}

// Canonicalize normalizes a raw request path and collects every decoded
// intermediate form as a matching candidate.
func Canonicalize(raw string) Canonical {
	current := normalize(raw)
	c := Canonical{Candidates: []string{current}}

	for pass := 0; pass < maxDecodePasses; pass++ {
		decoded, err := url.PathUnescape(current)
		if err != nil {
			c.MalformedEncoding = true
			break
		}
		if decoded == current {
			break
		}
		current = normalize(decoded)
		c.Candidates = append(c.Candidates, current)
	}
	return c
}

// normalize collapses duplicate and trailing separators, resolves dot
// segments, and lower-cases the path.
func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	return strings.ToLower(p)
}

// IsPathProtected reports whether any canonical candidate of the request
// path matches any of the protected prefixes. A candidate matches a prefix
// exactly, as a sub-path (prefix + "/"), or as a prefix followed by an
// unterminated percent sequence (prefix + "%").
func IsPathProtected(requestPath string, prefixes []string) bool {
	c := Canonicalize(requestPath)
	for _, prefix := range prefixes {
		prefix = normalize(prefix)
		if prefix == "/" {
			return true
		}
		for _, candidate := range c.Candidates {
			if matchesPrefix(candidate, prefix) {
				return true
			}
		}
	}
	return false
}

func matchesPrefix(candidate, prefix string) bool {
	if candidate == prefix {
		return true
	}
	if strings.HasPrefix(candidate, prefix+"/") {
		return true
	}
	// Guards against a protected route followed by unterminated
	// percent-encoding, e.g. /api/channels%2e%2e/x.
	return strings.HasPrefix(candidate, prefix+"%")
}
