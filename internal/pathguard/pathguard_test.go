package pathguard

import (
	"strings"
	"testing"
)

var channelPrefixes = []string{"/api/channels"}

func TestIsPathProtected(t *testing.T) {
	cases := []struct {
		name string
		path string
		want bool
	}{
		{"exact", "/api/channels", true},
		{"subpath", "/api/channels/slack", true},
		{"trailing slash", "/api/channels/", true},
		{"duplicate separators", "//api///channels", true},
		{"case folded", "/API/Channels", true},
		{"dot segments", "/api/./channels/../channels", true},
		{"encoded slash", "/api%2fchannels", true},
		{"double encoded", "/api%252fchannels", true},
		{"unterminated percent after prefix", "/api/channels%2e%2e/x", true},
		{"unrelated route", "/api/status", false},
		{"sibling prefix", "/api/channelsets", false},
		{"root", "/", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPathProtected(tc.path, channelPrefixes); got != tc.want {
				t.Fatalf("IsPathProtected(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestCanonicalize_RecordsDecodedCandidates(t *testing.T) {
	c := Canonicalize("/api/channels%2e%2e/x")
	found := false
	for _, cand := range c.Candidates {
		if strings.Contains(cand, "..") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a decoded candidate containing '..', got %v", c.Candidates)
	}
}

func TestCanonicalize_MalformedFailsClosed(t *testing.T) {
	// %zz is not a valid escape; decoding stops and the raw normalized path
	// must still be matched against protected prefixes.
	c := Canonicalize("/api/channels/%zz")
	if !c.MalformedEncoding {
		t.Fatal("expected malformed encoding flag")
	}
	if !IsPathProtected("/api/channels/%zz", channelPrefixes) {
		t.Fatal("malformed encoding must not evade protection")
	}
}

func TestCanonicalize_DecodePassesBounded(t *testing.T) {
	// Quadruple-encoded input: only three decode passes run.
	c := Canonicalize("/x%25252fy")
	if len(c.Candidates) > maxDecodePasses+1 {
		t.Fatalf("too many candidates: %v", c.Candidates)
	}
}
