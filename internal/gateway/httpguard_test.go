package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequireMethods_WritesAllowHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/api/channels", nil)
	if requireMethods(w, r, http.MethodGet, http.MethodPost) {
		t.Fatal("DELETE must be rejected")
	}
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, POST" {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestReadJSONBody_UnsupportedMediaType(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/channels", strings.NewReader("plain text"))
	r.Header.Set("Content-Type", "text/plain")
	var dst map[string]any
	if readJSONBody(w, r, &dst) {
		t.Fatal("non-JSON content type must be rejected")
	}
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
}

func TestReadJSONBody_PayloadTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	big := strings.Repeat("x", maxJSONBodyBytes+1)
	r := httptest.NewRequest(http.MethodPost, "/api/channels", strings.NewReader(`{"k":"`+big+`"}`))
	r.Header.Set("Content-Type", "application/json")
	var dst map[string]any
	if readJSONBody(w, r, &dst) {
		t.Fatal("oversized body must be rejected")
	}
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestReadJSONBody_InvalidJSON(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/channels", strings.NewReader("{not json"))
	r.Header.Set("Content-Type", "application/json")
	var dst map[string]any
	if readJSONBody(w, r, &dst) {
		t.Fatal("malformed JSON must be rejected")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
