package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesRedactedEntry(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	defer func() { _ = Close() }()

	Record("deny", "gateway.auth", "token=abcdef0123456789", "bearer", "203.0.113.9")

	data, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var got map[string]string
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("parse audit line %q: %v", line, err)
	}
	if got["decision"] != "deny" || got["action"] != "gateway.auth" {
		t.Fatalf("unexpected entry: %v", got)
	}
	if strings.Contains(got["reason"], "abcdef0123456789") {
		t.Fatalf("token survived redaction: %v", got)
	}
}

func TestDenyCount_Increments(t *testing.T) {
	before := DenyCount()
	Record("deny", "node.command", "not in allowlist", "", "camera.snap")
	Record("allow", "node.command", "", "", "location.get")
	if DenyCount() != before+1 {
		t.Fatalf("expected deny count %d, got %d", before+1, DenyCount())
	}
}
