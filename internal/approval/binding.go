package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Binding validation errors. Host-level and structural mismatches are
// distinguishable so operators can tell a spoofed-approval attempt from
// accidental reuse.
var (
	// ErrMissingBinding marks an approval that carries no recorded
	// fingerprint at all (legacy or corrupted). Never a silent pass.
	ErrMissingBinding = errors.New("approval has no recorded binding")

	// ErrRequestMismatch marks a binding issued for a different execution
	// surface (APPROVAL_REQUEST_MISMATCH).
	ErrRequestMismatch = errors.New("approval request mismatch")

	// ErrBindingMismatch marks a structural difference between the approved
	// invocation and the one about to run.
	ErrBindingMismatch = errors.New("approval binding mismatch")
)

// Binding is the structural fingerprint of a command invocation: argv,
// working directory, agent id, session key, and the set of environment
// variable names. Values of env variables are never recorded.
type Binding struct {
	Host       string   `json:"host"`
	Argv       []string `json:"argv"`
	Cwd        string   `json:"cwd"`
	AgentID    string   `json:"agent_id"`
	SessionKey string   `json:"session_key"`
	EnvKeys    []string `json:"env_keys"`
}

// NewBinding derives a binding from a proposed invocation. host names the
// execution surface (the gateway itself or a node id).
func NewBinding(host string, req Request) Binding {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Binding{
		Host:       host,
		Argv:       append([]string(nil), req.Argv...),
		Cwd:        req.Cwd,
		AgentID:    req.AgentID,
		SessionKey: req.SessionKey,
		EnvKeys:    keys,
	}
}

// Fingerprint returns a stable hash of the binding for audit logging.
// Field boundaries are length-prefixed so no two distinct bindings share an
// encoding.
func (b Binding) Fingerprint() string {
	h := sha256.New()
	write := func(field string) {
		fmt.Fprintf(h, "%d:%s;", len(field), field)
	}
	write(b.Host)
	for _, a := range b.Argv {
		write(a)
	}
	write("|")
	write(b.Cwd)
	write(b.AgentID)
	write(b.SessionKey)
	for _, k := range b.EnvKeys {
		write(k)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Validate compares the binding recorded at approval time against the one
// re-derived from the invocation about to run. expected == nil is the
// missing-binding condition.
func Validate(expected *Binding, actual Binding) error {
	if expected == nil {
		return ErrMissingBinding
	}
	if expected.Host != actual.Host {
		return fmt.Errorf("%w: approval bound to host %q, redeemed on %q",
			ErrRequestMismatch, expected.Host, actual.Host)
	}
	if !structurallyEqual(*expected, actual) {
		return fmt.Errorf("%w: expected fingerprint %s, got %s",
			ErrBindingMismatch, expected.Fingerprint(), actual.Fingerprint())
	}
	return nil
}

func structurallyEqual(a, b Binding) bool {
	if a.Cwd != b.Cwd || a.AgentID != b.AgentID || a.SessionKey != b.SessionKey {
		return false
	}
	if !stringSlicesEqual(a.Argv, b.Argv) {
		return false
	}
	return stringSlicesEqual(a.EnvKeys, b.EnvKeys)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Plan is the normalized, already-approved command plan threaded from the
// approval request through to execution.
type Plan struct {
	Argv    []string
	Binding Binding
}

// String renders the plan's command line for logs.
func (p Plan) String() string {
	return strings.Join(p.Argv, " ")
}
