package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownApproval = errors.New("unknown approval id")
	ErrApprovalDenied  = errors.New("approval denied")
	ErrApprovalExpired = errors.New("approval request timed out")
)

type record struct {
	id        string
	binding   Binding
	decision  string // "", "allow-once", "allow-always", "deny"
	createdAt time.Time
	done      chan struct{}
}

// Store tracks open approval requests and their bindings. Owned by the
// service instance; every gateway gets its own.
type Store struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*record
}

// NewStore creates an approval store. Unanswered requests default to deny
// after timeout (zero means 60s).
func NewStore(timeout time.Duration, logger *slog.Logger) *Store {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger.With("component", "approvals"),
		timeout: timeout,
		pending: make(map[string]*record),
	}
}

// Create opens an approval request for an invocation on the given host and
// records its binding. Returns the approval id handed to the user surface.
func (s *Store) Create(host string, req Request) string {
	rec := &record{
		id:        uuid.NewString(),
		binding:   NewBinding(host, req),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.pending[rec.id] = rec
	s.mu.Unlock()
	s.logger.Info("approval requested", "approval_id", rec.id, "fingerprint", rec.binding.Fingerprint())
	return rec.id
}

// Resolve records the user's decision for an open approval.
func (s *Store) Resolve(id, decision string) error {
	switch decision {
	case "allow-once", "allow-always", "deny":
	default:
		return fmt.Errorf("invalid approval decision %q", decision)
	}
	s.mu.Lock()
	rec, ok := s.pending[id]
	if ok && rec.decision == "" {
		rec.decision = decision
		close(rec.done)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	s.logger.Info("approval resolved", "approval_id", id, "decision", decision)
	return nil
}

// Await blocks until the approval is resolved, the store timeout elapses
// (default deny), or the context is cancelled.
func (s *Store) Await(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	rec, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownApproval
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
		if rec.decision == "deny" {
			return "", ErrApprovalDenied
		}
		return rec.decision, nil
	case <-timer.C:
		s.logger.Warn("approval timed out, defaulting to deny", "approval_id", id)
		return "", ErrApprovalExpired
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Redeem validates that the invocation about to run matches the binding the
// approval was granted for, and returns the execution plan. allow-once
// approvals are consumed; allow-always approvals stay redeemable.
func (s *Store) Redeem(id, host string, req Request) (Plan, error) {
	s.mu.Lock()
	rec, ok := s.pending[id]
	var decision string
	if ok {
		decision = rec.decision
	}
	s.mu.Unlock()
	if !ok {
		return Plan{}, ErrUnknownApproval
	}
	if decision != "allow-once" && decision != "allow-always" {
		return Plan{}, ErrApprovalDenied
	}

	actual := NewBinding(host, req)
	if err := Validate(&rec.binding, actual); err != nil {
		s.logger.Warn("approval binding rejected",
			"approval_id", id,
			"expected_fingerprint", rec.binding.Fingerprint(),
			"actual_fingerprint", actual.Fingerprint(),
			"error", err,
		)
		return Plan{}, err
	}

	if decision == "allow-once" {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
	return Plan{Argv: append([]string(nil), req.Argv...), Binding: actual}, nil
}

// Sweep drops approvals older than twice the store timeout. Called from the
// maintenance loop.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-2 * s.timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.pending {
		if rec.createdAt.Before(cutoff) && rec.decision != "allow-always" {
			delete(s.pending, id)
			removed++
		}
	}
	return removed
}

// PendingCount reports open approval requests (for status/metrics).
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Summary describes one undecided approval for operator surfaces.
type Summary struct {
	ID        string
	Host      string
	Argv      []string
	CreatedAt time.Time
}

// Pending returns the approvals still awaiting a decision, oldest first.
// Already-resolved allow-always records are not listed; they need no
// further operator action.
func (s *Store) Pending() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.pending))
	for _, rec := range s.pending {
		if rec.decision != "" {
			continue
		}
		out = append(out, Summary{
			ID:        rec.id,
			Host:      rec.binding.Host,
			Argv:      append([]string(nil), rec.binding.Argv...),
			CreatedAt: rec.createdAt,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
