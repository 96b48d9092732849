// Package subagents tracks every delegated task spawned on behalf of a
// session, from registration through terminal state. Lifecycle events arrive
// asynchronously and possibly out of order; the registry reconciles them,
// absorbing transient errors through a grace window, and announces exactly
// one terminal outcome per run.
package subagents

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nodegate/internal/bus"
)

// State is a run's lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateErrorGrace State = "error-pending-grace"
	StateEnded      State = "ended"
)

// Cleanup names what happens to the child session after the run finishes.
type Cleanup string

const (
	CleanupKeep    Cleanup = "keep"
	CleanupDiscard Cleanup = "discard"
)

// Phase is the kind of an inbound lifecycle event.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseError Phase = "error"
	PhaseEnd   Phase = "end"
)

// Event is one inbound lifecycle signal for a run. Events are unordered
// with respect to wall-clock arrival and are reconciled, not trusted
// individually.
type Event struct {
	RunID     string
	Phase     Phase
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
	Aborted   bool
}

// Outcome is the single terminal result announced for a run.
type Outcome struct {
	Status string // "ok" or "error"
	Error  string // original error text when Status == "error"
}

// Snapshot is a read-only view of a run for status queries.
type Snapshot struct {
	RunID                    string
	ChildSessionKey          string
	RequesterSessionKey      string
	RequesterDisplayKey      string
	Task                     string
	Cleanup                  Cleanup
	ExpectsCompletionMessage bool
	State                    State
	StartedAt                time.Time
	EndedAt                  time.Time
	Error                    string
	Aborted                  bool
}

// AnnounceFunc delivers the terminal outcome to the requesting session.
// Failures are logged, not retried; the at-most-once guarantee matters more
// than delivery.
type AnnounceFunc func(run Snapshot, outcome Outcome) error

// RunRecorder persists finalized runs. Optional.
type RunRecorder interface {
	RecordRun(snapshot Snapshot, outcome Outcome) error
}

// Params registers one delegated task.
type Params struct {
	RunID                    string
	ChildSessionKey          string
	RequesterSessionKey      string
	RequesterDisplayKey      string
	Task                     string
	Cleanup                  Cleanup
	ExpectsCompletionMessage bool
}

type runState struct {
	Snapshot

	pendingError string
	graceTimer   *time.Timer
	announced    bool
	finalizedAt  time.Time
}

// Config configures a Registry.
type Config struct {
	// Grace is the transient-error reconciliation window. Default 15s.
	Grace time.Duration

	// ArchiveAfter retains finalized run bookkeeping for status queries.
	// Zero drops entries the moment they finalize.
	ArchiveAfter time.Duration

	// MaxConcurrent caps simultaneously tracked non-terminal runs.
	// Zero means no cap.
	MaxConcurrent int

	Announce AnnounceFunc
	Recorder RunRecorder
	Bus      *bus.Bus
	Logger   *slog.Logger

	// Clock overrides wall-clock reads in tests.
	Clock func() time.Time
}

// Registry is the stateful lifecycle coordinator. All mutations to a run are
// serialized behind the registry mutex; grace timers and event arrival can
// race, and announcement is guarded so it happens at most once per run.
type Registry struct {
	grace        time.Duration
	archiveAfter time.Duration
	maxActive    int
	announce     AnnounceFunc
	recorder     RunRecorder
	bus          *bus.Bus
	logger       *slog.Logger
	clock        func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
}

// NewRegistry creates a lifecycle registry.
func NewRegistry(cfg Config) *Registry {
	grace := cfg.Grace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		grace:        grace,
		archiveAfter: cfg.ArchiveAfter,
		maxActive:    cfg.MaxConcurrent,
		announce:     cfg.Announce,
		recorder:     cfg.Recorder,
		bus:          cfg.Bus,
		logger:       logger.With("component", "subagents"),
		clock:        clock,
	}
}

// Register adds a new run in the pending state.
func (r *Registry) Register(p Params) error {
	if p.RunID == "" {
		return fmt.Errorf("subagent run requires a run id")
	}
	if p.Cleanup == "" {
		p.Cleanup = CleanupKeep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string]*runState)
	}
	if _, exists := r.runs[p.RunID]; exists {
		return fmt.Errorf("subagent run %s already registered", p.RunID)
	}
	if r.maxActive > 0 && r.activeCountLocked() >= r.maxActive {
		return fmt.Errorf("subagent limit reached (%d active)", r.maxActive)
	}
	r.runs[p.RunID] = &runState{
		Snapshot: Snapshot{
			RunID:                    p.RunID,
			ChildSessionKey:          p.ChildSessionKey,
			RequesterSessionKey:      p.RequesterSessionKey,
			RequesterDisplayKey:      p.RequesterDisplayKey,
			Task:                     p.Task,
			Cleanup:                  p.Cleanup,
			ExpectsCompletionMessage: p.ExpectsCompletionMessage,
			State:                    StatePending,
		},
	}
	return nil
}

// HandleEvent consumes one lifecycle event. Unknown run ids are logged and
// dropped (the run may already be archived).
func (r *Registry) HandleEvent(ev Event) {
	r.mu.Lock()
	run, ok := r.runs[ev.RunID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("lifecycle event for unknown run", "run_id", ev.RunID, "phase", string(ev.Phase))
		return
	}
	if run.announced {
		r.mu.Unlock()
		return
	}

	switch ev.Phase {
	case PhaseStart:
		r.handleStartLocked(run, ev)
		r.mu.Unlock()

	case PhaseError:
		r.handleErrorLocked(run, ev)
		r.mu.Unlock()

	case PhaseEnd:
		outcome := Outcome{Status: "ok"}
		run.Aborted = ev.Aborted
		if !ev.EndedAt.IsZero() {
			run.EndedAt = ev.EndedAt
		}
		r.finalizeLocked(run, outcome)

	default:
		r.mu.Unlock()
		r.logger.Warn("unknown lifecycle phase", "run_id", ev.RunID, "phase", string(ev.Phase))
	}
}

func (r *Registry) handleStartLocked(run *runState, ev Event) {
	old := run.State
	run.State = StateRunning
	if !ev.StartedAt.IsZero() {
		run.StartedAt = ev.StartedAt
	} else if run.StartedAt.IsZero() {
		run.StartedAt = r.clock()
	}
	// A start arriving inside the grace window means the provider retried:
	// the pending error is discarded entirely.
	if old == StateErrorGrace {
		r.cancelGraceLocked(run)
		run.pendingError = ""
		run.Error = ""
		r.logger.Info("transient error superseded by retry", "run_id", run.RunID)
	}
	r.publishState(run.RunID, run.ChildSessionKey, old, run.State)
}

func (r *Registry) handleErrorLocked(run *runState, ev Event) {
	if ev.EndedAt.IsZero() {
		// No endedAt: a mid-run error note, not a terminal candidate.
		if run.Error == "" {
			run.Error = ev.Error
		}
		return
	}
	old := run.State
	if run.pendingError == "" {
		run.pendingError = ev.Error
	}
	run.Error = run.pendingError
	run.EndedAt = ev.EndedAt
	run.State = StateErrorGrace

	// First timer wins: a second error while a grace window is pending does
	// not reset the window.
	if run.graceTimer == nil {
		runID := run.RunID
		run.graceTimer = time.AfterFunc(r.grace, func() {
			r.graceExpired(runID)
		})
	}
	if old != StateErrorGrace {
		r.publishState(run.RunID, run.ChildSessionKey, old, run.State)
	}
}

// graceExpired fires when no superseding event arrived within the window.
func (r *Registry) graceExpired(runID string) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok || run.announced || run.State != StateErrorGrace {
		r.mu.Unlock()
		return
	}
	outcome := Outcome{Status: "error", Error: run.pendingError}
	r.finalizeLocked(run, outcome)
}

// finalizeLocked completes a run exactly once. It is entered holding the
// registry mutex and releases it before invoking the announce callback, so
// announcers may call back into the registry.
func (r *Registry) finalizeLocked(run *runState, outcome Outcome) {
	if run.announced {
		r.mu.Unlock()
		return
	}
	run.announced = true
	r.cancelGraceLocked(run)
	old := run.State
	run.State = StateEnded
	if run.EndedAt.IsZero() {
		run.EndedAt = r.clock()
	}
	if outcome.Status == "error" {
		run.Error = outcome.Error
	} else {
		run.Error = ""
		run.pendingError = ""
	}
	run.finalizedAt = r.clock()
	snapshot := run.Snapshot

	if r.archiveAfter == 0 {
		delete(r.runs, run.RunID)
	}
	r.mu.Unlock()

	r.publishState(snapshot.RunID, snapshot.ChildSessionKey, old, StateEnded)
	if r.bus != nil {
		r.bus.Publish(bus.TopicSubagentAnnounced, bus.SubagentAnnouncedEvent{
			RunID:  snapshot.RunID,
			Status: outcome.Status,
			Error:  outcome.Error,
		})
	}
	if r.recorder != nil {
		if err := r.recorder.RecordRun(snapshot, outcome); err != nil {
			r.logger.Warn("record run failed", "run_id", snapshot.RunID, "error", err)
		}
	}
	if r.announce != nil {
		if err := r.announce(snapshot, outcome); err != nil {
			// Announce failures are not retried; the outcome stays queryable
			// until the archive sweep drops it.
			r.logger.Warn("announce failed", "run_id", snapshot.RunID, "error", err)
		}
	}
	r.logger.Info("subagent run finalized",
		"run_id", snapshot.RunID,
		"status", outcome.Status,
		"requester", snapshot.RequesterDisplayKey,
	)
}

func (r *Registry) cancelGraceLocked(run *runState) {
	if run.graceTimer != nil {
		run.graceTimer.Stop()
		run.graceTimer = nil
	}
}

func (r *Registry) publishState(runID, sessionKey string, old, new State) {
	if r.bus == nil || old == new {
		return
	}
	topic := bus.TopicSubagentStarted
	switch new {
	case StateErrorGrace:
		topic = bus.TopicSubagentErrored
	case StateEnded:
		topic = bus.TopicSubagentEnded
	}
	r.bus.Publish(topic, bus.SubagentStateEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		OldState:   string(old),
		NewState:   string(new),
	})
}

// Deregister removes a run's bookkeeping entry regardless of state. Used by
// explicit cleanup; removing an unknown id is a no-op.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		r.cancelGraceLocked(run)
		delete(r.runs, runID)
	}
}

// Get returns a run's snapshot.
func (r *Registry) Get(runID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Snapshot{}, false
	}
	return run.Snapshot, true
}

// List returns snapshots of every tracked run, including finalized runs
// still inside their archive retention.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Snapshot)
	}
	return out
}

// ActiveCount reports non-terminal runs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, run := range r.runs {
		if run.State != StateEnded {
			n++
		}
	}
	return n
}

// SweepArchived drops finalized runs whose archive retention has elapsed.
// Called from the maintenance loop; returns the number removed.
func (r *Registry) SweepArchived() int {
	if r.archiveAfter <= 0 {
		return 0
	}
	cutoff := r.clock().Add(-r.archiveAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, run := range r.runs {
		if run.announced && run.finalizedAt.Before(cutoff) {
			delete(r.runs, id)
			removed++
		}
	}
	return removed
}
