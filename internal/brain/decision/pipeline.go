package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const component = "pipeline"

// RetryConfig bounds the exponential backoff used for log appends
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetry is three attempts starting at 100ms
func DefaultRetry() RetryConfig {
	return RetryConfig{Attempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Config configures the pipeline. Policy is applied as given; callers wanting
// the stock rules pass DefaultPolicy.
type Config struct {
	Policy Policy
	Retry  RetryConfig
}

// record is the pipeline's mutable view of a decision
type record struct {
	d *Decision
	// recording is set while the Recorded entry is being persisted; the decision
	// can no longer be rejected once persistence has started
	recording bool
}

// Pipeline runs decisions through propose -> validate -> record -> score.
// Stage transitions happen only here.
type Pipeline struct {
	mu        sync.Mutex
	decisions map[string]*record
	byTask    map[string][]string

	policyMu sync.RWMutex
	policy   Policy

	log     Log
	learner *Learner
	bus     bus.Bus
	retry   RetryConfig
	now     func() time.Time

	halted atomic.Bool
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline persisting to lg and feeding outcomes to learner
func NewPipeline(cfg Config, lg Log, learner *Learner, b bus.Bus, opts ...Option) (*Pipeline, error) {
	if lg == nil || learner == nil {
		return nil, fmt.Errorf("%w: log and learner are required", ErrInvalidArgument)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	def := DefaultRetry()
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = def.Attempts
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = def.InitialBackoff
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = def.MaxBackoff
	}

	p := &Pipeline{
		decisions: make(map[string]*record),
		byTask:    make(map[string][]string),
		policy:    cfg.Policy.Clone(),
		log:       lg,
		learner:   learner,
		bus:       b,
		retry:     cfg.Retry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Propose creates a decision and validates it synchronously. A decision that
// fails policy is returned in the Rejected stage together with a *RejectionError.
func (p *Pipeline) Propose(ctx context.Context, prop Proposal) (*Decision, error) {
	d := &Decision{
		ID:         uuid.NewString(),
		AgentID:    prop.AgentID,
		TaskID:     prop.TaskID,
		Kind:       prop.Kind,
		Payload:    append([]byte(nil), prop.Payload...),
		Confidence: prop.Confidence,
		Stage:      StageProposed,
		ProposedAt: p.now().UTC(),
	}

	reason, detail := p.Policy().check(d)

	p.mu.Lock()
	if reason == "" && d.TaskID != "" {
		reason, detail = p.conflictLocked(d)
	}
	p.decisions[d.ID] = &record{d: d}
	if d.TaskID != "" {
		p.byTask[d.TaskID] = append(p.byTask[d.TaskID], d.ID)
	}
	var rejectErr error
	if reason != "" {
		rejectErr = p.rejectLocked(d, reason, detail)
	} else if err := transition(d, StageProposed, StageValidated); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	snapshot := d.Clone()
	p.mu.Unlock()

	if rejectErr != nil {
		p.announceRejection(snapshot)
		return snapshot, rejectErr
	}
	p.publish(TopicValidated, snapshot)
	return snapshot, nil
}

// conflictLocked finds another Validated-but-not-Recorded decision for the same task
// with a different payload. Must be called with p.mu held.
func (p *Pipeline) conflictLocked(d *Decision) (Reason, string) {
	for _, id := range p.byTask[d.TaskID] {
		other := p.decisions[id].d
		if other.Stage != StageValidated {
			continue
		}
		if !SamePayload(other.Payload, d.Payload) {
			return ReasonConflictingDecision, fmt.Sprintf("conflicts with validated decision %s for task %s", other.ID, d.TaskID)
		}
	}
	return "", ""
}

// rejectLocked must be called with p.mu held
func (p *Pipeline) rejectLocked(d *Decision, reason Reason, detail string) error {
	if err := transition(d, d.Stage, StageRejected); err != nil {
		return err
	}
	d.Reason = reason
	d.Detail = detail
	return &RejectionError{DecisionID: d.ID, Reason: reason, Detail: detail}
}

func (p *Pipeline) announceRejection(d *Decision) {
	log.Printf("[Pipeline] Rejected decision %s from %s: %s (%s)", d.ID, d.AgentID, d.Reason, d.Detail)
	p.publish(TopicRejected, d)
	bus.Emit(p.bus, component, bus.KindDecisionRejected, d.Detail, map[string]any{
		"decision_id": d.ID,
		"agent_id":    d.AgentID,
		"task_id":     d.TaskID,
		"reason":      string(d.Reason),
	})
}

// Record persists a Validated decision to the log and moves it to Recorded.
// Persistence is retried with exponential backoff; when retries are exhausted the
// pipeline halts and a *PersistenceError is returned.
func (p *Pipeline) Record(ctx context.Context, id string) (*Decision, error) {
	if p.halted.Load() {
		return nil, ErrPipelineHalted
	}

	p.mu.Lock()
	rec, ok := p.decisions[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.d.Stage != StageValidated || rec.recording {
		stage := rec.d.Stage
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: decision %s cannot be recorded from %s", ErrInvalidTransition, id, stage)
	}
	rec.recording = true
	at := p.now().UTC()
	snapshot := rec.d.Clone()
	snapshot.Stage = StageRecorded
	snapshot.RecordedAt = at
	p.mu.Unlock()

	err := p.persist(ctx, Entry{
		Kind:       EntryRecorded,
		DecisionID: id,
		AgentID:    snapshot.AgentID,
		TaskID:     snapshot.TaskID,
		Decision:   snapshot,
		At:         at,
	})

	p.mu.Lock()
	rec.recording = false
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := transition(rec.d, StageValidated, StageRecorded); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	rec.d.RecordedAt = at
	out := rec.d.Clone()
	p.mu.Unlock()

	p.publish(TopicRecorded, out)
	return out, nil
}

// Submit proposes and, if validation passes, records in one call
func (p *Pipeline) Submit(ctx context.Context, prop Proposal) (*Decision, error) {
	d, err := p.Propose(ctx, prop)
	if err != nil {
		return d, err
	}
	return p.Record(ctx, d.ID)
}

// ReportOutcome attaches an outcome in [0,1] to a Recorded decision, persists it,
// and feeds it to the learner
func (p *Pipeline) ReportOutcome(ctx context.Context, id string, outcome float64) (*Decision, error) {
	if p.halted.Load() {
		return nil, ErrPipelineHalted
	}
	if outcome < 0 || outcome > 1 {
		return nil, fmt.Errorf("%w: outcome %.3f outside [0,1]", ErrInvalidArgument, outcome)
	}

	p.mu.Lock()
	rec, ok := p.decisions[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.d.Stage != StageRecorded || rec.recording {
		stage := rec.d.Stage
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: outcome for decision %s in stage %s", ErrInvalidTransition, id, stage)
	}
	rec.recording = true
	agentID, taskID := rec.d.AgentID, rec.d.TaskID
	at := p.now().UTC()
	p.mu.Unlock()

	err := p.persist(ctx, Entry{
		Kind:       EntryOutcome,
		DecisionID: id,
		AgentID:    agentID,
		TaskID:     taskID,
		Outcome:    outcome,
		At:         at,
	})

	p.mu.Lock()
	rec.recording = false
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := transition(rec.d, StageRecorded, StageScored); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	o := outcome
	rec.d.Outcome = &o
	rec.d.ScoredAt = at
	out := rec.d.Clone()
	p.mu.Unlock()

	p.learner.Update(agentID, outcome)
	p.publish(TopicScored, out)
	return out, nil
}

// persist appends e with bounded exponential backoff, halting the pipeline when
// every attempt fails
func (p *Pipeline) persist(ctx context.Context, e Entry) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.retry.InitialBackoff
	eb.MaxInterval = p.retry.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.retry.Attempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return p.log.Append(ctx, e)
	}, policy, func(err error, wait time.Duration) {
		log.Printf("[Pipeline] Append %s entry for %s failed (attempt %d/%d), retrying in %v: %v",
			e.Kind, e.DecisionID, attempts, p.retry.Attempts, wait, err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	perr := &PersistenceError{DecisionID: e.DecisionID, Attempts: attempts, Err: err}
	p.halted.Store(true)
	log.Printf("[Pipeline] FATAL: %v; pipeline halted until Resume", perr)
	bus.Emit(p.bus, component, bus.KindPipelineFatal, perr.Error(), map[string]any{
		"decision_id": e.DecisionID,
		"entry_kind":  string(e.Kind),
		"attempts":    attempts,
	})
	return perr
}

// Reject moves a Proposed or Validated decision to Rejected
func (p *Pipeline) Reject(ctx context.Context, id string, reason Reason, detail string) (*Decision, error) {
	if reason == "" {
		reason = ReasonManual
	}
	p.mu.Lock()
	rec, ok := p.decisions[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.recording {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: decision %s is being recorded", ErrInvalidTransition, id)
	}
	if err := p.rejectLocked(rec.d, reason, detail); !errors.Is(err, ErrRejected) {
		p.mu.Unlock()
		return nil, err
	}
	out := rec.d.Clone()
	p.mu.Unlock()

	p.announceRejection(out)
	return out, nil
}

// RejectForTask force-rejects every in-flight (Proposed or Validated) decision for
// taskID and returns their ids. Used when a task is cancelled.
func (p *Pipeline) RejectForTask(ctx context.Context, taskID string, reason Reason) []string {
	if reason == "" {
		reason = ReasonTaskCancelled
	}
	var rejected []*Decision
	p.mu.Lock()
	for _, id := range p.byTask[taskID] {
		rec := p.decisions[id]
		if rec.recording || (rec.d.Stage != StageProposed && rec.d.Stage != StageValidated) {
			continue
		}
		if err := p.rejectLocked(rec.d, reason, "task "+taskID+" cancelled"); errors.Is(err, ErrRejected) {
			rejected = append(rejected, rec.d.Clone())
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(rejected))
	for _, d := range rejected {
		p.announceRejection(d)
		ids = append(ids, d.ID)
	}
	return ids
}

// Get returns a snapshot of one decision
func (p *Pipeline) Get(id string) (*Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.d.Clone(), nil
}

// ForTask returns snapshots of every decision for taskID in proposal order
func (p *Pipeline) ForTask(taskID string) []*Decision {
	return p.taskDecisions(taskID, func(*Decision) bool { return true })
}

// RecordedForTask returns the decisions for taskID that reached the log
func (p *Pipeline) RecordedForTask(taskID string) []*Decision {
	return p.taskDecisions(taskID, func(d *Decision) bool { return IsRecorded(d.Stage) })
}

func (p *Pipeline) taskDecisions(taskID string, keep func(*Decision) bool) []*Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Decision
	for _, id := range p.byTask[taskID] {
		if d := p.decisions[id].d; keep(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Restore reloads recorded decisions and outcomes from the log so lookups survive
// a restart. It returns the number of decisions restored.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	entries, err := p.log.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore decisions: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	restored := 0
	for _, e := range entries {
		switch e.Kind {
		case EntryRecorded:
			if e.Decision == nil {
				continue
			}
			if _, ok := p.decisions[e.DecisionID]; ok {
				continue
			}
			d := e.Decision.Clone()
			d.Stage = StageRecorded
			p.decisions[d.ID] = &record{d: d}
			if d.TaskID != "" {
				p.byTask[d.TaskID] = append(p.byTask[d.TaskID], d.ID)
			}
			restored++
		case EntryOutcome:
			rec, ok := p.decisions[e.DecisionID]
			if !ok || rec.d.Stage != StageRecorded {
				continue
			}
			o := e.Outcome
			rec.d.Stage = StageScored
			rec.d.Outcome = &o
			rec.d.ScoredAt = e.At
		}
	}
	for _, ids := range p.byTask {
		sort.SliceStable(ids, func(i, j int) bool {
			return p.decisions[ids[i]].d.ProposedAt.Before(p.decisions[ids[j]].d.ProposedAt)
		})
	}
	log.Printf("[Pipeline] Restored %d decisions from log", restored)
	return restored, nil
}

// Policy returns a copy of the active policy
func (p *Pipeline) Policy() Policy {
	p.policyMu.RLock()
	defer p.policyMu.RUnlock()
	return p.policy.Clone()
}

// SetPolicy swaps the validation policy for future proposals
func (p *Pipeline) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.policyMu.Lock()
	p.policy = policy.Clone()
	p.policyMu.Unlock()
	log.Printf("[Pipeline] Policy updated (confidence floor %.2f, %d schemas)", policy.ConfidenceFloor, len(policy.Schemas))
	return nil
}

// Learner returns the learner fed by this pipeline
func (p *Pipeline) Learner() *Learner {
	return p.learner
}

// Halted reports whether the pipeline is in the fatal state
func (p *Pipeline) Halted() bool {
	return p.halted.Load()
}

// Resume clears the fatal state after an operator has fixed the log backend
func (p *Pipeline) Resume() {
	if p.halted.CompareAndSwap(true, false) {
		log.Printf("[Pipeline] Resumed by operator")
	}
}

func (p *Pipeline) publish(topic string, d *Decision) {
	if p.bus == nil {
		return
	}
	ev := bus.NewEvent(topic, d.AgentID, *d)
	ev.CorrelationID = d.TaskID
	if _, err := p.bus.Publish(ev); err != nil && !errors.Is(err, bus.ErrBusStopped) {
		log.Printf("[Pipeline] failed to publish %s for %s: %v", topic, d.ID, err)
	}
}
