package decision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLog fails the next n appends
type flakyLog struct {
	*MemoryLog
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyLog) Append(ctx context.Context, e Entry) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("disk full")
	}
	return f.MemoryLog.Append(ctx, e)
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
	diags  []bus.DiagnosticKind
}

func (r *topicRecorder) handle(ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := ev.Payload.(bus.Diagnostic); ok {
		r.diags = append(r.diags, d.Kind)
		return nil
	}
	r.topics = append(r.topics, ev.Topic)
	return nil
}

func (r *topicRecorder) hasDiag(kind bus.DiagnosticKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.diags {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *topicRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func newTestPipeline(t *testing.T, lg Log) (*Pipeline, *topicRecorder) {
	t.Helper()
	b := bus.NewMemoryBus(bus.Config{})
	t.Cleanup(b.Stop)
	rec := &topicRecorder{}
	_, err := b.Subscribe("decision.>", rec.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(bus.TopicDiagnostics, rec.handle)
	require.NoError(t, err)

	learner, err := NewLearner(LearnerConfig{}, b)
	require.NoError(t, err)
	p, err := NewPipeline(Config{
		Policy: Policy{
			ConfidenceFloor: 0.6,
			MaxPayloadBytes: 128,
			Schemas:         map[string][]string{"price_change": {"sku", "price"}},
		},
		Retry: RetryConfig{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, lg, learner, b)
	require.NoError(t, err)
	return p, rec
}

func proposal(agent, task, payload string, confidence float64) Proposal {
	return Proposal{AgentID: agent, TaskID: task, Kind: "price_change", Payload: json.RawMessage(payload), Confidence: confidence}
}

func TestPipeline_FullLifecycle(t *testing.T) {
	lg := NewMemoryLog()
	p, rec := newTestPipeline(t, lg)
	ctx := context.Background()

	d, err := p.Propose(ctx, proposal("pricer", "task-1", `{"sku":"A1","price":19.99}`, 0.9))
	require.NoError(t, err)
	assert.Equal(t, StageValidated, d.Stage)

	d, err = p.Record(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, d.Stage)
	assert.False(t, d.RecordedAt.IsZero())

	d, err = p.ReportOutcome(ctx, d.ID, 1.0)
	require.NoError(t, err)
	assert.Equal(t, StageScored, d.Stage)
	require.NotNil(t, d.Outcome)
	assert.Equal(t, 1.0, *d.Outcome)

	// 0.2*1 + 0.8*0.5
	assert.InDelta(t, 0.6, p.Learner().Weight("pricer"), 1e-9)

	entries, err := lg.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryRecorded, entries[0].Kind)
	assert.Equal(t, EntryOutcome, entries[1].Kind)
	assert.Equal(t, "pricer", entries[1].AgentID)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3 && rec.hasDiag(bus.KindWeightUpdated)
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{TopicValidated, TopicRecorded, TopicScored}, rec.snapshot())
}

func TestPipeline_ZeroConfidenceFloorIsHonoured(t *testing.T) {
	learner, err := NewLearner(LearnerConfig{}, nil)
	require.NoError(t, err)
	p, err := NewPipeline(Config{Policy: Policy{ConfidenceFloor: 0}}, NewMemoryLog(), learner, nil)
	require.NoError(t, err)
	assert.Equal(t, Policy{}, p.Policy())

	ctx := context.Background()
	d, err := p.Submit(ctx, proposal("pricer", "task-1", `{"sku":"A1","price":5}`, 0.1))
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, d.Stage)

	require.NoError(t, p.SetPolicy(DefaultPolicy()))
	d, err = p.Submit(ctx, proposal("pricer", "task-2", `{"sku":"A1","price":5}`, 0.1))
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StageRejected, d.Stage)
	assert.Equal(t, ReasonConfidenceBelowFloor, d.Reason)

	require.NoError(t, p.SetPolicy(Policy{}))
	d, err = p.Submit(ctx, proposal("pricer", "task-3", `{"sku":"A1","price":5}`, 0.1))
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, d.Stage)
}

func TestPipeline_StagesOnlyMoveForward(t *testing.T) {
	p, _ := newTestPipeline(t, NewMemoryLog())
	ctx := context.Background()

	d, err := p.Submit(ctx, proposal("pricer", "task-1", `{"sku":"A1","price":5}`, 0.9))
	require.NoError(t, err)
	require.Equal(t, StageRecorded, d.Stage)

	_, err = p.Record(ctx, d.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = p.Reject(ctx, d.ID, ReasonManual, "operator")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, p.RejectForTask(ctx, "task-1", ReasonTaskCancelled))

	got, err := p.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, got.Stage)

	_, err = p.ReportOutcome(ctx, d.ID, 0)
	require.NoError(t, err)
	_, err = p.ReportOutcome(ctx, d.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCanTransition(t *testing.T) {
	all := []Stage{StageProposed, StageValidated, StageRejected, StageRecorded, StageScored}
	allowed := map[[2]Stage]bool{
		{StageProposed, StageValidated}: true,
		{StageProposed, StageRejected}:  true,
		{StageValidated, StageRecorded}: true,
		{StageValidated, StageRejected}: true,
		{StageRecorded, StageScored}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Stage{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, IsTerminal(StageRejected))
	assert.True(t, IsTerminal(StageScored))
	assert.False(t, IsTerminal(StageRecorded))
}

func TestPipeline_RejectionReasons(t *testing.T) {
	tests := []struct {
		name   string
		prop   Proposal
		reason Reason
	}{
		{"missing agent", proposal("", "", `{"sku":"A","price":1}`, 0.9), ReasonSchemaInvalid},
		{"confidence out of range", proposal("a", "", `{"sku":"A","price":1}`, 1.5), ReasonSchemaInvalid},
		{"invalid json", proposal("a", "", `{"sku":`, 0.9), ReasonSchemaInvalid},
		{"missing field", proposal("a", "", `{"sku":"A"}`, 0.9), ReasonSchemaInvalid},
		{"not an object", proposal("a", "", `[1,2]`, 0.9), ReasonSchemaInvalid},
		{"empty payload", proposal("a", "", ``, 0.9), ReasonSchemaInvalid},
		{"too large", proposal("a", "", `{"sku":"A","price":1,"note":"`+strings.Repeat("x", 200)+`"}`, 0.9), ReasonPayloadTooLarge},
		{"low confidence", proposal("a", "", `{"sku":"A","price":1}`, 0.3), ReasonConfidenceBelowFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, NewMemoryLog())
			d, err := p.Propose(context.Background(), tt.prop)
			require.ErrorIs(t, err, ErrRejected)

			var rerr *RejectionError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.reason, rerr.Reason)
			assert.Equal(t, StageRejected, d.Stage)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, []byte(tt.prop.Payload), []byte(d.Payload), "validation never mutates the payload")

			_, err = p.Record(context.Background(), d.ID)
			assert.ErrorIs(t, err, ErrInvalidTransition, "a rejected decision can never be recorded")
		})
	}
}

func TestPipeline_ConflictingValidatedDecisions(t *testing.T) {
	p, rec := newTestPipeline(t, NewMemoryLog())
	ctx := context.Background()

	first, err := p.Propose(ctx, proposal("a", "task-1", `{"sku":"A","price":10}`, 0.9))
	require.NoError(t, err)

	// Same content with different key order is not a conflict
	same, err := p.Propose(ctx, proposal("b", "task-1", `{"price":10, "sku":"A"}`, 0.8))
	require.NoError(t, err)
	assert.Equal(t, StageValidated, same.Stage)

	conflicting, err := p.Propose(ctx, proposal("c", "task-1", `{"sku":"A","price":12}`, 0.9))
	var rerr *RejectionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, ReasonConflictingDecision, rerr.Reason)
	assert.Equal(t, StageRejected, conflicting.Stage)

	// Other tasks are unaffected
	_, err = p.Propose(ctx, proposal("c", "task-2", `{"sku":"A","price":12}`, 0.9))
	require.NoError(t, err)

	// Once the validated decisions are recorded they no longer block new ones
	_, err = p.Record(ctx, first.ID)
	require.NoError(t, err)
	_, err = p.Record(ctx, same.ID)
	require.NoError(t, err)
	_, err = p.Propose(ctx, proposal("c", "task-1", `{"sku":"A","price":12}`, 0.9))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.hasDiag(bus.KindDecisionRejected) }, time.Second, 5*time.Millisecond)
}

func TestPipeline_RetriesThenSucceeds(t *testing.T) {
	lg := &flakyLog{MemoryLog: NewMemoryLog()}
	lg.failures.Store(2)
	p, _ := newTestPipeline(t, lg)
	ctx := context.Background()

	d, err := p.Submit(ctx, proposal("a", "", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, d.Stage)
	assert.Equal(t, int32(3), lg.calls.Load())
	assert.False(t, p.Halted())
}

func TestPipeline_HaltsAfterRetriesExhausted(t *testing.T) {
	lg := &flakyLog{MemoryLog: NewMemoryLog()}
	lg.failures.Store(3)
	p, rec := newTestPipeline(t, lg)
	ctx := context.Background()

	d, err := p.Propose(ctx, proposal("a", "", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)

	_, err = p.Record(ctx, d.ID)
	require.ErrorIs(t, err, ErrPersistenceFailure)
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, int32(3), lg.calls.Load())
	assert.True(t, p.Halted())

	got, err := p.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StageValidated, got.Stage, "an unpersisted decision is never Recorded")

	_, err = p.Record(ctx, d.ID)
	assert.ErrorIs(t, err, ErrPipelineHalted)
	require.Eventually(t, func() bool { return rec.hasDiag(bus.KindPipelineFatal) }, time.Second, 5*time.Millisecond)

	p.Resume()
	d, err = p.Record(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, d.Stage)
}

func TestPipeline_RejectForTask(t *testing.T) {
	p, _ := newTestPipeline(t, NewMemoryLog())
	ctx := context.Background()

	recorded, err := p.Submit(ctx, proposal("a", "task-1", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	inflight, err := p.Propose(ctx, proposal("b", "task-1", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	other, err := p.Propose(ctx, proposal("b", "task-2", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)

	ids := p.RejectForTask(ctx, "task-1", "")
	assert.Equal(t, []string{inflight.ID}, ids)

	got, _ := p.Get(inflight.ID)
	assert.Equal(t, StageRejected, got.Stage)
	assert.Equal(t, ReasonTaskCancelled, got.Reason)
	got, _ = p.Get(recorded.ID)
	assert.Equal(t, StageRecorded, got.Stage)
	got, _ = p.Get(other.ID)
	assert.Equal(t, StageValidated, got.Stage)

	assert.Len(t, p.ForTask("task-1"), 2)
	recordedOnly := p.RecordedForTask("task-1")
	require.Len(t, recordedOnly, 1)
	assert.Equal(t, recorded.ID, recordedOnly[0].ID)
}

func TestPipeline_InvalidCalls(t *testing.T) {
	p, _ := newTestPipeline(t, NewMemoryLog())
	ctx := context.Background()

	_, err := p.Record(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Reject(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := p.Submit(ctx, proposal("a", "", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	_, err = p.ReportOutcome(ctx, d.ID, 1.5)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	v, err := p.Propose(ctx, proposal("a", "", `{"sku":"B","price":1}`, 0.9))
	require.NoError(t, err)
	_, err = p.ReportOutcome(ctx, v.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition, "outcomes need a recorded decision")

	rejected, err := p.Reject(ctx, v.ID, "", "operator veto")
	require.NoError(t, err)
	assert.Equal(t, ReasonManual, rejected.Reason)
}

func TestPipeline_SetPolicy(t *testing.T) {
	p, _ := newTestPipeline(t, NewMemoryLog())
	ctx := context.Background()

	_, err := p.Propose(ctx, proposal("a", "", `{"sku":"A","price":1}`, 0.65))
	require.NoError(t, err)

	require.NoError(t, p.SetPolicy(Policy{ConfidenceFloor: 0.7}))
	_, err = p.Propose(ctx, proposal("a", "", `{"sku":"A","price":1}`, 0.65))
	assert.ErrorIs(t, err, ErrRejected)

	assert.ErrorIs(t, p.SetPolicy(Policy{ConfidenceFloor: 2}), ErrInvalidArgument)
	assert.Equal(t, 0.7, p.Policy().ConfidenceFloor)
}
