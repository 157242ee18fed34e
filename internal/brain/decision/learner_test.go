package decision

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLearner_ExponentialMovingAverage(t *testing.T) {
	l, err := NewLearner(LearnerConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlpha, l.Alpha())
	assert.Equal(t, DefaultInitialWeight, l.Weight("unknown"))

	old, next := l.Update("a", 1)
	assert.Equal(t, 0.5, old)
	assert.InDelta(t, 0.6, next, 1e-9)

	_, next = l.Update("a", 0)
	assert.InDelta(t, 0.48, next, 1e-9)

	require.NoError(t, l.SetAlpha(1))
	_, next = l.Update("a", 1)
	assert.InDelta(t, 1.0, next, 1e-9)

	assert.Equal(t, []string{"a"}, l.Agents())
	assert.ErrorIs(t, l.SetAlpha(0), ErrInvalidArgument)
	assert.ErrorIs(t, l.SetAlpha(1.1), ErrInvalidArgument)

	_, err = NewLearner(LearnerConfig{Alpha: -1}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewLearner(LearnerConfig{InitialWeight: 2}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLearner_RebuildMatchesLiveWeights(t *testing.T) {
	ctx := context.Background()
	lg := NewMemoryLog()
	p, _ := newTestPipeline(t, lg)

	outcomes := []struct {
		agent   string
		outcome float64
	}{{"a", 1}, {"b", 0}, {"a", 0.5}, {"a", 1}}
	for i, o := range outcomes {
		d, err := p.Submit(ctx, proposal(o.agent, "", `{"sku":"A","price":`+string(rune('1'+i))+`}`, 0.9))
		require.NoError(t, err)
		_, err = p.ReportOutcome(ctx, d.ID, o.outcome)
		require.NoError(t, err)
	}
	live := p.Learner().Weights()

	fresh, err := NewLearner(LearnerConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, fresh.Rebuild(ctx, lg))
	rebuilt := fresh.Weights()

	require.Len(t, rebuilt, 2)
	for agent, w := range live {
		assert.InDelta(t, w, rebuilt[agent], 1e-12, agent)
	}
}

func TestSQLiteLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisions.db")

	lg, err := OpenSQLiteLog(path)
	require.NoError(t, err)

	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	d := &Decision{ID: "d1", AgentID: "a", TaskID: "t1", Payload: []byte(`{"x":1}`), Confidence: 0.9, Stage: StageRecorded, RecordedAt: at}
	require.NoError(t, lg.Append(ctx, Entry{Kind: EntryRecorded, DecisionID: "d1", AgentID: "a", TaskID: "t1", Decision: d, At: at}))
	// Retried append of the same fact is ignored
	require.NoError(t, lg.Append(ctx, Entry{Kind: EntryRecorded, DecisionID: "d1", AgentID: "a", TaskID: "t1", Decision: d, At: at}))
	require.NoError(t, lg.Append(ctx, Entry{Kind: EntryOutcome, DecisionID: "d1", AgentID: "a", TaskID: "t1", Outcome: 0.75, At: at.Add(time.Minute)}))
	require.NoError(t, lg.Close())

	// Reopen to prove durability
	lg, err = OpenSQLiteLog(path)
	require.NoError(t, err)
	defer lg.Close()

	entries, err := lg.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryRecorded, entries[0].Kind)
	require.NotNil(t, entries[0].Decision)
	assert.JSONEq(t, `{"x":1}`, string(entries[0].Decision.Payload))
	assert.True(t, at.Equal(entries[0].At))
	assert.Equal(t, 0.75, entries[1].Outcome)
	assert.Less(t, entries[0].Seq, entries[1].Seq)

	found, err := lg.Lookup(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, found, 2)
	none, err := lg.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPipeline_RestoreFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisions.db")

	lg, err := OpenSQLiteLog(path)
	require.NoError(t, err)
	p, _ := newTestPipeline(t, lg)
	scored, err := p.Submit(ctx, proposal("a", "task-9", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	_, err = p.ReportOutcome(ctx, scored.ID, 1)
	require.NoError(t, err)
	recorded, err := p.Submit(ctx, proposal("b", "task-9", `{"sku":"A","price":1}`, 0.9))
	require.NoError(t, err)
	require.NoError(t, lg.Close())

	lg, err = OpenSQLiteLog(path)
	require.NoError(t, err)
	defer lg.Close()
	restored, _ := newTestPipeline(t, lg)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := restored.Get(scored.ID)
	require.NoError(t, err)
	assert.Equal(t, StageScored, got.Stage)
	got, err = restored.Get(recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, StageRecorded, got.Stage)
	assert.Len(t, restored.RecordedForTask("task-9"), 2)

	require.NoError(t, restored.Learner().Rebuild(ctx, lg))
	assert.InDelta(t, 0.6, restored.Learner().Weight("a"), 1e-9)
}
