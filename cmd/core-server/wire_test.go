package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/knowledge"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/agent"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T, b bus.Bus) *decision.Pipeline {
	t.Helper()
	learner, err := decision.NewLearner(decision.LearnerConfig{}, b)
	require.NoError(t, err)
	p, err := decision.NewPipeline(decision.Config{Policy: decision.DefaultPolicy()}, decision.NewMemoryLog(), learner, b)
	require.NoError(t, err)
	return p
}

func priceProposal(agentID, taskID, payload string) decision.Proposal {
	return decision.Proposal{
		AgentID:    agentID,
		TaskID:     taskID,
		Payload:    json.RawMessage(payload),
		Confidence: 0.9,
	}
}

func TestDecisionLookup_ReturnsRecordedOnly(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()

	recorded, err := p.Submit(ctx, priceProposal("pricer", "t1", `{"price":10}`))
	require.NoError(t, err)
	_, err = p.Propose(ctx, priceProposal("pricer", "t1", `{"price":10}`))
	require.NoError(t, err)

	got := decisionLookup(p)("t1")
	require.Len(t, got, 1)
	assert.Equal(t, recorded.ID, got[0].ID)
	assert.Equal(t, "pricer", got[0].AgentID)
	assert.JSONEq(t, `{"price":10}`, string(got[0].Payload))
	assert.Equal(t, recorded.RecordedAt, got[0].RecordedAt)

	assert.Empty(t, decisionLookup(p)("unknown"))
}

func TestCancelHook_RejectsInFlightDecisions(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()

	inFlight, err := p.Propose(ctx, priceProposal("pricer", "t1", `{"price":10}`))
	require.NoError(t, err)
	recorded, err := p.Submit(ctx, priceProposal("lister", "t2", `{"price":3}`))
	require.NoError(t, err)

	cancelHook(p)(ctx, "t1")
	cancelHook(p)(ctx, "t2")

	d, err := p.Get(inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.StageRejected, d.Stage)
	assert.Equal(t, decision.ReasonTaskCancelled, d.Reason)

	d, err = p.Get(recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.StageRecorded, d.Stage)
}

func TestDeriveTask(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	derive := deriveTask(func() time.Time { return now })

	tests := []struct {
		name     string
		payload  any
		ok       bool
		deadline time.Time
	}{
		{"struct", taskRequest{Capabilities: []string{"pricing"}, Priority: 2}, true, time.Time{}},
		{"map with deadline", map[string]any{"capabilities": []any{"pricing", "ebay"}, "deadline": "30s"}, true, now.Add(30 * time.Second)},
		{"json string", `{"capabilities":["listing"],"payload":{"sku":"A-1"}}`, true, time.Time{}},
		{"no capabilities", map[string]any{"priority": 1}, false, time.Time{}},
		{"bad deadline", map[string]any{"capabilities": []any{"pricing"}, "deadline": "soon"}, false, time.Time{}},
		{"bad json", `{"capabilities":`, false, time.Time{}},
		{"other", 42, false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := derive(bus.NewEvent("opportunity.found", "scanner", tt.payload))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.NotEmpty(t, spec.RequiredCapabilities)
				assert.Equal(t, tt.deadline, spec.Deadline)
			}
		})
	}
}

func TestRouteTaskRequests_BareAndNestedTopics(t *testing.T) {
	b := bus.NewMemoryBus(bus.Config{})
	t.Cleanup(b.Stop)
	c := coordinator.New(coordinator.DefaultConfig(), b)
	t.Cleanup(c.Stop)

	_, err := c.RegisterAgent(agent.Handle{ID: "pricer", Capabilities: agent.NewCapabilitySet("pricing")})
	require.NoError(t, err)
	require.NoError(t, routeTaskRequests(c, deriveTask(time.Now)))

	req := map[string]any{"capabilities": []any{"pricing"}, "payload": "sku-1"}
	_, err = b.Publish(bus.NewEvent("opportunity", "agentX", req))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Tasks()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = b.Publish(bus.NewEvent("opportunity.price_drop", "agentX", req))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tasks := c.Tasks()
		if len(tasks) != 2 {
			return false
		}
		for _, task := range tasks {
			if len(task.AssignedTo) != 1 || task.AssignedTo[0] != "pricer" {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeOutcomes_ScoresRecordedClaims(t *testing.T) {
	b := bus.NewMemoryBus(bus.Config{})
	t.Cleanup(b.Stop)
	p := newPipeline(t, b)
	ctx := context.Background()

	c := coordinator.New(coordinator.DefaultConfig(), b,
		coordinator.WithWeights(p.Learner()),
		coordinator.WithDecisionLookup(decisionLookup(p)),
	)
	t.Cleanup(c.Stop)
	_, err := bridgeOutcomes(b, p)
	require.NoError(t, err)

	_, err = c.RegisterAgent(agent.Handle{ID: "pricer", Capabilities: agent.NewCapabilitySet("pricing")})
	require.NoError(t, err)
	taskID, err := c.SubmitTask(coordinator.TaskSpec{RequiredCapabilities: agent.NewCapabilitySet("pricing")})
	require.NoError(t, err)

	// an earlier recorded decision by another agent disagrees with the submitted result
	prior, err := p.Submit(ctx, priceProposal("lister", taskID, `{"price":12}`))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	task, err := c.SubmitResult(ctx, taskID, "pricer", map[string]any{"price": 10})
	require.NoError(t, err)
	assert.Equal(t, coordinator.StatusCompleted, task.Status)
	assert.Equal(t, "lister", task.WinnerAgentID, "equal weights fall back to the earlier claim")

	require.Eventually(t, func() bool {
		d, err := p.Get(prior.ID)
		return err == nil && d.Stage == decision.StageScored
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.6, p.Learner().Weight("lister"), 1e-9)
}

func TestOpenLog(t *testing.T) {
	lg, err := openLog("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &decision.MemoryLog{}, lg)

	lg, err = openLog("sqlite", filepath.Join(t.TempDir(), "nested", "decisions.db"))
	require.NoError(t, err)
	assert.IsType(t, &decision.SQLiteLog{}, lg)
	require.NoError(t, lg.Close())

	_, err = openLog("postgres", "")
	assert.Error(t, err)

	_, err = openStore(context.Background(), "redis", knowledge.QdrantConfig{})
	assert.Error(t, err)
	store, err := openStore(context.Background(), "", knowledge.QdrantConfig{})
	require.NoError(t, err)
	assert.IsType(t, &knowledge.MemoryStore{}, store)
}
