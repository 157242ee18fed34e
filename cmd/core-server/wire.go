package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/decision"
	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/knowledge"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/agent"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/coordinator"
)

// TaskRequestTopics carry externally raised work; each event becomes a delegated
// task. The bare topic and every topic beneath it are accepted.
var TaskRequestTopics = []string{"opportunity", "opportunity.>"}

// taskRequest is the payload accepted on TaskRequestTopics
type taskRequest struct {
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
	Deadline     string   `json:"deadline"` // duration from receipt, e.g. "30s"
	Payload      any      `json:"payload"`
}

// decisionLookup exposes the pipeline's recorded decisions to conflict resolution
func decisionLookup(p *decision.Pipeline) func(taskID string) []coordinator.RecordedDecision {
	return func(taskID string) []coordinator.RecordedDecision {
		recorded := p.RecordedForTask(taskID)
		out := make([]coordinator.RecordedDecision, 0, len(recorded))
		for _, d := range recorded {
			out = append(out, coordinator.RecordedDecision{
				ID:         d.ID,
				AgentID:    d.AgentID,
				Payload:    d.Payload,
				RecordedAt: d.RecordedAt,
			})
		}
		return out
	}
}

// cancelHook rejects decisions still in flight for a cancelled task
func cancelHook(p *decision.Pipeline) func(ctx context.Context, taskID string) {
	return func(ctx context.Context, taskID string) {
		if ids := p.RejectForTask(ctx, taskID, decision.ReasonTaskCancelled); len(ids) > 0 {
			log.Printf("[Server] Rejected %d in-flight decisions for cancelled task %s", len(ids), taskID)
		}
	}
}

// deriveTask turns a task request event into a TaskSpec
func deriveTask(now func() time.Time) func(bus.Event) (coordinator.TaskSpec, bool) {
	return func(ev bus.Event) (coordinator.TaskSpec, bool) {
		var req taskRequest
		switch payload := ev.Payload.(type) {
		case taskRequest:
			req = payload
		case *taskRequest:
			if payload == nil {
				return coordinator.TaskSpec{}, false
			}
			req = *payload
		case string:
			if err := json.Unmarshal([]byte(payload), &req); err != nil {
				return coordinator.TaskSpec{}, false
			}
		case map[string]any:
			data, err := json.Marshal(payload)
			if err != nil || json.Unmarshal(data, &req) != nil {
				return coordinator.TaskSpec{}, false
			}
		default:
			return coordinator.TaskSpec{}, false
		}
		if len(req.Capabilities) == 0 {
			return coordinator.TaskSpec{}, false
		}

		spec := coordinator.TaskSpec{
			RequiredCapabilities: agent.NewCapabilitySet(req.Capabilities...),
			Payload:              req.Payload,
			Priority:             req.Priority,
		}
		if req.Deadline != "" {
			d, err := time.ParseDuration(req.Deadline)
			if err != nil || d <= 0 {
				return coordinator.TaskSpec{}, false
			}
			spec.Deadline = now().Add(d)
		}
		return spec, true
	}
}

// routeTaskRequests converts events on every task request topic into delegated tasks
func routeTaskRequests(c *coordinator.Coordinator, derive func(bus.Event) (coordinator.TaskSpec, bool)) error {
	for _, topic := range TaskRequestTopics {
		if _, err := c.Route(topic, derive); err != nil {
			return err
		}
	}
	return nil
}

// bridgeOutcomes feeds conflict resolutions back to the learner: a recorded
// decision that won scores 1, one that lost scores 0
func bridgeOutcomes(b bus.Bus, p *decision.Pipeline) (*bus.Subscription, error) {
	handler := func(ev bus.Event) error {
		res, ok := ev.Payload.(coordinator.Resolution)
		if !ok {
			return nil
		}
		ctx := context.Background()
		if res.Winner.DecisionID != "" {
			scoreDecision(ctx, p, res.Winner.DecisionID, 1)
		}
		for _, loser := range res.Losers {
			if loser.DecisionID != "" {
				scoreDecision(ctx, p, loser.DecisionID, 0)
			}
		}
		return nil
	}
	sub, err := b.Subscribe(coordinator.TopicConflictResolved, handler, bus.WithOwner("outcome-bridge"))
	if err != nil {
		return nil, fmt.Errorf("subscribe conflict resolutions: %w", err)
	}
	return sub, nil
}

func scoreDecision(ctx context.Context, p *decision.Pipeline, id string, outcome float64) {
	if _, err := p.ReportOutcome(ctx, id, outcome); err != nil {
		log.Printf("[Server] Outcome for decision %s not recorded: %v", id, err)
	}
}

// openStore builds the configured vector backend
func openStore(ctx context.Context, storeType string, q knowledge.QdrantConfig) (knowledge.VectorStore, error) {
	switch storeType {
	case "", "memory":
		return knowledge.NewMemoryStore(), nil
	case "qdrant":
		return knowledge.NewQdrantStore(ctx, q)
	default:
		return nil, fmt.Errorf("unknown knowledge store %q", storeType)
	}
}

// openLog builds the configured decision log
func openLog(logType, path string) (decision.Log, error) {
	switch logType {
	case "", "memory":
		return decision.NewMemoryLog(), nil
	case "sqlite":
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create decision log directory: %w", err)
			}
		}
		return decision.OpenSQLiteLog(path)
	default:
		return nil, fmt.Errorf("unknown decision log %q", logType)
	}
}
