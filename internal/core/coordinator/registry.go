package coordinator

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/agent"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/utils"
	"github.com/google/uuid"
)

// Register adds an agent with a generated id
func (c *Coordinator) Register(caps agent.CapabilitySet) (agent.Handle, error) {
	return c.RegisterAgent(agent.Handle{ID: uuid.NewString(), Capabilities: caps})
}

// RegisterAgent adds an agent under a caller-chosen id. A retired agent may
// re-register under the same id.
func (c *Coordinator) RegisterAgent(h agent.Handle) (agent.Handle, error) {
	if err := agent.ValidateID(h.ID); err != nil {
		return agent.Handle{}, fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	if len(h.Capabilities) == 0 {
		return agent.Handle{}, fmt.Errorf("%w: agent %s declares no capabilities", ErrInvalidAgent, h.ID)
	}

	now := c.now()
	h = h.Clone()
	h.Status = agent.Active
	h.RegisteredAt = now
	h.LastHeartbeat = now

	c.regMu.Lock()
	if existing, ok := c.agents[h.ID]; ok && existing.Status != agent.Retired {
		c.regMu.Unlock()
		return agent.Handle{}, fmt.Errorf("%w: %s", ErrAgentExists, h.ID)
	}
	stored := h
	c.agents[h.ID] = &stored
	c.regMu.Unlock()

	log.Printf("[Coordinator] Registered agent %s (capabilities: %v)", h.ID, h.Capabilities.Sorted())
	c.emit(bus.KindAgentStatus, "agent registered", map[string]any{
		"agent_id": h.ID,
		"status":   string(agent.Active),
	})
	return h.Clone(), nil
}

// Attach registers an in-process agent and subscribes it to its inbox topic
func (c *Coordinator) Attach(a agent.Agent) (agent.Handle, error) {
	if a == nil {
		return agent.Handle{}, fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	h, err := c.RegisterAgent(agent.Handle{ID: a.ID(), Capabilities: a.Capabilities()})
	if err != nil {
		return agent.Handle{}, err
	}
	if c.bus == nil {
		return h, nil
	}
	if _, err := c.bus.Subscribe(agent.InboxTopic(h.ID), a.OnEvent, bus.WithOwner(agentOwner(h.ID))); err != nil {
		c.regMu.Lock()
		delete(c.agents, h.ID)
		c.regMu.Unlock()
		return agent.Handle{}, fmt.Errorf("subscribe inbox for %s: %w", h.ID, err)
	}
	return h, nil
}

// DeregisterAgent removes an agent, drops its inbox subscriptions and returns
// its unfinished tasks to Pending before trying to delegate them elsewhere
func (c *Coordinator) DeregisterAgent(id string) error {
	c.regMu.Lock()
	if _, ok := c.agents[id]; !ok {
		c.regMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(c.agents, id)
	c.regMu.Unlock()

	if c.bus != nil {
		c.bus.UnsubscribeOwner(agentOwner(id))
	}
	log.Printf("[Coordinator] Deregistered agent %s", id)
	c.emit(bus.KindAgentStatus, "agent deregistered", map[string]any{"agent_id": id})

	c.redelegate(context.Background(), c.requeueAgent(id))
	return nil
}

// Heartbeat refreshes an agent's liveness. A Suspended agent becomes Active again.
func (c *Coordinator) Heartbeat(id string) error {
	c.regMu.Lock()
	h, ok := c.agents[id]
	if !ok {
		c.regMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if h.Status == agent.Retired {
		c.regMu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentRetired, id)
	}
	h.LastHeartbeat = c.now()
	resumed := h.Status == agent.Suspended
	h.Status = agent.Active
	c.regMu.Unlock()

	if resumed {
		log.Printf("[Coordinator] Agent %s resumed", id)
		c.emit(bus.KindAgentStatus, "agent resumed", map[string]any{
			"agent_id": id,
			"status":   string(agent.Active),
		})
	}
	return nil
}

// Agent returns a snapshot of one registered agent
func (c *Coordinator) Agent(id string) (agent.Handle, error) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	h, ok := c.agents[id]
	if !ok {
		return agent.Handle{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return h.Clone(), nil
}

// Agents returns snapshots of every registered agent ordered by id
func (c *Coordinator) Agents() []agent.Handle {
	c.regMu.RLock()
	out := make([]agent.Handle, 0, len(c.agents))
	for _, h := range c.agents {
		out = append(out, h.Clone())
	}
	c.regMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type statusChange struct {
	id   string
	from agent.Status
	to   agent.Status
}

// Sweep applies heartbeat timeouts as of now and returns the number of agents
// whose status changed. Tasks held by newly retired agents are requeued.
func (c *Coordinator) Sweep(now time.Time) int {
	var changes []statusChange

	c.regMu.Lock()
	for id, h := range c.agents {
		silent := now.Sub(h.LastHeartbeat)
		switch {
		case h.Status != agent.Retired && silent >= c.cfg.RetireAfter:
			changes = append(changes, statusChange{id, h.Status, agent.Retired})
			h.Status = agent.Retired
		case h.Status == agent.Active && silent >= c.cfg.SuspendAfter:
			changes = append(changes, statusChange{id, h.Status, agent.Suspended})
			h.Status = agent.Suspended
		}
	}
	c.regMu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })
	var requeued []string
	for _, ch := range changes {
		log.Printf("[Coordinator] Agent %s: %s -> %s", ch.id, ch.from, ch.to)
		c.emit(bus.KindAgentStatus, "agent status changed", map[string]any{
			"agent_id": ch.id,
			"from":     string(ch.from),
			"status":   string(ch.to),
		})
		if ch.to == agent.Retired {
			requeued = append(requeued, c.requeueAgent(ch.id)...)
		}
	}
	c.redelegate(context.Background(), requeued)
	return len(changes)
}

// StartHeartbeatMonitor sweeps the registry every interval until ctx is done
// or the Coordinator stops
func (c *Coordinator) StartHeartbeatMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.SuspendAfter / 2
	}
	c.wg.Add(1)
	utils.SafeGo("heartbeat-monitor", func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep(c.now())
			}
		}
	})
	log.Printf("[Coordinator] Heartbeat monitor started (interval: %v)", interval)
}

// requeueAgent removes the agent from every unfinished single-agent task and
// returns the ids of tasks that fell back to Pending
func (c *Coordinator) requeueAgent(agentID string) []string {
	var pending []string
	for _, e := range c.entries() {
		e.mu.Lock()
		t := e.task
		if IsTerminal(t.Status) || t.IsFanOut() || !slices.Contains(t.AssignedTo, agentID) {
			e.mu.Unlock()
			continue
		}
		t.AssignedTo = slices.DeleteFunc(t.AssignedTo, func(id string) bool { return id == agentID })
		if len(t.AssignedTo) == 0 && (t.Status == StatusAssigned || t.Status == StatusInProgress) {
			t.Status = StatusPending
			t.UpdatedAt = c.now()
			pending = append(pending, t.ID)
		}
		e.mu.Unlock()
	}
	if len(pending) > 0 {
		log.Printf("[Coordinator] Requeued %d task(s) from agent %s", len(pending), agentID)
	}
	return pending
}

func (c *Coordinator) redelegate(ctx context.Context, taskIDs []string) {
	for _, id := range taskIDs {
		if _, err := c.Delegate(ctx, id); err != nil {
			log.Printf("[Coordinator] Task %s left pending: %v", id, err)
		}
	}
}

// selectAgent picks the Active agent covering required with the highest
// weight, breaking ties by lexical id
func (c *Coordinator) selectAgent(required agent.CapabilitySet) (string, float64, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()

	var (
		bestID string
		bestW  float64
		found  bool
	)
	for id, h := range c.agents {
		if h.Status != agent.Active || !h.Capabilities.Covers(required) {
			continue
		}
		w := c.weights.Weight(id)
		switch {
		case !found, w > bestW+weightEpsilon:
			bestID, bestW, found = id, w, true
		case w >= bestW-weightEpsilon && id < bestID:
			bestID, bestW = id, w
		}
	}
	return bestID, bestW, found
}
