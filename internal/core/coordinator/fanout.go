package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/google/uuid"
)

// DelegateFanOut splits a Pending task into one subtask per part and delegates
// each. Parts with no capable agent stay Pending and are reported in the
// returned error, the others keep their assignments. The parent aggregates once
// every part is terminal or its deadline elapses.
func (c *Coordinator) DelegateFanOut(ctx context.Context, taskID string, parts []PartSpec) ([]Assignment, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: fan-out needs at least one part", ErrInvalidTask)
	}
	pe, err := c.entry(taskID)
	if err != nil {
		return nil, err
	}

	pe.mu.Lock()
	parent := pe.task
	if IsTerminal(parent.Status) {
		pe.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, parent.Status)
	}
	if parent.Status != StatusPending || parent.IsFanOut() {
		pe.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, parent.Status)
	}

	now := c.now()
	subs := make([]*Task, len(parts))
	for i, p := range parts {
		caps := p.RequiredCapabilities
		if len(caps) == 0 {
			caps = parent.RequiredCapabilities
		}
		subs[i] = &Task{
			ID:                   uuid.NewString(),
			ParentID:             parent.ID,
			Part:                 i,
			RequiredCapabilities: caps.Clone(),
			Payload:              p.Payload,
			Priority:             parent.Priority,
			Deadline:             parent.Deadline,
			Status:               StatusPending,
			CorrelationID:        parent.CorrelationID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		parent.Subtasks = append(parent.Subtasks, subs[i].ID)
	}
	parent.Status = StatusAssigned
	parent.UpdatedAt = now
	for _, st := range subs {
		se := c.addTask(st)
		se.mu.Lock()
		c.publish(TopicTaskCreated, st.Clone(), st.CorrelationID)
		se.mu.Unlock()
	}
	pe.mu.Unlock()

	log.Printf("[Coordinator] Task %s fanned out into %d part(s)", taskID, len(subs))

	var (
		assignments []Assignment
		errs        []error
	)
	for _, st := range subs {
		a, err := c.Delegate(ctx, st.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("part %d (%s): %w", st.Part, st.ID, err))
			continue
		}
		assignments = append(assignments, a)
		c.addParentAssignee(pe, a.AgentID)
	}
	return assignments, errors.Join(errs...)
}

func (c *Coordinator) addParentAssignee(pe *taskEntry, agentID string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if slices.Contains(pe.task.AssignedTo, agentID) {
		return
	}
	pe.task.AssignedTo = append(pe.task.AssignedTo, agentID)
}

// aggregateParent combines the parts of a fan-out task when all of them are
// terminal, or unconditionally once the deadline is reached, in which case
// unfinished parts fail with Timeout. Locks the parent before each part.
func (c *Coordinator) aggregateParent(parentID string, deadlineReached bool) {
	pe, err := c.entry(parentID)
	if err != nil {
		return
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	parent := pe.task
	if IsTerminal(parent.Status) || !parent.IsFanOut() {
		return
	}

	children := make([]*taskEntry, 0, len(parent.Subtasks))
	for _, id := range parent.Subtasks {
		ce, err := c.entry(id)
		if err != nil {
			continue
		}
		children = append(children, ce)
	}
	for _, ce := range children {
		ce.mu.Lock()
	}
	defer func() {
		for _, ce := range children {
			ce.mu.Unlock()
		}
	}()

	if !deadlineReached {
		for _, ce := range children {
			if !IsTerminal(ce.task.Status) {
				return
			}
		}
	}

	parts := make([]PartResult, 0, len(children))
	completed := 0
	for _, ce := range children {
		t := ce.task
		switch {
		case t.Status == StatusConflicted:
			c.resolveLocked(ce)
		case !IsTerminal(t.Status):
			c.failLocked(ce, ReasonTimeout, "")
		}
		pr := PartResult{
			Part:          t.Part,
			TaskID:        t.ID,
			AgentID:       t.WinnerAgentID,
			Status:        t.Status,
			FailureReason: t.FailureReason,
		}
		if t.Status == StatusCompleted {
			pr.Result = t.Result
			completed++
		}
		parts = append(parts, pr)
	}

	agg := Aggregation{
		TaskID:          parent.ID,
		Parts:           parts,
		DeadlineReached: deadlineReached,
	}
	if completed == 0 {
		reason := ReasonAllPartsFailed
		if deadlineReached {
			reason = ReasonTimeout
		}
		c.publish(TopicTaskAggregated, agg, parent.CorrelationID)
		c.failLocked(pe, reason, "")
		log.Printf("[Coordinator] Task %s failed: no part completed (%s)", parent.ID, reason)
		return
	}

	agg.Result = c.aggregate(parent.Clone(), parts)
	now := c.now()
	parent.Status = StatusCompleted
	parent.Result = agg.Result
	parent.UpdatedAt = now
	parent.CompletedAt = now
	if pe.timer != nil {
		pe.timer.Stop()
	}
	c.publish(TopicTaskAggregated, agg, parent.CorrelationID)
	c.publish(TopicTaskCompleted, parent.Clone(), parent.CorrelationID)
	log.Printf("[Coordinator] Task %s aggregated from %d/%d part(s) (deadline reached: %v)",
		parent.ID, completed, len(parts), deadlineReached)
}
