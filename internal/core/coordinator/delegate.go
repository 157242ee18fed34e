package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/google/uuid"
)

// SubmitTask creates a Pending task and arms its deadline. The task is not
// delegated until Delegate is called.
func (c *Coordinator) SubmitTask(spec TaskSpec) (string, error) {
	if c.stopped.Load() {
		return "", fmt.Errorf("%w: coordinator stopped", ErrInvalidTask)
	}
	now := c.now()
	if !spec.Deadline.IsZero() && !spec.Deadline.After(now) {
		return "", fmt.Errorf("%w: deadline %s already passed", ErrInvalidTask, spec.Deadline.Format("15:04:05.000"))
	}

	t := &Task{
		ID:                   uuid.NewString(),
		RequiredCapabilities: spec.RequiredCapabilities.Clone(),
		Payload:              spec.Payload,
		Priority:             spec.Priority,
		Deadline:             spec.Deadline,
		Status:               StatusPending,
		CorrelationID:        spec.CorrelationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	e := c.addTask(t)

	e.mu.Lock()
	c.armDeadline(e)
	c.publish(TopicTaskCreated, t.Clone(), t.CorrelationID)
	e.mu.Unlock()

	log.Printf("[Coordinator] Task %s created (capabilities: %v, priority: %d)", t.ID, t.RequiredCapabilities.Sorted(), t.Priority)
	return t.ID, nil
}

// Delegate assigns a Pending task to the best capable Active agent. When no
// agent qualifies the task stays Pending and ErrNoCapableAgent is returned.
func (c *Coordinator) Delegate(ctx context.Context, taskID string) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	e, err := c.entry(taskID)
	if err != nil {
		return Assignment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.task
	if IsTerminal(t.Status) {
		return Assignment{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, t.Status)
	}
	if t.Status != StatusPending {
		return Assignment{}, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, t.Status)
	}

	agentID, weight, ok := c.selectAgent(t.RequiredCapabilities)
	if !ok {
		c.emit(bus.KindNoCapableAgent, "no active agent covers the required capabilities", map[string]any{
			"task_id":      taskID,
			"capabilities": t.RequiredCapabilities.Sorted(),
		})
		return Assignment{}, fmt.Errorf("%w: task %s requires %v", ErrNoCapableAgent, taskID, t.RequiredCapabilities.Sorted())
	}

	t.Status = StatusAssigned
	t.AssignedTo = []string{agentID}
	t.UpdatedAt = c.now()

	snap := t.Clone()
	c.publish(TopicTaskAssigned, snap, t.CorrelationID)
	c.notifyAgent(agentID, InboxMessage{Kind: InboxTaskAssigned, Task: snap})

	log.Printf("[Coordinator] Task %s delegated to %s (weight %.3f)", taskID, agentID, weight)
	return Assignment{TaskID: taskID, AgentID: agentID, Weight: weight}, nil
}

// DelegatePending retries delegation of every Pending task, highest priority
// first, and returns the assignments made
func (c *Coordinator) DelegatePending(ctx context.Context) []Assignment {
	var pending []*Task
	for _, t := range c.Tasks() {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority > pending[j].Priority
	})

	var out []Assignment
	for _, t := range pending {
		a, err := c.Delegate(ctx, t.ID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

// Acknowledge moves an Assigned task to InProgress on behalf of its agent
func (c *Coordinator) Acknowledge(taskID, agentID string) error {
	e, err := c.entry(taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.task
	if !slices.Contains(t.AssignedTo, agentID) {
		return fmt.Errorf("%w: %s on %s", ErrNotAssigned, agentID, taskID)
	}
	switch t.Status {
	case StatusAssigned:
		t.Status = StatusInProgress
		t.UpdatedAt = c.now()
		return nil
	case StatusInProgress:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, t.Status)
	}
}

// Task returns a snapshot of one task
func (c *Coordinator) Task(id string) (*Task, error) {
	e, err := c.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Tasks returns snapshots of every task, oldest first
func (c *Coordinator) Tasks() []*Task {
	entries := c.entries()
	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Route converts events matching pattern into delegated tasks. derive returns
// false for events that should not become tasks. Failures are logged rather
// than returned so bus redelivery cannot create duplicate tasks.
func (c *Coordinator) Route(pattern string, derive func(bus.Event) (TaskSpec, bool)) (*bus.Subscription, error) {
	if c.bus == nil {
		return nil, errors.New("route requires an event bus")
	}
	if derive == nil {
		return nil, fmt.Errorf("%w: nil derive function", ErrInvalidTask)
	}
	sub, err := c.bus.Subscribe(pattern, func(ev bus.Event) error {
		spec, ok := derive(ev)
		if !ok {
			return nil
		}
		if spec.CorrelationID == "" {
			spec.CorrelationID = ev.ID
		}
		id, err := c.SubmitTask(spec)
		if err != nil {
			log.Printf("[Coordinator] Route %s: event %s not converted: %v", pattern, ev.ID, err)
			return nil
		}
		if _, err := c.Delegate(context.Background(), id); err != nil {
			log.Printf("[Coordinator] Route %s: task %s from event %s: %v", pattern, id, ev.ID, err)
		}
		return nil
	}, bus.WithOwner(component))
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", pattern, err)
	}
	log.Printf("[Coordinator] Routing events matching %q into tasks", pattern)
	return sub, nil
}

func (c *Coordinator) addTask(t *Task) *taskEntry {
	e := &taskEntry{task: t}
	c.tasksMu.Lock()
	c.tasks[t.ID] = e
	c.tasksMu.Unlock()
	return e
}

func (c *Coordinator) entry(id string) (*taskEntry, error) {
	c.tasksMu.RLock()
	e, ok := c.tasks[id]
	c.tasksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e, nil
}

func (c *Coordinator) entries() []*taskEntry {
	c.tasksMu.RLock()
	defer c.tasksMu.RUnlock()
	out := make([]*taskEntry, 0, len(c.tasks))
	for _, e := range c.tasks {
		out = append(out, e)
	}
	return out
}

// armDeadline schedules expiry for a task with a deadline. Caller holds e.mu.
func (c *Coordinator) armDeadline(e *taskEntry) {
	t := e.task
	if t.Deadline.IsZero() || t.ParentID != "" {
		return
	}
	id := t.ID
	e.timer = time.AfterFunc(t.Deadline.Sub(c.now()), func() { c.expire(id) })
}

// expire handles a task reaching its deadline: open conflicts are resolved,
// fan-out parents aggregate what they have, anything else fails with Timeout
func (c *Coordinator) expire(taskID string) {
	if c.stopped.Load() {
		return
	}
	e, err := c.entry(taskID)
	if err != nil {
		return
	}

	e.mu.Lock()
	t := e.task
	switch {
	case IsTerminal(t.Status):
		e.mu.Unlock()
		return
	case t.IsFanOut():
		e.mu.Unlock()
		c.aggregateParent(taskID, true)
		return
	case t.Status == StatusConflicted:
		c.resolveLocked(e)
		snap := t.Clone()
		e.mu.Unlock()
		c.afterTerminal(snap)
		return
	}

	c.failLocked(e, ReasonTimeout, "")
	snap := t.Clone()
	e.mu.Unlock()

	log.Printf("[Coordinator] Task %s timed out", taskID)
	c.emit(bus.KindTaskTimeout, "task deadline elapsed", map[string]any{
		"task_id":     taskID,
		"assigned_to": snap.AssignedTo,
	})
}

// failLocked marks the task Failed, fails its open submissions, tells the
// assigned agents why and publishes task.failed. Caller holds e.mu.
func (c *Coordinator) failLocked(e *taskEntry, reason, notice string) {
	t := e.task
	now := c.now()
	t.Status = StatusFailed
	t.FailureReason = reason
	t.UpdatedAt = now
	t.CompletedAt = now
	for i := range e.submissions {
		if e.submissions[i].Status == SubmissionPending {
			e.submissions[i].Status = SubmissionFailed
			e.submissions[i].Reason = reason
		}
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	if notice == "" {
		notice = reason
	}
	snap := t.Clone()
	for _, agentID := range t.AssignedTo {
		c.notifyAgent(agentID, InboxMessage{Kind: InboxTaskCancelled, Task: snap, Reason: notice})
	}
	c.publish(TopicTaskFailed, snap, t.CorrelationID)
}
