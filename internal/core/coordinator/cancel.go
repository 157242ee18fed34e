package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// CancelTask fails a non-terminal task with reason Cancelled, notifies the
// assigned agents, cancels its parts and runs the cancel hook so in-flight
// decisions for the task are rejected. reason is passed on to the agents.
func (c *Coordinator) CancelTask(ctx context.Context, taskID, reason string) (*Task, error) {
	e, err := c.entry(taskID)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCancelled
	}

	e.mu.Lock()
	t := e.task
	if IsTerminal(t.Status) {
		status := t.Status
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, status)
	}
	c.failLocked(e, ReasonCancelled, reason)
	snap := t.Clone()
	e.mu.Unlock()

	log.Printf("[Coordinator] Task %s cancelled (%s)", taskID, reason)

	for _, sub := range snap.Subtasks {
		if _, err := c.CancelTask(ctx, sub, reason); err != nil && !errors.Is(err, ErrTaskTerminal) {
			log.Printf("[Coordinator] Cancel part %s of %s: %v", sub, taskID, err)
		}
	}
	if c.onCancel != nil {
		c.onCancel(ctx, taskID)
	}
	c.afterTerminal(snap)
	return snap, nil
}
