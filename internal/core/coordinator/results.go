package coordinator

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
)

// SubmitResult records an agent's result for a task. A sole claim completes
// the task. Competing claims, from other agents or from Recorded decisions the
// result contradicts, put the task in Conflicted and are resolved immediately
// when AutoResolve is set. The returned snapshot reflects the task afterwards.
func (c *Coordinator) SubmitResult(ctx context.Context, taskID, agentID string, result any) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.Agent(agentID); err != nil {
		return nil, err
	}
	e, err := c.entry(taskID)
	if err != nil {
		return nil, err
	}

	// The lookup may block on the decision pipeline, keep it outside the task lock
	var recorded []RecordedDecision
	if c.decisions != nil {
		recorded = c.decisions(taskID)
	}

	e.mu.Lock()
	t := e.task
	if t.IsFanOut() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is aggregated from its parts", ErrInvalidTask, taskID)
	}
	now := c.now()
	switch t.Status {
	case StatusFailed:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s failed (%s)", ErrTaskTerminal, taskID, t.FailureReason)
	case StatusCompleted:
		// A completed task stays contestable for ConflictWindow: a competing
		// result arriving inside it reopens the task as Conflicted.
		if now.Sub(t.CompletedAt) > c.cfg.ConflictWindow {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s completed at %s", ErrTaskTerminal, taskID, t.CompletedAt.Format("15:04:05"))
		}
	}

	// A repeat from an agent whose claim is still in play is a retry, not a
	// competing result; the first claim stands.
	if hasAgentClaim(e, agentID) {
		snap := t.Clone()
		e.mu.Unlock()
		log.Printf("[Coordinator] Ignoring repeated result from %s for task %s", agentID, taskID)
		return snap, nil
	}

	e.submissions = append(e.submissions, Submission{
		Seq:         c.seq.Add(1),
		TaskID:      taskID,
		AgentID:     agentID,
		Result:      result,
		SubmittedAt: now,
		Status:      SubmissionPending,
	})
	for _, d := range recorded {
		if hasDecisionClaim(e, d.ID) || !c.contradicts(result, d) {
			continue
		}
		e.submissions = append(e.submissions, Submission{
			Seq:         c.seq.Add(1),
			TaskID:      taskID,
			AgentID:     d.AgentID,
			Result:      d.Payload,
			SubmittedAt: d.RecordedAt,
			Status:      SubmissionPending,
			DecisionID:  d.ID,
		})
	}

	contenders := contenderIndexes(e)
	if len(contenders) == 1 {
		c.completeLocked(e, contenders[0])
		snap := t.Clone()
		e.mu.Unlock()
		log.Printf("[Coordinator] Task %s completed by %s", taskID, agentID)
		c.afterTerminal(snap)
		return snap, nil
	}

	t.Status = StatusConflicted
	t.UpdatedAt = now
	c.publish(TopicTaskConflicted, t.Clone(), t.CorrelationID)
	agents := make([]string, 0, len(contenders))
	for _, i := range contenders {
		agents = append(agents, e.submissions[i].AgentID)
	}
	c.emit(bus.KindConflictDetected, "competing results for task", map[string]any{
		"task_id": taskID,
		"agents":  agents,
	})
	log.Printf("[Coordinator] Task %s conflicted between %v", taskID, agents)

	if c.cfg.AutoResolve {
		c.resolveLocked(e)
	}
	snap := t.Clone()
	e.mu.Unlock()
	c.afterTerminal(snap)
	return snap, nil
}

// ResolveConflict settles a Conflicted task: the claim from the agent with the
// higher current weight wins, equal weights fall back to the earliest claim
func (c *Coordinator) ResolveConflict(ctx context.Context, taskID string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	e, err := c.entry(taskID)
	if err != nil {
		return Resolution{}, err
	}
	e.mu.Lock()
	if e.task.Status != StatusConflicted {
		status := e.task.Status
		e.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s is %s", ErrNoConflict, taskID, status)
	}
	res := c.resolveLocked(e)
	snap := e.task.Clone()
	e.mu.Unlock()
	c.afterTerminal(snap)
	return res, nil
}

// Submissions returns every claim made for a task, losers included, in submission order
func (c *Coordinator) Submissions(taskID string) ([]Submission, error) {
	e, err := c.entry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Submission(nil), e.submissions...), nil
}

// Resolutions returns the conflict resolutions applied to a task, oldest first
func (c *Coordinator) Resolutions(taskID string) ([]Resolution, error) {
	e, err := c.entry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Resolution, len(e.resolutions))
	for i, r := range e.resolutions {
		out[i] = cloneResolution(r)
	}
	return out, nil
}

// resolveLocked ranks the open claims and completes the task with the winner.
// Caller holds e.mu.
func (c *Coordinator) resolveLocked(e *taskEntry) Resolution {
	t := e.task
	idx := contenderIndexes(e)
	weights := make(map[string]float64, len(idx))
	for _, i := range idx {
		id := e.submissions[i].AgentID
		if _, ok := weights[id]; !ok {
			weights[id] = c.weights.Weight(id)
		}
	}

	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := e.submissions[idx[a]], e.submissions[idx[b]]
		wa, wb := weights[sa.AgentID], weights[sb.AgentID]
		if math.Abs(wa-wb) > weightEpsilon {
			return wa > wb
		}
		if !sa.SubmittedAt.Equal(sb.SubmittedAt) {
			return sa.SubmittedAt.Before(sb.SubmittedAt)
		}
		return sa.Seq < sb.Seq
	})

	rule := RuleFirstWriter
	if len(idx) > 1 {
		top := weights[e.submissions[idx[0]].AgentID]
		next := weights[e.submissions[idx[1]].AgentID]
		if math.Abs(top-next) > weightEpsilon {
			rule = RuleHigherWeight
		}
	}

	for _, i := range idx[1:] {
		e.submissions[i].Status = SubmissionFailed
		e.submissions[i].Reason = ReasonSuperseded
	}
	c.completeLocked(e, idx[0])

	res := Resolution{
		TaskID:     t.ID,
		Winner:     e.submissions[idx[0]],
		Weights:    weights,
		Rule:       rule,
		ResolvedAt: c.now(),
	}
	for _, i := range idx[1:] {
		res.Losers = append(res.Losers, e.submissions[i])
	}
	e.resolutions = append(e.resolutions, res)

	c.publish(TopicConflictResolved, cloneResolution(res), t.CorrelationID)
	c.emit(bus.KindConflictResolved, "conflict resolved", map[string]any{
		"task_id": t.ID,
		"winner":  res.Winner.AgentID,
		"losers":  len(res.Losers),
		"rule":    rule,
	})
	log.Printf("[Coordinator] Task %s conflict resolved: %s wins by %s (%d superseded)", t.ID, res.Winner.AgentID, rule, len(res.Losers))
	return res
}

// completeLocked accepts submission i as the task result. Caller holds e.mu.
func (c *Coordinator) completeLocked(e *taskEntry, i int) {
	t := e.task
	now := c.now()
	sub := &e.submissions[i]
	sub.Status = SubmissionAccepted
	sub.Reason = ""

	t.Status = StatusCompleted
	t.FailureReason = ""
	t.Result = sub.Result
	t.WinnerAgentID = sub.AgentID
	t.UpdatedAt = now
	t.CompletedAt = now
	if e.timer != nil {
		e.timer.Stop()
	}
	c.publish(TopicTaskCompleted, t.Clone(), t.CorrelationID)
}

// afterTerminal lets a fan-out parent aggregate once one of its parts settles
func (c *Coordinator) afterTerminal(snap *Task) {
	if snap.ParentID != "" && IsTerminal(snap.Status) {
		c.aggregateParent(snap.ParentID, false)
	}
}

// contenderIndexes lists the claims still in play: pending ones and the
// currently accepted result
func contenderIndexes(e *taskEntry) []int {
	var idx []int
	for i, s := range e.submissions {
		if s.Status == SubmissionPending || s.Status == SubmissionAccepted {
			idx = append(idx, i)
		}
	}
	return idx
}

func hasAgentClaim(e *taskEntry, agentID string) bool {
	for _, i := range contenderIndexes(e) {
		if s := e.submissions[i]; s.AgentID == agentID && s.DecisionID == "" {
			return true
		}
	}
	return false
}

func hasDecisionClaim(e *taskEntry, decisionID string) bool {
	for _, s := range e.submissions {
		if s.DecisionID == decisionID {
			return true
		}
	}
	return false
}

func cloneResolution(r Resolution) Resolution {
	r.Losers = append([]Submission(nil), r.Losers...)
	w := make(map[string]float64, len(r.Weights))
	for k, v := range r.Weights {
		w[k] = v
	}
	r.Weights = w
	return r
}
