package coordinator

import (
	"encoding/json"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/agent"
)

// TaskStatus is the Coordinator-owned lifecycle state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusAssigned   TaskStatus = "ASSIGNED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusConflicted TaskStatus = "CONFLICTED"
)

// IsTerminal reports whether the status is final
func IsTerminal(s TaskStatus) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure reasons attached to Failed tasks and submissions
const (
	ReasonSuperseded     = "SupersededByConflictResolution"
	ReasonTimeout        = "Timeout"
	ReasonCancelled      = "Cancelled"
	ReasonAllPartsFailed = "AllPartsFailed"
)

// Topics published by the Coordinator; payload is a *Task snapshot unless noted
const (
	TopicTaskCreated      = "task.created"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskConflicted   = "task.conflicted"
	TopicConflictResolved = "task.conflict_resolved" // payload: Resolution
	TopicTaskAggregated   = "task.aggregated"        // payload: Aggregation
)

// Inbox message kinds
const (
	InboxTaskAssigned  = "task.assigned"
	InboxTaskCancelled = "task.cancelled"
)

// TaskSpec is what callers submit to create a task
type TaskSpec struct {
	RequiredCapabilities agent.CapabilitySet
	Payload              any
	Priority             int
	Deadline             time.Time
	CorrelationID        string
}

// Task is a unit of delegable work
type Task struct {
	ID                   string              `json:"id"`
	ParentID             string              `json:"parent_id,omitempty"`
	Part                 int                 `json:"part,omitempty"`
	RequiredCapabilities agent.CapabilitySet `json:"-"`
	Payload              any                 `json:"payload,omitempty"`
	Priority             int                 `json:"priority"`
	Deadline             time.Time           `json:"deadline,omitempty"`
	Status               TaskStatus          `json:"status"`
	FailureReason        string              `json:"failure_reason,omitempty"`
	AssignedTo           []string            `json:"assigned_to,omitempty"`
	Subtasks             []string            `json:"subtasks,omitempty"`
	Result               any                 `json:"result,omitempty"`
	WinnerAgentID        string              `json:"winner_agent_id,omitempty"`
	CorrelationID        string              `json:"correlation_id,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	CompletedAt          time.Time           `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no slices or sets with t.
// Payload and Result are treated as immutable values.
func (t *Task) Clone() *Task {
	c := *t
	c.RequiredCapabilities = t.RequiredCapabilities.Clone()
	c.AssignedTo = append([]string(nil), t.AssignedTo...)
	c.Subtasks = append([]string(nil), t.Subtasks...)
	return &c
}

// IsFanOut reports whether the task was split across subtasks
func (t *Task) IsFanOut() bool {
	return len(t.Subtasks) > 0
}

// Assignment is the outcome of a successful delegation
type Assignment struct {
	TaskID  string
	AgentID string
	Weight  float64
}

// SubmissionStatus tracks a submitted result through conflict resolution
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionAccepted SubmissionStatus = "ACCEPTED"
	SubmissionFailed   SubmissionStatus = "FAILED"
)

// Submission is one result claim for a task. Losing submissions are kept for audit.
type Submission struct {
	Seq         uint64           `json:"seq"`
	TaskID      string           `json:"task_id"`
	AgentID     string           `json:"agent_id"`
	Result      any              `json:"result"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Status      SubmissionStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	// DecisionID is set when the claim is a previously Recorded decision
	DecisionID string `json:"decision_id,omitempty"`
}

// Resolution is the auditable record of a resolved conflict
type Resolution struct {
	TaskID     string             `json:"task_id"`
	Winner     Submission         `json:"winner"`
	Losers     []Submission       `json:"losers"`
	Weights    map[string]float64 `json:"weights"`
	Rule       string             `json:"rule"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// Resolution rules
const (
	RuleHigherWeight = "higher_weight"
	RuleFirstWriter  = "first_writer"
)

// RecordedDecision is a decision already in the decision log for a task
type RecordedDecision struct {
	ID         string
	AgentID    string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// PartSpec describes one slice of a fan-out task
type PartSpec struct {
	RequiredCapabilities agent.CapabilitySet
	Payload              any
}

// PartResult is one subtask's contribution to an aggregation
type PartResult struct {
	Part          int        `json:"part"`
	TaskID        string     `json:"task_id"`
	AgentID       string     `json:"agent_id,omitempty"`
	Status        TaskStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Result        any        `json:"result,omitempty"`
}

// Aggregation is published on TopicTaskAggregated
type Aggregation struct {
	TaskID          string       `json:"task_id"`
	Parts           []PartResult `json:"parts"`
	Result          any          `json:"result"`
	DeadlineReached bool         `json:"deadline_reached"`
}

// Aggregator combines the parts of a fan-out task into the parent's result
type Aggregator func(parent *Task, parts []PartResult) any

// CollectResults is the default Aggregator: winning results of completed parts in part order
func CollectResults(_ *Task, parts []PartResult) any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p.Status == StatusCompleted {
			out = append(out, p.Result)
		}
	}
	return out
}

// InboxMessage is delivered on an agent's inbox topic
type InboxMessage struct {
	Kind   string `json:"kind"`
	Task   *Task  `json:"task"`
	Reason string `json:"reason,omitempty"`
}
