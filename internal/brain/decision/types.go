package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topics published by the pipeline; payload is a Decision snapshot
const (
	TopicValidated = "decision.validated"
	TopicRejected  = "decision.rejected"
	TopicRecorded  = "decision.recorded"
	TopicScored    = "decision.scored"
)

// Stage is the position of a decision in the pipeline
type Stage string

const (
	StageProposed  Stage = "PROPOSED"
	StageValidated Stage = "VALIDATED"
	StageRejected  Stage = "REJECTED"
	StageRecorded  Stage = "RECORDED"
	StageScored    Stage = "SCORED_OUTCOME_KNOWN"
)

// Reason is the machine-readable cause of a rejection
type Reason string

const (
	ReasonSchemaInvalid        Reason = "schema_invalid"
	ReasonConfidenceBelowFloor Reason = "confidence_below_floor"
	ReasonConflictingDecision  Reason = "conflicting_decision"
	ReasonPayloadTooLarge      Reason = "payload_too_large"
	ReasonTaskCancelled        Reason = "task_cancelled"
	ReasonManual               Reason = "manual"
)

var (
	ErrNotFound           = errors.New("decision not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid decision stage transition")
	ErrRejected           = errors.New("decision rejected")
	ErrPersistenceFailure = errors.New("decision log persistence failed")
	ErrPipelineHalted     = errors.New("decision pipeline halted, operator intervention required")
)

// RejectionError is returned synchronously to the proposer when validation fails
type RejectionError struct {
	DecisionID string
	Reason     Reason
	Detail     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("decision %s rejected (%s): %s", e.DecisionID, e.Reason, e.Detail)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// PersistenceError is the fatal error surfaced after log retries are exhausted
type PersistenceError struct {
	DecisionID string
	Attempts   int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting decision %s failed after %d attempts: %v", e.DecisionID, e.Attempts, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Proposal is what an agent or the coordinator submits
type Proposal struct {
	AgentID    string          `json:"agent_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
}

// Decision is a proposed action moving through the pipeline.
// The payload is never modified after proposal.
type Decision struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
	Stage      Stage           `json:"stage"`
	Reason     Reason          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Outcome    *float64        `json:"outcome,omitempty"`
	ProposedAt time.Time       `json:"proposed_at"`
	RecordedAt time.Time       `json:"recorded_at,omitempty"`
	ScoredAt   time.Time       `json:"scored_at,omitempty"`
}

// Clone returns a deep copy
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = append(json.RawMessage(nil), d.Payload...)
	}
	if d.Outcome != nil {
		o := *d.Outcome
		c.Outcome = &o
	}
	return &c
}
