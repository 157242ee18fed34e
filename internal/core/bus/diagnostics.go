package bus

import (
	"errors"
	"log"
	"time"
)

// DiagnosticKind classifies a diagnostic record
type DiagnosticKind string

const (
	KindSubscriberOverloaded DiagnosticKind = "subscriber_overloaded"
	KindHandlerFailed        DiagnosticKind = "handler_failed"
	KindNoCapableAgent       DiagnosticKind = "no_capable_agent"
	KindConflictDetected     DiagnosticKind = "conflict_detected"
	KindConflictResolved     DiagnosticKind = "conflict_resolved"
	KindDecisionRejected     DiagnosticKind = "decision_rejected"
	KindWeightUpdated        DiagnosticKind = "weight_updated"
	KindPipelineFatal        DiagnosticKind = "pipeline_fatal"
	KindAgentStatus          DiagnosticKind = "agent_status"
	KindTaskTimeout          DiagnosticKind = "task_timeout"
	KindKnowledgeRejected    DiagnosticKind = "knowledge_rejected"
)

// Diagnostic is the structured payload carried on TopicDiagnostics
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewDiagnostic builds a diagnostic stamped with the current time
func NewDiagnostic(component string, kind DiagnosticKind, message string, fields map[string]any) Diagnostic {
	return Diagnostic{
		Kind:      kind,
		Component: component,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
}

// Emit publishes a diagnostic on the reserved topic. Failures are logged, never returned:
// diagnostics must not change the outcome of the operation that produced them.
func Emit(b Bus, component string, kind DiagnosticKind, message string, fields map[string]any) {
	if b == nil {
		return
	}
	diag := NewDiagnostic(component, kind, message, fields)
	if _, err := b.Publish(NewEvent(TopicDiagnostics, component, diag)); err != nil && !errors.Is(err, ErrBusStopped) {
		log.Printf("[Bus] failed to emit %s diagnostic from %s: %v", kind, component, err)
	}
}

func isOverloadSignal(ev Event) bool {
	d, ok := ev.Payload.(Diagnostic)
	return ok && d.Kind == KindSubscriberOverloaded
}
