package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
)

// Status defines the liveness state of an agent as seen by the Coordinator
type Status string

const (
	Active    Status = "ACTIVE"
	Suspended Status = "SUSPENDED"
	Retired   Status = "RETIRED"
)

// Capability is a declared skill tag, e.g. "pricing" or "shipping.rates"
type Capability string

// CapabilitySet is an explicit set of capability tags
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from tags, ignoring blanks
func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			set[Capability(t)] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set contains c
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Covers reports whether s is a superset of required
func (s CapabilitySet) Covers(required CapabilitySet) bool {
	for c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Sorted returns the tags in lexical order
func (s CapabilitySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Handle is the Coordinator's authoritative record of a registered agent
type Handle struct {
	ID            string
	Capabilities  CapabilitySet
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Clone returns a copy that shares no mutable state with h
func (h Handle) Clone() Handle {
	h.Capabilities = h.Capabilities.Clone()
	return h
}

// InboxTopic is the topic the Coordinator uses to address a single agent
func InboxTopic(agentID string) string {
	return "agent." + agentID
}

// ValidateID checks that id can name an agent. The id becomes one segment of
// the inbox topic, so separators, wildcards and whitespace are refused.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("empty id")
	}
	if strings.ContainsAny(id, ".*>") {
		return fmt.Errorf("id %q contains a topic separator or wildcard", id)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("id %q contains whitespace", id)
	}
	return nil
}

// Agent defines the interface an in-process agent implements to be attached
// to the Coordinator
type Agent interface {
	// ID returns the unique identifier of the agent
	ID() string

	// Capabilities returns the tags the agent can serve
	Capabilities() CapabilitySet

	// OnEvent is called by the bus when an event arrives on the agent's inbox
	OnEvent(event bus.Event) error
}
