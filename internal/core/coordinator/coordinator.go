package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/agent"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
)

const component = "coordinator"

var (
	// ErrNoCapableAgent is an expected outcome: the task stays Pending
	ErrNoCapableAgent = errors.New("no capable agent")

	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentExists    = errors.New("agent already registered")
	ErrAgentRetired   = errors.New("agent retired")
	ErrInvalidAgent   = errors.New("invalid agent")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskTerminal   = errors.New("task already terminal")
	ErrTaskNotPending = errors.New("task is not pending")
	ErrInvalidTask    = errors.New("invalid task")
	ErrNotAssigned    = errors.New("agent is not assigned to task")
	ErrNoConflict     = errors.New("task has no conflict to resolve")
)

const (
	DefaultInitialWeight  = 0.5
	DefaultSuspendAfter   = 30 * time.Second
	DefaultRetireAfter    = 5 * time.Minute
	DefaultConflictWindow = 5 * time.Minute

	// weightEpsilon treats weights closer than this as equal
	weightEpsilon = 1e-9
)

// Config tunes the Coordinator. Start from DefaultConfig.
type Config struct {
	InitialWeight float64
	// AutoResolve resolves conflicts as soon as they are detected; otherwise
	// the task stays Conflicted until ResolveConflict
	AutoResolve  bool
	SuspendAfter time.Duration
	RetireAfter  time.Duration
	// ConflictWindow is how long after completion a competing result can still
	// contest the task
	ConflictWindow time.Duration
}

// DefaultConfig returns the default Coordinator configuration
func DefaultConfig() Config {
	return Config{
		InitialWeight:  DefaultInitialWeight,
		AutoResolve:    true,
		SuspendAfter:   DefaultSuspendAfter,
		RetireAfter:    DefaultRetireAfter,
		ConflictWindow: DefaultConflictWindow,
	}
}

// WeightSource supplies the current success weight of an agent
type WeightSource interface {
	Weight(agentID string) float64
}

type staticWeight float64

func (w staticWeight) Weight(string) float64 { return float64(w) }

// ContradictionFunc decides whether a submitted result contradicts a recorded decision
type ContradictionFunc func(result any, d RecordedDecision) bool

// DefaultContradiction treats a result as contradicting when its JSON encoding
// differs from the decision payload
func DefaultContradiction(result any, d RecordedDecision) bool {
	data, err := json.Marshal(result)
	if err != nil {
		return true
	}
	var a, b any
	if json.Unmarshal(data, &a) != nil || json.Unmarshal(d.Payload, &b) != nil {
		return string(data) != string(d.Payload)
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) != string(jb)
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithWeights sets the source of agent success weights
func WithWeights(ws WeightSource) Option {
	return func(c *Coordinator) { c.weights = ws }
}

// WithDecisionLookup supplies Recorded decisions for a task so contradicting results enter conflict resolution
func WithDecisionLookup(fn func(taskID string) []RecordedDecision) Option {
	return func(c *Coordinator) { c.decisions = fn }
}

// WithContradiction overrides DefaultContradiction
func WithContradiction(fn ContradictionFunc) Option {
	return func(c *Coordinator) { c.contradicts = fn }
}

// WithCancelHook is invoked after a task is cancelled, e.g. to reject in-flight decisions
func WithCancelHook(fn func(ctx context.Context, taskID string)) Option {
	return func(c *Coordinator) { c.onCancel = fn }
}

// WithAggregator overrides CollectResults for fan-out tasks
func WithAggregator(fn Aggregator) Option {
	return func(c *Coordinator) { c.aggregate = fn }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the agent registry and the task table, delegates tasks to
// capable agents, and resolves conflicting results. The registry, the task
// table and each task entry have their own locks; no lock spans all of them.
type Coordinator struct {
	cfg Config
	bus bus.Bus

	regMu  sync.RWMutex
	agents map[string]*agent.Handle

	tasksMu sync.RWMutex
	tasks   map[string]*taskEntry

	weights     WeightSource
	decisions   func(taskID string) []RecordedDecision
	contradicts ContradictionFunc
	onCancel    func(ctx context.Context, taskID string)
	aggregate   Aggregator
	now         func() time.Time

	seq     atomic.Uint64
	stopped atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// taskEntry serializes every transition of one task
type taskEntry struct {
	mu          sync.Mutex
	task        *Task
	submissions []Submission
	resolutions []Resolution
	timer       *time.Timer
}

// New creates a Coordinator publishing on b
func New(cfg Config, b bus.Bus, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.InitialWeight <= 0 {
		cfg.InitialWeight = def.InitialWeight
	}
	if cfg.SuspendAfter <= 0 {
		cfg.SuspendAfter = def.SuspendAfter
	}
	if cfg.RetireAfter <= cfg.SuspendAfter {
		cfg.RetireAfter = cfg.SuspendAfter + def.RetireAfter
	}
	if cfg.ConflictWindow <= 0 {
		cfg.ConflictWindow = def.ConflictWindow
	}

	c := &Coordinator{
		cfg:         cfg,
		bus:         b,
		agents:      make(map[string]*agent.Handle),
		tasks:       make(map[string]*taskEntry),
		contradicts: DefaultContradiction,
		aggregate:   CollectResults,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	c.weights = staticWeight(cfg.InitialWeight)
	for _, opt := range opts {
		opt(c)
	}
	log.Printf("[Coordinator] Initialized (auto-resolve: %v, suspend after: %v, retire after: %v)",
		cfg.AutoResolve, cfg.SuspendAfter, cfg.RetireAfter)
	return c
}

// Weight returns the agent's current success weight
func (c *Coordinator) Weight(agentID string) float64 {
	return c.weights.Weight(agentID)
}

// Stop cancels deadline timers, stops the heartbeat monitor and removes every
// subscription the Coordinator and its attached agents own
func (c *Coordinator) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
	c.wg.Wait()

	c.tasksMu.RLock()
	for _, e := range c.tasks {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}
	c.tasksMu.RUnlock()

	if c.bus != nil {
		removed := c.bus.UnsubscribeOwner(component)
		c.regMu.RLock()
		for id := range c.agents {
			removed += c.bus.UnsubscribeOwner(agentOwner(id))
		}
		c.regMu.RUnlock()
		log.Printf("[Coordinator] Stopped (%d subscriptions removed)", removed)
	}
}

func agentOwner(id string) string {
	return "agent:" + id
}

func (c *Coordinator) publish(topic string, payload any, correlationID string) {
	if c.bus == nil {
		return
	}
	ev := bus.NewEvent(topic, component, payload)
	ev.CorrelationID = correlationID
	if _, err := c.bus.Publish(ev); err != nil && !errors.Is(err, bus.ErrBusStopped) {
		log.Printf("[Coordinator] failed to publish %s: %v", topic, err)
	}
}

func (c *Coordinator) emit(kind bus.DiagnosticKind, message string, fields map[string]any) {
	bus.Emit(c.bus, component, kind, message, fields)
}

// notifyAgent delivers msg on the agent's inbox topic
func (c *Coordinator) notifyAgent(agentID string, msg InboxMessage) {
	c.publish(agent.InboxTopic(agentID), msg, msg.Task.ID)
}
