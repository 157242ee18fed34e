package decision

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
)

const (
	DefaultAlpha         = 0.2
	DefaultInitialWeight = 0.5
)

// LearnerConfig configures the success-weight learner
type LearnerConfig struct {
	Alpha         float64
	InitialWeight float64
}

// Learner keeps a per-agent success weight as an exponential moving average of
// decision outcomes. It is the only component that changes agent weights.
type Learner struct {
	mu      sync.RWMutex
	alpha   float64
	initial float64
	weights map[string]float64
	bus     bus.Bus
}

// NewLearner creates a learner; zero config values take the defaults
func NewLearner(cfg LearnerConfig, b bus.Bus) (*Learner, error) {
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.InitialWeight == 0 {
		cfg.InitialWeight = DefaultInitialWeight
	}
	if err := checkAlpha(cfg.Alpha); err != nil {
		return nil, err
	}
	if cfg.InitialWeight < 0 || cfg.InitialWeight > 1 {
		return nil, fmt.Errorf("%w: initial weight %.3f outside [0,1]", ErrInvalidArgument, cfg.InitialWeight)
	}
	return &Learner{
		alpha:   cfg.Alpha,
		initial: cfg.InitialWeight,
		weights: make(map[string]float64),
		bus:     b,
	}, nil
}

func checkAlpha(a float64) error {
	if a <= 0 || a > 1 {
		return fmt.Errorf("%w: alpha %.3f outside (0,1]", ErrInvalidArgument, a)
	}
	return nil
}

// Weight returns the agent's current success weight, or the initial weight if it has no history
func (l *Learner) Weight(agentID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if w, ok := l.weights[agentID]; ok {
		return w
	}
	return l.initial
}

// Weights returns a snapshot of every learned weight
func (l *Learner) Weights() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.weights))
	for k, v := range l.weights {
		out[k] = v
	}
	return out
}

// Agents returns the ids with learned weights, sorted
func (l *Learner) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.weights))
	for id := range l.weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Alpha returns the current learning rate
func (l *Learner) Alpha() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.alpha
}

// SetAlpha changes the learning rate for future updates
func (l *Learner) SetAlpha(a float64) error {
	if err := checkAlpha(a); err != nil {
		return err
	}
	l.mu.Lock()
	l.alpha = a
	l.mu.Unlock()
	log.Printf("[Learner] Alpha set to %.3f", a)
	return nil
}

// Update folds outcome into the agent's weight:
// new = alpha*outcome + (1-alpha)*old
func (l *Learner) Update(agentID string, outcome float64) (float64, float64) {
	l.mu.Lock()
	old, next := l.apply(agentID, outcome)
	alpha := l.alpha
	l.mu.Unlock()

	bus.Emit(l.bus, "learner", bus.KindWeightUpdated, fmt.Sprintf("weight for %s %.4f -> %.4f", agentID, old, next), map[string]any{
		"agent_id": agentID,
		"outcome":  outcome,
		"old":      old,
		"new":      next,
		"alpha":    alpha,
	})
	return old, next
}

// apply must be called with l.mu held
func (l *Learner) apply(agentID string, outcome float64) (float64, float64) {
	old, ok := l.weights[agentID]
	if !ok {
		old = l.initial
	}
	next := l.alpha*outcome + (1-l.alpha)*old
	l.weights[agentID] = next
	return old, next
}

// Rebuild discards learned weights and replays every outcome in the log
func (l *Learner) Rebuild(ctx context.Context, lg Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.weights = make(map[string]float64)
	count := 0
	err := lg.Replay(ctx, func(e Entry) error {
		if e.Kind == EntryOutcome {
			l.apply(e.AgentID, e.Outcome)
			count++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild weights: %w", err)
	}
	log.Printf("[Learner] Rebuilt %d agent weights from %d outcomes", len(l.weights), count)
	return nil
}
