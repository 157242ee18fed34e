package reporter

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
)

const (
	owner      = "reporter"
	reporterID = "DiagnosticsReporter"

	// DefaultRecent is how many diagnostics are kept for the report and new stream clients
	DefaultRecent = 50
)

// Reporter collects diagnostics from the bus and keeps a markdown report current
type Reporter struct {
	id          string
	bus         bus.Bus
	path        string
	maxRecent   int
	counts      map[bus.DiagnosticKind]int
	byComponent map[string]int
	recent      []bus.Diagnostic
	sinks       []func(bus.Diagnostic)
	sub         *bus.Subscription
	mu          sync.RWMutex
}

// NewReporter creates a Reporter writing its report to path. An empty path
// keeps the report in memory only.
func NewReporter(eventBus bus.Bus, path string) *Reporter {
	return &Reporter{
		id:          reporterID,
		bus:         eventBus,
		path:        path,
		maxRecent:   DefaultRecent,
		counts:      make(map[bus.DiagnosticKind]int),
		byComponent: make(map[string]int),
		recent:      make([]bus.Diagnostic, 0, DefaultRecent),
	}
}

func (r *Reporter) ID() string {
	return r.id
}

// Start subscribes to the diagnostics topic and writes an initial empty report
func (r *Reporter) Start() error {
	sub, err := r.bus.Subscribe(bus.TopicDiagnostics, r.OnEvent, bus.WithOwner(owner), bus.WithQueueSize(1024))
	if err != nil {
		return fmt.Errorf("subscribe diagnostics: %w", err)
	}
	r.mu.Lock()
	r.sub = sub
	r.generateMarkdownReport()
	r.mu.Unlock()
	log.Printf("[%s] Online. Listening for diagnostics...", r.id)
	return nil
}

// Stop detaches the reporter from the bus
func (r *Reporter) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	if err := r.bus.Unsubscribe(sub); err != nil {
		log.Printf("[%s] Failed to unsubscribe from diagnostics: %v", r.id, err)
	}
}

// AddSink registers fn to receive every diagnostic after it is recorded
func (r *Reporter) AddSink(fn func(bus.Diagnostic)) {
	r.mu.Lock()
	r.sinks = append(r.sinks, fn)
	r.mu.Unlock()
}

// OnEvent records one diagnostic event
func (r *Reporter) OnEvent(event bus.Event) error {
	diag, ok := decodeDiagnostic(event)
	if !ok {
		log.Printf("[%s] Unknown payload type for diagnostic: %T", r.id, event.Payload)
		return nil
	}

	r.mu.Lock()
	r.counts[diag.Kind]++
	r.byComponent[diag.Component]++
	r.recent = append(r.recent, diag)
	if len(r.recent) > r.maxRecent {
		r.recent = r.recent[len(r.recent)-r.maxRecent:]
	}
	sinks := append(([]func(bus.Diagnostic))(nil), r.sinks...)
	r.generateMarkdownReport()
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(diag)
	}
	return nil
}

func decodeDiagnostic(event bus.Event) (bus.Diagnostic, bool) {
	var diag bus.Diagnostic
	switch payload := event.Payload.(type) {
	case bus.Diagnostic:
		diag = payload
	case *bus.Diagnostic:
		if payload == nil {
			return diag, false
		}
		diag = *payload
	case string:
		if err := json.Unmarshal([]byte(payload), &diag); err != nil {
			return diag, false
		}
	case map[string]any:
		data, err := json.Marshal(payload)
		if err != nil || json.Unmarshal(data, &diag) != nil {
			return diag, false
		}
	default:
		return diag, false
	}
	if diag.Kind == "" {
		return diag, false
	}
	if diag.Component == "" {
		diag.Component = event.Source
	}
	if diag.Timestamp.IsZero() {
		diag.Timestamp = event.Timestamp
	}
	return diag, true
}

// Counts returns the number of diagnostics seen per kind
func (r *Reporter) Counts() map[bus.DiagnosticKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[bus.DiagnosticKind]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Recent returns the most recent diagnostics, oldest first
func (r *Reporter) Recent() []bus.Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]bus.Diagnostic(nil), r.recent...)
}

// Report renders the current markdown report
func (r *Reporter) Report() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.render()
}

func (r *Reporter) render() string {
	total := 0
	for _, n := range r.counts {
		total += n
	}

	content := "# Agent Coordination Diagnostics Report\n\n"
	content += fmt.Sprintf("**Generated:** %s\n", time.Now().Format(time.RFC1123))
	content += fmt.Sprintf("**Diagnostics Received:** %d\n", total)
	content += fmt.Sprintf("**Conflicts Resolved:** %d\n", r.counts[bus.KindConflictResolved])
	content += fmt.Sprintf("**Decisions Rejected:** %d\n", r.counts[bus.KindDecisionRejected])
	content += fmt.Sprintf("**Pipeline Fatal Errors:** %d\n\n", r.counts[bus.KindPipelineFatal])

	if r.counts[bus.KindPipelineFatal] > 0 {
		content += "> **Operator action required:** the decision pipeline halted after exhausting persistence retries.\n\n"
	}

	content += "## By Kind\n"
	if total == 0 {
		content += "No diagnostics have been emitted yet.\n\n"
	} else {
		kinds := make([]string, 0, len(r.counts))
		for k := range r.counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		content += "| Kind | Count |\n"
		content += "|---|---|\n"
		for _, k := range kinds {
			content += fmt.Sprintf("| %s | %d |\n", k, r.counts[bus.DiagnosticKind(k)])
		}
		content += "\n"
	}

	content += "## By Component\n"
	if len(r.byComponent) == 0 {
		content += "No component has reported yet.\n\n"
	} else {
		components := make([]string, 0, len(r.byComponent))
		for c := range r.byComponent {
			components = append(components, c)
		}
		sort.Strings(components)
		for _, c := range components {
			content += fmt.Sprintf("- `%s`: %d\n", c, r.byComponent[c])
		}
		content += "\n"
	}

	content += "## Recent Diagnostics\n"
	if len(r.recent) == 0 {
		content += "Nothing recorded.\n"
	} else {
		content += "| Time | Component | Kind | Message |\n"
		content += "|---|---|---|---|\n"
		for i := len(r.recent) - 1; i >= 0; i-- {
			d := r.recent[i]
			content += fmt.Sprintf("| %s | %s | **%s** | %s |\n",
				d.Timestamp.Format("15:04:05.000"), d.Component, d.Kind, d.Message)
		}
	}
	return content
}

// generateMarkdownReport rewrites the report file. Caller holds r.mu.
func (r *Reporter) generateMarkdownReport() {
	if r.path == "" {
		return
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("[%s] Failed to create report directory: %v", r.id, err)
			return
		}
	}
	if err := os.WriteFile(r.path, []byte(r.render()), 0o644); err != nil {
		log.Printf("[%s] Failed to write report file: %v", r.id, err)
	}
}
