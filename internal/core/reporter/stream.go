package reporter

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// StreamMessage is the JSON frame pushed to monitors
type StreamMessage struct {
	Type    string      `json:"type"` // "snapshot" or "diagnostic"
	Payload interface{} `json:"payload"`
}

// Snapshot is sent once when a monitor connects
type Snapshot struct {
	Counts map[bus.DiagnosticKind]int `json:"counts"`
	Recent []bus.Diagnostic           `json:"recent"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream is an HTTP handler that upgrades to a websocket and pushes every
// diagnostic the reporter records. Slow monitors lose frames rather than
// holding up the reporter.
type Stream struct {
	reporter *Reporter
	mu       sync.Mutex
	clients  map[chan bus.Diagnostic]struct{}
}

// NewStream attaches a stream to r
func NewStream(r *Reporter) *Stream {
	s := &Stream{
		reporter: r,
		clients:  make(map[chan bus.Diagnostic]struct{}),
	}
	r.AddSink(s.broadcast)
	return s
}

func (s *Stream) broadcast(d bus.Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- d:
		default:
		}
	}
}

// Clients returns the number of connected monitors
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Reporter] websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan bus.Diagnostic, clientBuffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	snap := StreamMessage{Type: "snapshot", Payload: Snapshot{
		Counts: s.reporter.Counts(),
		Recent: s.reporter.Recent(),
	}}
	if err := s.write(conn, snap); err != nil {
		log.Printf("[Reporter] websocket write error: %v", err)
		return
	}

	// Monitors only listen; reading detects when they go away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[Reporter] websocket read error: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case d := <-ch:
			if err := s.write(conn, StreamMessage{Type: "diagnostic", Payload: d}); err != nil {
				log.Printf("[Reporter] websocket write error: %v", err)
				return
			}
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
