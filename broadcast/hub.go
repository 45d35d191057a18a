// Package broadcast implements BroadcastHub (B): the WebSocket egress
// that ticks a fused snapshot out to every connected EFB subscriber
// (§4.6).
package broadcast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the Hub's lifecycle state (§4.6).
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	defaultTickInterval = 250 * time.Millisecond
	subscriberSendBuf   = 8
)

// SnapshotSource is anything that can produce the current fused
// snapshot; satisfied by *model.Model.
type SnapshotSource interface {
	GetData() map[string]float64
}

// Config configures a Hub.
type Config struct {
	Path              string
	TickInterval      time.Duration
	CompatibilityMode bool
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close(code int, reason string) {
	s.once.Do(func() {
		close(s.send)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
	})
}

// Hub is BroadcastHub. Safe for concurrent use.
type Hub struct {
	cfg      Config
	source   SnapshotSource
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	state       atomic.Int32

	totalBroadcasts uint64
	totalBytesSent  uint64
	errors          uint64
	lastBroadcastAt time.Time
}

// New returns a Hub that serves upgrades at cfg.Path and ticks snapshots
// from source.
func New(cfg Config, source SnapshotSource) *Hub {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return &Hub{
		cfg:         cfg,
		source:      source,
		subscribers: make(map[*subscriber]struct{}),
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

// State reports the hub's current lifecycle state.
func (h *Hub) State() State { return State(h.state.Load()) }

// Counters is a point-in-time view of the hub's broadcast counters.
type Counters struct {
	TotalBroadcasts uint64
	TotalBytesSent  uint64
	Errors          uint64
	LastBroadcastAt time.Time
	SubscriberCount int
}

// Status returns the hub's counters and subscriber count.
func (h *Hub) Status() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Counters{
		TotalBroadcasts: h.totalBroadcasts,
		TotalBytesSent:  h.totalBytesSent,
		Errors:          h.errors,
		LastBroadcastAt: h.lastBroadcastAt,
		SubscriberCount: len(h.subscribers),
	}
}

// ServeHTTP upgrades requests whose path ends with the configured
// subscription path; any other suffix is rejected with close 1008
// (§4.6). No subprotocols, no authentication.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, h.cfg.Path) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid path. Expected "+h.cfg.Path)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberSendBuf)}
	h.register(sub)
	go h.pump(sub)
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()
}

// pump drains s.send to the underlying connection until it is closed,
// and discards any inbound client frames (no subprotocol, EFB clients
// never send application data).
func (h *Hub) pump(s *subscriber) {
	defer h.remove(s)
	go func() {
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for b := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// Run starts the periodic broadcast tick and blocks until ctx is
// canceled, at which point every subscriber is closed with 1001
// "Server shutting down".
func (h *Hub) Run(ctx context.Context) {
	h.state.Store(int32(StateStarting))
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	h.state.Store(int32(StateRunning))

	for {
		select {
		case <-ctx.Done():
			h.state.Store(int32(StateStopping))
			h.shutdown()
			h.state.Store(int32(StateStopped))
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) tick() {
	snapshot := h.source.GetData()
	if len(snapshot) == 0 {
		return
	}
	payload, err := Encode(h.cfg.CompatibilityMode, snapshot)
	if err != nil {
		h.mu.Lock()
		h.errors++
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var stale []*subscriber
	for _, s := range subs {
		select {
		case s.send <- payload:
		default:
			stale = append(stale, s)
		}
	}

	h.mu.Lock()
	h.totalBroadcasts++
	h.totalBytesSent += uint64(len(payload)) * uint64(len(subs))
	h.errors += uint64(len(stale))
	h.lastBroadcastAt = time.Now()
	h.mu.Unlock()

	for _, s := range stale {
		h.remove(s)
		s.close(websocket.ClosePolicyViolation, "stale subscriber evicted")
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.close(websocket.CloseGoingAway, "Server shutting down")
	}
}
