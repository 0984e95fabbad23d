// Package bus is the live event layer: subscriber sessions join rooms and
// receive probe results, statistics updates and system notices as they
// happen. Delivery is best-effort, at-most-once and in-order per session;
// there is no durable queue. A subscriber that missed events asks for a
// chunked snapshot instead.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renatoka/watchtower/pkg/config"
	"github.com/renatoka/watchtower/pkg/metrics"
	"github.com/renatoka/watchtower/pkg/models"
)

// RoomGlobal receives every event; endpoint rooms receive only their own.
const RoomGlobal = "global"

// EndpointRoom names the room scoped to one endpoint.
func EndpointRoom(id uuid.UUID) string {
	return "endpoint:" + id.String()
}

// Bulk snapshot pacing: chunks of 20 statistics, 100ms apart, so a large
// fleet cannot head-of-line block a session.
const (
	BulkChunkSize  = 20
	BulkChunkPause = 100 * time.Millisecond
)

// sessionBuffer is the per-session outbound queue depth. A slow consumer
// that falls this far behind starts losing events, not blocking publishers.
const sessionBuffer = 64

var (
	// ErrBusFull rejects connections beyond MaxClients before any session
	// state is established.
	ErrBusFull = errors.New("live bus at client capacity")
	// ErrRoomLimit rejects subscribe requests beyond MaxRoomsPerClient.
	ErrRoomLimit = errors.New("room limit reached for session")
	// ErrSessionClosed is returned for operations on an evicted session.
	ErrSessionClosed = errors.New("session closed")
)

// Envelope is one outbound bus frame.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Session is one connected subscriber.
type Session struct {
	id  string
	out chan Envelope

	// guarded by the hub mutex
	rooms      map[string]struct{}
	lastActive time.Time
	closed     bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Out is the ordered stream of envelopes for this session. It is closed when
// the session is disconnected or evicted.
func (s *Session) Out() <-chan Envelope { return s.out }

// Hub owns all sessions and room memberships.
type Hub struct {
	cfg     config.BusConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time
}

// NewHub creates an empty hub.
func NewHub(cfg config.BusConfig, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Connect establishes a session, or fails with ErrBusFull at capacity. Every
// session is implicitly a member of the global room.
func (h *Hub) Connect() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) >= h.cfg.MaxClients {
		return nil, fmt.Errorf("%w (%d clients)", ErrBusFull, h.cfg.MaxClients)
	}

	s := &Session{
		id:         uuid.NewString(),
		out:        make(chan Envelope, sessionBuffer),
		rooms:      map[string]struct{}{RoomGlobal: {}},
		lastActive: h.now(),
	}
	h.sessions[s.id] = s
	h.metrics.BusSessions.Set(float64(len(h.sessions)))

	h.logger.Debug("bus session connected",
		zap.String("session", s.id),
		zap.Int("sessions", len(h.sessions)))
	return s, nil
}

// Disconnect removes a session and its room memberships; pending sends for
// the session are dropped when its channel closes.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s, "disconnect")
}

// dropLocked must be called with the hub mutex held.
func (h *Hub) dropLocked(s *Session, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.sessions, s.id)
	close(s.out)
	h.metrics.BusSessions.Set(float64(len(h.sessions)))

	h.logger.Debug("bus session dropped",
		zap.String("session", s.id),
		zap.String("reason", reason),
		zap.Int("sessions", len(h.sessions)))
}

// Subscribe joins the session to a room. Beyond MaxRoomsPerClient the request
// is dropped and the session receives an error notice instead.
func (h *Hub) Subscribe(s *Session, room string) error {
	h.mu.Lock()
	if s.closed {
		h.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActive = h.now()

	if _, member := s.rooms[room]; member {
		h.mu.Unlock()
		return nil
	}

	// The implicit global membership does not count against the cap.
	if len(s.rooms)-1 >= h.cfg.MaxRoomsPerClient {
		h.mu.Unlock()
		h.deliver(s, Envelope{
			Event: models.EventSystemStatus,
			Data: models.SystemStatus{
				Message:   fmt.Sprintf("Room limit reached (%d); subscription to %s ignored", h.cfg.MaxRoomsPerClient, room),
				Type:      models.NoticeError,
				Timestamp: models.Now(),
			},
		})
		return fmt.Errorf("%w (%d rooms)", ErrRoomLimit, h.cfg.MaxRoomsPerClient)
	}

	s.rooms[room] = struct{}{}
	h.mu.Unlock()
	return nil
}

// Unsubscribe leaves a room. Leaving the global room is not possible.
func (h *Hub) Unsubscribe(s *Session, room string) {
	if room == RoomGlobal {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s.lastActive = h.now()
	delete(s.rooms, room)
}

// Touch refreshes the idle clock on inbound activity.
func (h *Hub) Touch(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.lastActive = h.now()
}

// Sessions reports the current session count.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// PublishCheck fans a raw probe result to the global and endpoint rooms.
func (h *Hub) PublishCheck(check models.UptimeCheck) {
	h.broadcast(Envelope{
		Event: models.EventNewCheck,
		Data:  models.NewCheckBroadcast(check),
	}, RoomGlobal, EndpointRoom(check.EndpointID))
}

// PublishStatistics fans an updated rolling view to the global and endpoint
// rooms.
func (h *Hub) PublishStatistics(stats *models.UptimeStatistics) {
	if stats == nil {
		return
	}
	h.broadcast(Envelope{
		Event: models.EventUptimeUpdate,
		Data:  stats,
	}, RoomGlobal, EndpointRoom(stats.EndpointID))
}

// PublishNotice emits a systemStatus notice to the global room only.
func (h *Hub) PublishNotice(message, level string) {
	h.broadcast(Envelope{
		Event: models.EventSystemStatus,
		Data: models.SystemStatus{
			Message:   message,
			Type:      level,
			Timestamp: models.Now(),
		},
	}, RoomGlobal)
}

// SendBulk streams a snapshot to one session in ordered chunks with a pause
// between each, honouring ctx cancellation between chunks.
func (h *Hub) SendBulk(ctx context.Context, s *Session, all []models.UptimeStatistics) {
	for start := 0; start < len(all); start += BulkChunkSize {
		end := start + BulkChunkSize
		if end > len(all) {
			end = len(all)
		}
		h.deliver(s, Envelope{
			Event: models.EventBulkUpdate,
			Data:  all[start:end],
		})

		if end == len(all) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(BulkChunkPause):
		}
	}
}

// Run drives the idle sweeper until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

// sweepIdle force-disconnects sessions with no inbound activity inside the
// client timeout.
func (h *Hub) sweepIdle() {
	cutoff := h.now().Add(-h.cfg.ClientTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.lastActive.Before(cutoff) {
			h.dropLocked(s, "idle timeout")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		h.dropLocked(s, "shutdown")
	}
}

// broadcast delivers one envelope to every session belonging to any of the
// given rooms, at most once per session.
func (h *Hub) broadcast(env Envelope, rooms ...string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		for _, room := range rooms {
			if _, member := s.rooms[room]; member {
				targets = append(targets, s)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(s, env)
	}
}

// deliver enqueues one envelope for a session. A full or closed queue drops
// the event; a delivery failure must never reach the publisher.
func (h *Hub) deliver(s *Session, env Envelope) {
	defer func() {
		if recover() != nil {
			// Session channel closed between snapshot and send.
			h.metrics.BusSendFailures.Inc()
		}
	}()

	select {
	case s.out <- env:
	default:
		h.metrics.BusSendFailures.Inc()
		h.logger.Warn("bus delivery dropped: session queue full",
			zap.String("session", s.id),
			zap.String("event", env.Event))
	}
}
