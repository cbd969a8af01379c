// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/turnsync/turnsync/internal/domain/session/model"
	"github.com/turnsync/turnsync/internal/domain/session/store"
	"github.com/turnsync/turnsync/internal/log"
	"github.com/turnsync/turnsync/internal/metrics"
)

const defaultHeartbeat = 5 * time.Second

// SessionLoader resolves the current session view for resync requests.
// The engine satisfies it.
type SessionLoader interface {
	Get(ctx context.Context, sessionID string) (*model.Session, time.Time, error)
}

// Hub tracks the per-instance session to client-set mapping and drives the
// heartbeat. It consumes state events from the coordination plane and never
// touches the pub/sub transport itself.
type Hub struct {
	loader    SessionLoader
	logger    zerolog.Logger
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*client]struct{}
	draining bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option tunes hub construction.
type Option func(*Hub)

// WithHeartbeat overrides the 5 s liveness tick, mainly for tests.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

// NewHub builds the hub; Run starts the heartbeat loop.
func NewHub(loader SessionLoader, opts ...Option) *Hub {
	h := &Hub{
		loader:    loader,
		logger:    log.WithComponent("ws"),
		heartbeat: defaultHeartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives the heartbeat until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick()
			}
		}
	}()
}

// ServeHTTP upgrades the connection, validates the session id and attaches
// the client. A malformed id is rejected after the upgrade with a policy
// violation close so the client sees the code.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if uuid.Validate(sessionID) != nil {
		h.logger.Warn().Str("session_id", sessionID).Msg("rejecting non-uuid session id")
		c := newClient(conn, sessionID)
		c.terminate(websocket.ClosePolicyViolation, "sessionId must be a UUID")
		return
	}

	c := newClient(conn, sessionID)
	if !h.register(c) {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
		return
	}

	c.enqueue(outFrame{data: connectedFrame(sessionID, time.Now().UTC())})

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		// The request context dies when this handler returns; the pump
		// lives as long as the connection.
		h.readPump(context.Background(), c)
	}()
}

// HandleStateChange is the coordination-plane ingress. The frame is
// serialised once per event and written to every local handle for the
// session; stale versions are dropped per handle.
func (h *Hub) HandleStateChange(ev store.StateChange) {
	clients := h.clientsFor(ev.SessionID)
	if len(clients) == 0 {
		return
	}
	now := time.Now().UTC()

	if ev.State == nil {
		h.closeSessionHandles(clients, sessionDeletedFrame(ev.SessionID, now), "session deleted")
		return
	}

	frame := stateUpdateFrame(ev.SessionID, ev.Version, ev.State, now)
	metrics.IncBroadcast(FrameStateUpdate)
	for _, c := range clients {
		if _, ok := c.deliverIfNewer(ev.Version, frame); !ok {
			h.drop(c, "slow consumer")
		}
	}
}

// HandleFanout forwards an out-of-band payload (already a complete frame)
// to the session's local handles.
func (h *Hub) HandleFanout(msg store.FanoutMessage) {
	clients := h.clientsFor(msg.SessionID)
	if len(clients) == 0 {
		return
	}
	metrics.IncBroadcast("fanout")
	for _, c := range clients {
		if !c.enqueue(outFrame{data: msg.Payload}) {
			h.drop(c, "slow consumer")
		}
	}
}

// ConnectionCount reports the number of attached handles, across sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// Shutdown stops the heartbeat, refuses further attaches and closes every
// handle with GoingAway. The draining flag flips under the same mutex that
// guards registration, so no pump goroutine can start after the wait begins.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	h.draining = true
	var all []*client
	for _, set := range h.sessions {
		for c := range set {
			all = append(all, c)
		}
	}
	h.sessions = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
		metrics.DecWSConnections()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPump consumes the client protocol until the connection drops.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		c.terminate(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("session_id", c.sessionID).Msg("client connection dropped")
			}
			return
		}
		c.alive.Store(true)

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("ignoring malformed client frame")
			continue
		}

		switch frame.Type {
		case FramePing:
			c.enqueue(outFrame{data: pongFrame(time.Now().UTC())})
		case FrameRequestSync, FrameReconnect:
			h.sync(ctx, c)
		default:
			h.logger.Warn().Str("type", frame.Type).Str("session_id", c.sessionID).
				Msg("ignoring unknown client frame type")
		}
	}
}

// sync answers a resync request with the current derived state.
func (h *Hub) sync(ctx context.Context, c *client) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	view, now, err := h.loader.Get(loadCtx, c.sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.enqueue(outFrame{data: errorFrame(ErrCodeSessionNotFound, "session not found")})
	case err != nil:
		h.logger.Error().Err(err).Str("session_id", c.sessionID).Msg("resync load failed")
		c.enqueue(outFrame{data: errorFrame(ErrCodeInternal, "failed to load session state")})
	default:
		metrics.IncBroadcast(FrameStateSync)
		c.lastVersion.Store(view.Version)
		c.enqueue(outFrame{data: stateSyncFrame(c.sessionID, view, now)})
	}
}

// tick checks each attached session still exists, terminates handles that
// missed a full heartbeat interval and pings the rest.
func (h *Hub) tick() {
	h.mu.RLock()
	sessions := make(map[string][]*client, len(h.sessions))
	for id, set := range h.sessions {
		for c := range set {
			sessions[id] = append(sessions[id], c)
		}
	}
	h.mu.RUnlock()

	for sessionID, clients := range sessions {
		if h.sessionLapsed(sessionID) {
			h.logger.Info().Str("session_id", sessionID).Msg("session record gone, closing handles")
			h.closeSessionHandles(clients, sessionDeletedFrame(sessionID, time.Now().UTC()), "session expired")
			continue
		}
		for _, c := range clients {
			if c.closed() {
				h.unregister(c)
				continue
			}
			if !c.alive.Load() {
				h.logger.Debug().Str("session_id", c.sessionID).Msg("terminating unresponsive client")
				h.drop(c, "heartbeat timeout")
				continue
			}
			c.alive.Store(false)
			if err := c.ping(); err != nil {
				h.drop(c, "ping failed")
			}
		}
	}
}

// sessionLapsed reports whether the session record is gone from the primary
// store, typically because its TTL expired without an explicit delete. Only
// a definite not-found counts; transport errors never evict handles.
func (h *Hub) sessionLapsed(sessionID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := h.loader.Get(ctx, sessionID)
	return errors.Is(err, store.ErrNotFound)
}

// closeSessionHandles delivers the deleted frame to every handle and closes
// each with a normal closure, in order.
func (h *Hub) closeSessionHandles(clients []*client, frame []byte, reason string) {
	metrics.IncBroadcast(FrameSessionDeleted)
	for _, c := range clients {
		if !c.enqueue(outFrame{data: frame, closeCode: websocket.CloseNormalClosure, closeReason: reason}) {
			h.drop(c, "slow consumer")
		}
		h.unregister(c)
	}
}

// register attaches the handle and reserves its two pump goroutines on the
// WaitGroup, all under the mutex so the add cannot race Shutdown's wait.
// Returns false when the hub is draining.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return false
	}
	set, ok := h.sessions[c.sessionID]
	if !ok {
		set = make(map[*client]struct{})
		h.sessions[c.sessionID] = set
	}
	set[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	metrics.IncWSConnections()
	h.logger.Debug().Str("session_id", c.sessionID).Msg("client attached")
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	set, ok := h.sessions[c.sessionID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.sessions, c.sessionID)
			}
			metrics.DecWSConnections()
		} else {
			ok = false
		}
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug().Str("session_id", c.sessionID).Msg("client detached")
	}
}

func (h *Hub) drop(c *client, reason string) {
	metrics.IncDroppedClient()
	h.unregister(c)
	c.terminate(websocket.CloseInternalServerErr, reason)
}

func (h *Hub) clientsFor(sessionID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
