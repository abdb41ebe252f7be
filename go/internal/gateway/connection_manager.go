package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/match"
)

// SnapshotProvider serves the current snapshot of a match, used for the
// resync a connection receives the moment it joins a group.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, matchID uuid.UUID) (match.Snapshot, error)
}

// ConnectionManager is the connection registry: it tracks which live
// websocket connections belong to which match's broadcast group and fans
// snapshots out to them. One slow or dead connection never delays the
// others — each connection has a bounded send queue and is dropped when
// it overflows; a dropped client must rejoin, which triggers a fresh
// resync.
type ConnectionManager struct {
	// Broadcast groups keyed by match id.
	matchConnections map[uuid.UUID]map[*Connection]bool
	mu               sync.RWMutex

	upgrader  websocket.Upgrader
	config    ConnectionConfig
	snapshots SnapshotProvider

	broadcastCh chan broadcastMessage
}

// Connection represents one websocket client.
type Connection struct {
	ID      string
	UserID  string
	Role    string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Joined groups and the closed flag, guarded by the manager's mutex.
	matches map[uuid.UUID]bool
	closed  bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	MatchID uuid.UUID
	Payload []byte
	Version uint64
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &ConnectionManager{
		matchConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetSnapshotProvider wires the engine in after construction (the engine
// itself needs the manager as its broadcaster).
func (cm *ConnectionManager) SetSnapshotProvider(p SnapshotProvider) {
	cm.snapshots = p
}

// Start processes queued broadcasts until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket and starts
// its pumps. initialMatch, when non-nil, joins the connection to that
// match immediately (connect-time subscribe).
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, role string, initialMatch *uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		matches:     make(map[uuid.UUID]bool),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	if initialMatch != nil {
		cm.Join(r.Context(), connection, *initialMatch)
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("websocket connection established")
	return nil
}

// Join adds the connection to a match's broadcast group and immediately
// sends it the current snapshot, so a client that connects mid-match or
// reconnects after a drop never special-cases its first render.
func (cm *ConnectionManager) Join(ctx context.Context, conn *Connection, matchID uuid.UUID) {
	snap, err := cm.snapshots.Snapshot(ctx, matchID)
	if err != nil {
		conn.enqueue(errorMessage(matchID.String(), err.Error()))
		return
	}

	cm.mu.Lock()
	if conn.closed {
		cm.mu.Unlock()
		return
	}
	if cm.matchConnections[matchID] == nil {
		cm.matchConnections[matchID] = make(map[*Connection]bool)
	}
	cm.matchConnections[matchID][conn] = true
	conn.matches[matchID] = true
	total := len(cm.matchConnections[matchID])
	cm.mu.Unlock()

	payload, err := snapshotMessage(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal resync snapshot")
		return
	}
	conn.enqueue(payload)

	log.Debug().
		Str("connection_id", conn.ID).
		Str("match_id", matchID.String()).
		Int("total_connections", total).
		Msg("connection joined match group")
}

// Leave removes the connection from a match's group; no-op if absent.
func (cm *ConnectionManager) Leave(conn *Connection, matchID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLocked(conn, matchID)
}

func (cm *ConnectionManager) leaveLocked(conn *Connection, matchID uuid.UUID) {
	if connections, exists := cm.matchConnections[matchID]; exists {
		if connections[conn] {
			delete(connections, conn)
			if len(connections) == 0 {
				delete(cm.matchConnections, matchID)
			}
		}
	}
	delete(conn.matches, matchID)
}

// unregisterConnection removes a connection from every group and closes
// its send channel. Called exactly once, by whichever pump exits first
// winning the delete.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if conn.closed {
		cm.mu.Unlock()
		return
	}
	conn.closed = true
	for matchID := range conn.matches {
		cm.leaveLocked(conn, matchID)
	}
	close(conn.Send)
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection unregistered")
}

// Broadcast queues a snapshot for delivery to every connection in the
// match's group. Implements the engine's Broadcaster.
func (cm *ConnectionManager) Broadcast(matchID uuid.UUID, snap match.Snapshot) {
	payload, err := snapshotMessage(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for broadcast")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{MatchID: matchID, Payload: payload, Version: snap.Version}:
	default:
		log.Warn().Str("match_id", matchID.String()).Msg("broadcast channel full, dropping message")
	}
}

// Subscribers reports the current group size. Implements the engine's
// Presence.
func (cm *ConnectionManager) Subscribers(matchID uuid.UUID) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.matchConnections[matchID])
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.matchConnections[message.MatchID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		// Slow consumers are dropped by enqueue rather than stalling the
		// group; the client reconnects and resyncs on join.
		conn.enqueue(message.Payload)
	}

	log.Debug().
		Str("match_id", message.MatchID.String()).
		Uint64("version", message.Version).
		Int("connections", len(targets)).
		Msg("snapshot broadcasted")
}

// enqueue delivers a message to one connection without blocking. A full
// queue drops the connection, same as during a broadcast.
func (c *Connection) enqueue(payload []byte) {
	c.Manager.mu.RLock()
	if c.closed {
		c.Manager.mu.RUnlock()
		return
	}
	select {
	case c.Send <- payload:
		c.Manager.mu.RUnlock()
	default:
		c.Manager.mu.RUnlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID).
			Msg("connection send buffer full, closing connection")
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() (total int, activeMatches int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	seen := make(map[*Connection]bool)
	for _, connections := range cm.matchConnections {
		for conn := range connections {
			seen[conn] = true
		}
	}
	return len(seen), len(cm.matchConnections)
}

// writePump sends queued messages and pings to the websocket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads join/leave messages until the transport drops, then
// cleans the connection out of every group.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := unmarshalClientMessage(message, &msg); err != nil {
		c.enqueue(errorMessage("", "malformed message"))
		return
	}
	matchID, err := uuid.Parse(msg.MatchID)
	if err != nil {
		c.enqueue(errorMessage(msg.MatchID, "invalid match_id"))
		return
	}

	switch msg.Type {
	case ClientMsgJoin:
		c.Manager.Join(context.Background(), c, matchID)
	case ClientMsgLeave:
		c.Manager.Leave(c, matchID)
	default:
		c.enqueue(errorMessage(msg.MatchID, "unknown message type"))
	}
}
