package websocket

import (
	"sync"

	"insight-queue/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Snapshot is what dashboard clients receive on every state change.
type Snapshot struct {
	Jobs   []models.JobView `json:"jobs"`
	Counts models.Counts    `json:"counts"`
}

// SnapshotFunc produces the current snapshot from the queue.
type SnapshotFunc func() (*Snapshot, error)

// client pairs a connection with its write mutex. The websocket
// protocol allows one concurrent writer per connection, so every
// snapshot write serializes behind writeMu.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
	snapshot  SnapshotFunc
	log       *zap.SugaredLogger
}

// New creates a new WebSocket manager
func New(snapshot SnapshotFunc, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		clients:  make(map[*websocket.Conn]*client),
		snapshot: snapshot,
		log:      log,
	}
}

// AddClient adds a new WebSocket client
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn}
	m.clientsMu.Lock()
	m.clients[conn] = c
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.log.Infow("websocket client connected", "clients", total)

	// Send initial data
	m.sendToClient(c)

	// Handle disconnection
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			m.log.Infow("websocket client disconnected", "clients", remaining)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends the current snapshot to all connected clients.
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	for _, c := range m.clients {
		go m.sendToClient(c)
	}
}

func (m *Manager) sendToClient(c *client) {
	snap, err := m.snapshot()
	if err != nil {
		m.log.Warnw("snapshot failed", "error", err)
		return
	}

	c.writeMu.Lock()
	err = c.conn.WriteJSON(snap)
	c.writeMu.Unlock()
	if err != nil {
		m.log.Warnw("websocket write failed", "error", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
