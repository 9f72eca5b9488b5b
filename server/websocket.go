package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// WebsocketMessage represents a message sent to WebSocket clients.
type WebsocketMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// clientManager manages WebSocket client connections and broadcasting.
type clientManager struct {
	clients map[*websocket.Conn]string
	mu      sync.Mutex
}

func newClientManager() *clientManager {
	return &clientManager{
		clients: make(map[*websocket.Conn]string),
	}
}

// Register adds a new client connection and returns its identifier.
func (cm *clientManager) Register(conn *websocket.Conn) string {
	id := uuid.NewString()
	cm.mu.Lock()
	cm.clients[conn] = id
	cm.mu.Unlock()
	return id
}

// Unregister removes a client connection.
func (cm *clientManager) Unregister(conn *websocket.Conn) {
	cm.mu.Lock()
	delete(cm.clients, conn)
	cm.mu.Unlock()
}

// CloseAll closes all client connections.
func (cm *clientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for client := range cm.clients {
		client.Close()
		delete(cm.clients, client)
	}
}

// Count returns the number of connected clients.
func (cm *clientManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Broadcast sends a message to all connected clients, dropping any whose
// connection has gone away.
func (cm *clientManager) Broadcast(message WebsocketMessage) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for client, id := range cm.clients {
		if err := client.WriteJSON(message); err != nil {
			log.Debugf("WebSocket write to client %s failed, dropping: %v", id, err)
			client.Close()
			delete(cm.clients, client)
		}
	}
}
