// Package server exposes a small local status surface: an HTTP health and
// status endpoint, a WebSocket feed of presence and connection events, and
// optional mDNS registration so dashboards on the local network can find
// the bridge without configuration.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"

	"github.com/dotside-studios/tagbridge/buildinfo"
	"github.com/dotside-studios/tagbridge/nfc"
)

// mDNS registration parameters.
const (
	MDNSServiceType = "_tagbridge._tcp"
	MDNSDomain      = "local."
)

// Config configures the status server.
type Config struct {
	Port int
	MDNS bool
}

// Status is the bridge snapshot served on /api/v1/status and pushed to new
// WebSocket clients.
type Status struct {
	Present      bool    `json:"present"`
	TagID        *string `json:"tag_id"`
	RecordCount  int     `json:"record_count"`
	ReaderOnline bool    `json:"reader_online"`
	BrokerState  string  `json:"broker_state"`
	Version      string  `json:"version"`
	UptimeSecs   int64   `json:"uptime_secs"`
}

// Server is the local status server. Create with New, then Start.
type Server struct {
	config   Config
	clients  *clientManager
	upgrader websocket.Upgrader

	httpServer *http.Server
	mdnsServer *zeroconf.Server
	started    time.Time

	mu       sync.RWMutex
	presence *nfc.Tag
	reader   bool
	broker   string
}

// New creates a status server. It does not listen yet.
func New(config Config) *Server {
	return &Server{
		config:  config,
		clients: newClientManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The status feed is read-only local telemetry.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reader: true,
		broker: "disconnected",
	}
}

// Start begins serving HTTP and, when configured, registers the mDNS
// service. It returns once the listener is running.
func (s *Server) Start() error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s running", buildinfo.DisplayName)
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}

	go func() {
		log.Infof("Status server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Status server error: %v", err)
		}
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			// Discovery is a convenience; the server keeps running without it.
			log.Warnf("mDNS registration failed, continuing without discovery: %v", err)
		}
	}

	return nil
}

// Stop shuts the server down, closing WebSocket clients and unregistering
// the mDNS service.
func (s *Server) Stop(ctx context.Context) error {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}

	s.clients.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
		s.httpServer = nil
	}
	return nil
}

// SetPresence records the current presence state and broadcasts it.
func (s *Server) SetPresence(tag *nfc.Tag) {
	s.mu.Lock()
	s.presence = tag
	s.mu.Unlock()

	s.clients.Broadcast(WebsocketMessage{
		Type:    "presence",
		Payload: presencePayload(tag),
	})
}

// SetReaderOnline records reader availability and broadcasts it.
func (s *Server) SetReaderOnline(online bool) {
	s.mu.Lock()
	s.reader = online
	s.mu.Unlock()

	s.clients.Broadcast(WebsocketMessage{
		Type:    "reader",
		Payload: map[string]bool{"online": online},
	})
}

// SetBrokerState records the publisher's connection state and broadcasts it.
func (s *Server) SetBrokerState(state string) {
	s.mu.Lock()
	s.broker = state
	s.mu.Unlock()

	s.clients.Broadcast(WebsocketMessage{
		Type:    "broker",
		Payload: map[string]string{"state": state},
	})
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

func (s *Server) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Present:      s.presence != nil,
		ReaderOnline: s.reader,
		BrokerState:  s.broker,
		Version:      buildinfo.FullVersion(),
		UptimeSecs:   int64(time.Since(s.started).Seconds()),
	}
	if s.presence != nil {
		uid := s.presence.UID
		status.TagID = &uid
		status.RecordCount = len(s.presence.Records)
	}
	return status
}

func presencePayload(tag *nfc.Tag) map[string]any {
	payload := map[string]any{"present": tag != nil}
	if tag != nil {
		payload["tag_id"] = tag.UID
		payload["record_count"] = len(tag.Records)
	}
	return payload
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": buildinfo.FullVersion(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	id := s.clients.Register(conn)
	log.Debugf("WebSocket client %s connected from %s", id, r.RemoteAddr)

	// New clients get the full snapshot before the event stream.
	if err := conn.WriteJSON(WebsocketMessage{Type: "snapshot", Payload: s.snapshot()}); err != nil {
		log.Debugf("WebSocket snapshot write to %s failed: %v", id, err)
		s.clients.Unregister(conn)
		conn.Close()
		return
	}

	go func() {
		defer func() {
			s.clients.Unregister(conn)
			conn.Close()
			log.Debugf("WebSocket client %s disconnected", id)
		}()
		for {
			// The feed is one-way; reads only detect disconnects.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// startMDNS registers the bridge for auto-discovery on the local network.
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}

	server, err := zeroconf.Register(buildinfo.Name, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	log.Infof("mDNS service registered: %s on port %d", MDNSServiceType, s.config.Port)
	return nil
}
