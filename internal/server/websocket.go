package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/retriever/internal/common"
	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// wsMessage is the envelope every stream frame carries, mirroring
// WSMessage in internal/handlers/websocket.go (the teacher's
// type/payload framing).
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// jobStreamHub implements GET /api/jobs/stream (SPEC_FULL.md §6.4): a live
// feed of the Job-status histogram plus recent log lines, generalized from
// internal/handlers/websocket.go's client-map/broadcast-loop pattern down
// to the two things a Batcher operator actually wants to watch - Store.
// Stats and the arbor memory writer - instead of the teacher's crawl-
// progress/app-status/auth event types, which have no Batcher analogue.
type jobStreamHub struct {
	logger          arbor.ILogger
	store           *badgerstore.Store
	minLevel        string
	excludePatterns []string

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	seenLogMu sync.Mutex
	seenLogs  map[string]bool
}

func newJobStreamHub(cfg common.WebSocketConfig, store *badgerstore.Store, logger arbor.ILogger) *jobStreamHub {
	minLevel := cfg.MinLevel
	if minLevel == "" {
		minLevel = "info"
	}
	return &jobStreamHub{
		logger:          logger,
		store:           store,
		minLevel:        minLevel,
		excludePatterns: cfg.ExcludePatterns,
		clients:         make(map[*websocket.Conn]*sync.Mutex),
		seenLogs:        make(map[string]bool),
	}
}

// handleJobsStream upgrades the connection and keeps it registered until
// the client disconnects; a background Start loop does the broadcasting.
func (s *Server) handleJobsStream(w http.ResponseWriter, r *http.Request) {
	hub := s.wsHub
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error().Err(err).Msg("failed to upgrade jobs/stream connection")
		return
	}

	hub.mu.Lock()
	hub.clients[conn] = &sync.Mutex{}
	hub.mu.Unlock()
	hub.logger.Info().Int("clients", len(hub.clients)).Msg("jobs/stream client connected")

	hub.sendStats(r.Context(), conn)

	defer func() {
		hub.mu.Lock()
		delete(hub.clients, conn)
		remaining := len(hub.clients)
		hub.mu.Unlock()
		conn.Close()
		hub.logger.Info().Int("clients", remaining).Msg("jobs/stream client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Start runs the periodic stats broadcast and log tail; call once from
// the server's startup path, stop is implicit on process exit.
func (h *jobStreamHub) Start() {
	ticker := time.NewTicker(3 * time.Second)
	go func() {
		for range ticker.C {
			h.mu.RLock()
			n := len(h.clients)
			h.mu.RUnlock()
			if n == 0 {
				continue
			}
			h.broadcastStats()
			h.broadcastNewLogs()
		}
	}()
}

func (h *jobStreamHub) sendStats(ctx context.Context, conn *websocket.Conn) {
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to load job statistics for stream client")
		return
	}
	h.write(conn, wsMessage{Type: "job_statistics", Payload: stats})
}

func (h *jobStreamHub) broadcastStats() {
	stats, err := h.store.Stats(context.Background())
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to load job statistics for broadcast")
		return
	}
	h.broadcast(wsMessage{Type: "job_statistics", Payload: stats})
}

func (h *jobStreamHub) broadcastNewLogs() {
	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	if memWriter == nil {
		return
	}
	entries, err := memWriter.GetEntriesWithLimit(50)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read memory log writer for jobs/stream")
		return
	}

	h.seenLogMu.Lock()
	defer h.seenLogMu.Unlock()
	for key, line := range entries {
		if h.seenLogs[key] {
			continue
		}
		h.seenLogs[key] = true
		if h.excluded(line) || !h.meetsMinLevel(line) {
			continue
		}
		h.broadcast(wsMessage{Type: "log", Payload: line})
	}
}

func (h *jobStreamHub) excluded(line string) bool {
	for _, pattern := range h.excludePatterns {
		if pattern != "" && strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// logLevelRank mirrors parseAndBroadcastLog's abbreviation table in
// internal/handlers/websocket.go, ordered low to high severity.
var logLevelRank = map[string]int{
	"dbg": 0, "debug": 0,
	"inf": 1, "info": 1,
	"wrn": 2, "warn": 2,
	"err": 3, "error": 3,
	"fatal": 4, "panic": 4,
}

// meetsMinLevel reports whether an arbor memory-writer line
// ("INF|Oct  2 16:27:13|message") is at least as severe as minLevel.
func (h *jobStreamHub) meetsMinLevel(line string) bool {
	parts := strings.SplitN(line, "|", 2)
	if len(parts) < 1 {
		return true
	}
	levelStr := strings.ToLower(strings.TrimSpace(parts[0]))
	rank, ok := logLevelRank[levelStr]
	if !ok {
		return true
	}
	minRank, ok := logLevelRank[strings.ToLower(h.minLevel)]
	if !ok {
		return true
	}
	return rank >= minRank
}

func (h *jobStreamHub) write(conn *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	mutex := h.clients[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}
	mutex.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()
}

func (h *jobStreamHub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn().Err(err).Msg("failed to write jobs/stream frame")
		}
		mutexes[i].Unlock()
	}
}
