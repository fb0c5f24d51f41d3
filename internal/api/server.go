// Package api provides the HTTP and WebSocket read surface: worker status
// endpoints, a live WorkerState push over WebSocket, and the Prometheus
// scrape endpoint. Grounded on the teacher's internal/api/server.go router
// setup and internal/api/websocket.go hub/client/broadcast shape, stripped
// of the backtest-run RPC surface (out of this domain's scope) and wired
// to read from the coordination store instead of a local data.Store.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	pollInterval   = 5 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 256
)

// Config configures the read surface's HTTP listener.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP/WebSocket read surface over the coordination store.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	store      coordination.Store
	gatherer   prometheus.Gatherer

	stopCh chan struct{}
}

// Client is one connected WebSocket subscriber to worker-state pushes.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Message is the envelope pushed to WebSocket clients.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer constructs a read-surface server backed by store. gatherer
// serves /metrics; pass the same prometheus.Registerer used to build this
// process's metrics.Registry (each process, worker or supervisor, keeps
// its own registry rather than sharing prometheus.DefaultRegisterer).
func NewServer(logger *zap.Logger, cfg Config, store coordination.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		config:   cfg,
		router:   mux.NewRouter(),
		clients:  make(map[string]*Client),
		store:    store,
		gatherer: gatherer,
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/workers", s.handleListWorkers).Methods("GET")
	s.router.HandleFunc("/workers/{pairId}", s.handleGetWorker).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start begins serving HTTP and the worker-state poll-and-push loop. It
// blocks until the listener stops, matching the teacher's Start contract.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.pushLoop()

	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server and closes every WebSocket connection.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)

	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	states, err := s.loadWorkerStates(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": states})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	pairID := mux.Vars(r)["pairId"]
	state, ok, err := s.loadWorkerState(r.Context(), pairID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "worker not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) loadWorkerStates(ctx context.Context) ([]types.WorkerState, error) {
	pairIDs, err := s.store.SMembers(ctx, coordination.WorkersSetKey())
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}

	states := make([]types.WorkerState, 0, len(pairIDs))
	for _, pairID := range pairIDs {
		state, ok, err := s.loadWorkerState(ctx, pairID)
		if err != nil {
			s.logger.Warn("reading worker state failed", zap.String("pairId", pairID), zap.Error(err))
			continue
		}
		if ok {
			states = append(states, state)
		}
	}
	return states, nil
}

func (s *Server) loadWorkerState(ctx context.Context, pairID string) (types.WorkerState, bool, error) {
	raw, ok, err := s.store.Get(ctx, coordination.WorkerStateKey(pairID))
	if err != nil {
		return types.WorkerState{}, false, err
	}
	if !ok {
		return types.WorkerState{}, false, nil
	}
	var state types.WorkerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return types.WorkerState{}, false, fmt.Errorf("unmarshaling worker state for %s: %w", pairID, err)
	}
	return state, true, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{ID: uuid.NewString(), Conn: conn, Send: make(chan []byte, clientSendSize)}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", client.ID))

	go s.writePump(client)
	go s.readPump(client)
}

// readPump only drains and discards client frames to keep pongs flowing;
// this read surface is push-only, there is no client->server RPC.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(64 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pushLoop polls the coordination store for worker states and broadcasts
// them to every connected client, standing in for a change-notification
// feed the coordination store's interface doesn't offer.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			states, err := s.loadWorkerStates(context.Background())
			if err != nil {
				s.logger.Warn("push loop: loading worker states failed", zap.Error(err))
				continue
			}
			s.broadcast(&Message{Type: "workers", Payload: states, Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) broadcast(msg *Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.Send <- body:
		default:
		}
	}
}
