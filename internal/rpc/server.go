package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
	"github.com/camerakit/camera-daemon/internal/security"
)

// ClientConnection is one connected caller.
type ClientConnection struct {
	ID   string
	conn *websocket.Conn

	writeMu       sync.Mutex
	authenticated atomic.Bool
}

// writeJSON serializes one frame; gorilla connections allow a single
// concurrent writer.
func (c *ClientConnection) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// Server is the WebSocket JSON-RPC session server.
type Server struct {
	cfg     config.ServerConfig
	logger  *logging.Logger
	auth    *security.AuthManager
	backend Backend

	upgrader   websocket.Upgrader
	httpServer *http.Server

	clientsMu     sync.RWMutex
	clients       map[string]*ClientConnection
	clientCounter int64

	methodsMu sync.RWMutex
	methods   map[string]methodEntry

	requestCount int64
	errorCount   int64
	startTime    time.Time

	running int32
	wg      sync.WaitGroup
}

// NewServer wires the session server. The backend supplies every method's
// behavior; the server is protocol only.
func NewServer(cfg config.ServerConfig, auth *security.AuthManager, backend Backend, logger *logging.Logger) (*Server, error) {
	if auth == nil {
		return nil, fmt.Errorf("auth manager cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		logger = logging.GetLogger("rpc-server")
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		auth:    auth,
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*ClientConnection),
		methods:   make(map[string]methodEntry),
		startTime: time.Now(),
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Start begins accepting connections.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("rpc server is already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.WithFields(logging.Fields{
		"addr": s.httpServer.Addr,
		"path": s.cfg.WebSocketPath,
	}).Info("Starting JSON-RPC session server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Session server listener failed")
		}
	}()
	return nil
}

// Stop notifies clients, closes sockets and shuts the listener down
// within the caller's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}

	s.logger.Info("Stopping JSON-RPC session server")

	shutdown := &Notification{
		JSONRPC: "2.0",
		Method:  "server_shutdown",
		Params:  map[string]interface{}{"reason": "service stopping"},
	}

	s.clientsMu.Lock()
	for _, client := range s.clients {
		if err := client.writeJSON(shutdown, s.cfg.WriteTimeout); err != nil {
			s.logger.WithField("client_id", client.ID).Debug("Shutdown notice not delivered")
		}
		client.conn.Close()
	}
	s.clients = make(map[string]*ClientConnection)
	s.clientsMu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// handleWebSocket admits and serves one client connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := "client_" + strconv.FormatInt(atomic.AddInt64(&s.clientCounter, 1), 10)

	if !s.auth.RegisterClient(clientID) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.auth.UnregisterClient(clientID)
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	client := &ClientConnection{ID: clientID, conn: conn}
	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	s.logger.WithField("client_id", clientID).Info("Client connected")

	s.wg.Add(1)
	go s.readLoop(client)
}

// readLoop consumes frames from one client until disconnect. Dispatch
// preserves receive order for parse and validation; handlers run
// concurrently and respond as they finish.
func (s *Server) readLoop(client *ClientConnection) {
	defer s.wg.Done()
	defer s.removeClient(client, "read loop exit")

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&s.requestCount, 1)
		s.dispatch(client, data)
	}
}

// removeClient purges a client from the pool under lock.
func (s *Server) removeClient(client *ClientConnection, reason string) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client.ID]; ok {
		delete(s.clients, client.ID)
		client.conn.Close()
	}
	s.clientsMu.Unlock()
	s.auth.UnregisterClient(client.ID)
	s.logger.WithFields(logging.Fields{
		"client_id": client.ID,
		"reason":    reason,
	}).Info("Client disconnected")
}

// dispatch runs the full pipeline for one inbound frame: parse, envelope
// validation, authentication, role check, rate limit, handler.
func (s *Server) dispatch(client *ClientConnection, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.respondError(client, nil, NewError(CodeParseError, "parse error: invalid JSON"))
		return
	}

	isNotification := req.ID == nil
	corrID := correlationID(req.ID)
	log := s.logger.WithCorrelationID(corrID).WithFields(logging.Fields{
		"client_id": client.ID,
		"method":    req.Method,
	})

	if rpcErr := validateEnvelope(&req); rpcErr != nil {
		if !isNotification {
			s.respondError(client, req.ID, rpcErr)
		}
		return
	}

	s.methodsMu.RLock()
	entry, found := s.methods[req.Method]
	s.methodsMu.RUnlock()
	if !found {
		if !isNotification {
			s.respondError(client, req.ID, NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
		}
		return
	}

	if req.Method != "authenticate" {
		if !client.authenticated.Load() {
			if !isNotification {
				s.respondError(client, req.ID, NewError(CodeAuthRequired, "authentication required"))
			}
			return
		}
		if !s.auth.CheckPermission(client.ID, entry.minRole) {
			if !isNotification {
				s.respondError(client, req.ID, NewError(CodeInsufficient,
					fmt.Sprintf("insufficient permissions: method requires %s role", entry.minRole)))
			}
			return
		}
		if !s.auth.AllowRequest(client.ID) {
			if !isNotification {
				s.respondError(client, req.ID, NewError(CodeInsufficient, "rate limit exceeded"))
			}
			return
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, rpcErr := s.invoke(ctx, entry, client, req.Params, corrID, log)
		if isNotification {
			return
		}
		if rpcErr != nil {
			s.respondError(client, req.ID, rpcErr)
			return
		}
		s.respond(client, req.ID, result)
	}()
}

// invoke runs one handler, converting panics into internal errors without
// leaking details to the client.
func (s *Server) invoke(ctx context.Context, entry methodEntry, client *ClientConnection, params json.RawMessage, corrID string, log *logging.Logger) (result interface{}, rpcErr *RPCError) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Method handler panicked")
			result = nil
			rpcErr = NewError(CodeInternalError, "internal error")
		}
	}()
	return entry.handler(ctx, client, params, corrID)
}

func correlationID(id *json.RawMessage) string {
	if id != nil {
		return string(*id)
	}
	return logging.NewCorrelationID()
}

func (s *Server) respond(client *ClientConnection, id *json.RawMessage, result interface{}) {
	resp := &Response{JSONRPC: "2.0", Result: result, ID: id}
	if err := client.writeJSON(resp, s.cfg.WriteTimeout); err != nil {
		s.removeClient(client, "write failure")
	}
}

func (s *Server) respondError(client *ClientConnection, id *json.RawMessage, rpcErr *RPCError) {
	atomic.AddInt64(&s.errorCount, 1)
	resp := &Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
	if err := client.writeJSON(resp, s.cfg.WriteTimeout); err != nil {
		s.removeClient(client, "write failure")
	}
}

// Broadcast sends a notification to every authenticated client. Clients
// whose send fails are purged from the pool.
func (s *Server) Broadcast(method string, params map[string]interface{}) {
	notification := &Notification{JSONRPC: "2.0", Method: method, Params: params}

	s.clientsMu.RLock()
	targets := make([]*ClientConnection, 0, len(s.clients))
	for _, client := range s.clients {
		if client.authenticated.Load() {
			targets = append(targets, client)
		}
	}
	s.clientsMu.RUnlock()

	for _, client := range targets {
		if err := client.writeJSON(notification, s.cfg.WriteTimeout); err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"client_id": client.ID,
				"method":    method,
			}).Warn("Notification send failed, removing client")
			s.removeClient(client, "notification send failure")
		}
	}
}

// ClientCount returns the connected client count.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Metrics returns server counters for the admin surface.
func (s *Server) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"request_count":      atomic.LoadInt64(&s.requestCount),
		"error_count":        atomic.LoadInt64(&s.errorCount),
		"active_connections": s.ClientCount(),
		"uptime_seconds":     time.Since(s.startTime).Seconds(),
	}
}
