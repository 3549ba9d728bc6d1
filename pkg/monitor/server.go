// Package monitor serves live grid status over HTTP and a websocket
// JSON-RPC 2.0 channel. Subscribed websocket clients receive every grid
// event as a notify_grid_event notification.
package monitor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"biochip-go/pkg/actuation"
	"biochip-go/pkg/grid"
	"biochip-go/pkg/log"
)

// APIVersion is reported by server.info.
const APIVersion = "1.0.0"

// StatusSource provides grid status. *grid.Orchestrator implements it.
type StatusSource interface {
	Status() grid.Status
}

// LinkInfo describes the device link. *actuation.Client implements it.
type LinkInfo interface {
	Version() string
	PendingDetail() []actuation.PendingCommand
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7130")
	Addr string

	// Optional basic auth credentials for every endpoint
	Username string
	Password string

	// Grid status source
	Grid StatusSource

	// Device link, optional
	Link LinkInfo

	// Number of events kept for grid.events (default: 256)
	HistorySize int

	Logger *log.Logger
}

// Server publishes grid status and events.
type Server struct {
	grid     StatusSource
	link     LinkInfo
	username string
	password string
	log      *log.Logger

	httpServer *http.Server
	handler    http.Handler

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	history *History

	mu        sync.RWMutex
	addr      string
	running   atomic.Bool
	startTime time.Time
}

// New creates a monitor server. It implements grid.EventSink.
func New(cfg Config) *Server {
	s := &Server{
		grid:      cfg.Grid,
		link:      cfg.Link,
		username:  cfg.Username,
		password:  cfg.Password,
		log:       cfg.Logger,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		history:   NewHistory(cfg.HistorySize),
		startTime: time.Now(),
	}
	if s.log == nil {
		s.log = log.GetLogger("monitor")
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/grid/status", s.handleGridStatus)
	mux.HandleFunc("/grid/events", s.handleGridEvents)
	s.handler = s.authMiddleware(s.corsMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// History returns the event history.
func (s *Server) History() *History {
	return s.history
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("monitor server error: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.running.Store(true)
	s.log.Info("monitor listening on %s", ln.Addr())

	err = s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor server error: %w", err)
	}
	return nil
}

// Shutdown closes every websocket client and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// GetAddress returns the bound address once started.
func (s *Server) GetAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Publish records e and forwards it to subscribed websocket clients.
func (s *Server) Publish(e grid.Event) {
	s.history.Add(e)

	note := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_grid_event",
		Params:  []any{e},
	}
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		if client.subscribed.Load() {
			client.Send(note)
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeServerError    = -32000
)

var errMethodNotFound = errors.New("method not found")

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, rpcError(nil, codeParseError, "Parse error"))
		return
	}
	s.writeJSON(w, s.call(req, nil))
}

// call runs one request and builds its response.
func (s *Server) call(req jsonRPCRequest, client *WSClient) jsonRPCResponse {
	result, err := s.dispatchMethod(req.Method, req.Params, client)
	if errors.Is(err, errMethodNotFound) {
		return rpcError(req.ID, codeMethodNotFound, err.Error())
	}
	if err != nil {
		return rpcError(req.ID, codeServerError, err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func rpcError(id any, code int, message string) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	}
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo(), nil
	case "grid.status":
		return s.methodGridStatus(), nil
	case "grid.events":
		return s.methodGridEvents(params)
	case "grid.subscribe":
		return s.methodGridSubscribe(client)
	case "grid.unsubscribe":
		return s.methodGridUnsubscribe(client)
	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

// Method implementations

func (s *Server) methodServerInfo() map[string]any {
	hostname, _ := os.Hostname()
	info := map[string]any{
		"api_version":     APIVersion,
		"hostname":        hostname,
		"uptime":          time.Since(s.startTime).Seconds(),
		"websocket_count": s.ClientCount(),
		"link_connected":  s.link != nil,
	}
	if s.link != nil {
		info["device_version"] = s.link.Version()
		info["pending_commands"] = s.link.PendingDetail()
	}
	return info
}

func (s *Server) methodGridStatus() grid.Status {
	if s.grid == nil {
		return grid.Status{State: grid.RunStateStandby, Droplets: []grid.DropletState{}}
	}
	return s.grid.Status()
}

func (s *Server) methodGridEvents(params map[string]any) (any, error) {
	var since uint64
	if v, ok := params["since"]; ok {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return nil, fmt.Errorf("'since' must be a non-negative number")
		}
		since = uint64(f)
	}
	return map[string]any{"events": s.history.Since(since)}, nil
}

func (s *Server) methodGridSubscribe(client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	client.subscribed.Store(true)
	return s.methodGridStatus(), nil
}

func (s *Server) methodGridUnsubscribe(client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	client.subscribed.Store(false)
	return map[string]any{}, nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.methodServerInfo()})
}

func (s *Server) handleGridStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]any{"result": s.methodGridStatus()})
}

func (s *Server) handleGridEvents(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSONError(w, fmt.Errorf("'since' must be a non-negative integer"))
			return
		}
		params["since"] = float64(n)
	}
	result, err := s.methodGridEvents(params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.username == "" && s.password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Biochip Monitor"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("write response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": jsonRPCError{Code: codeServerError, Message: err.Error()},
	})
}
