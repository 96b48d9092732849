// Package gateway is the network surface: it authorizes every inbound
// connection, guards plugin HTTP routes, enforces node command policy and
// the exec approval protocol, and serves the WebSocket RPC clients and node
// devices speak.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nodegate/internal/approval"
	"github.com/basket/nodegate/internal/audit"
	"github.com/basket/nodegate/internal/bus"
	"github.com/basket/nodegate/internal/config"
	"github.com/basket/nodegate/internal/nodes"
	"github.com/basket/nodegate/internal/persistence"
	"github.com/basket/nodegate/internal/shared"
	"github.com/basket/nodegate/internal/subagents"
	"github.com/basket/nodegate/internal/watchdog"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeInvalid      = 1000
	ErrCodeUnauthorized = 4010
	ErrCodePolicyDenied = 4030
)

// AgentRunner dispatches a message to the agent backend and returns its
// reply. Implementations own model invocation; the gateway only brokers.
type AgentRunner interface {
	Run(ctx context.Context, params AgentParams) (AgentResult, error)
}

// AgentParams is one dispatched agent turn.
type AgentParams struct {
	RunID      string
	SessionKey string
	AgentID    string
	Message    string
}

// AgentResult is the terminal reply of an agent turn.
type AgentResult struct {
	Reply string
}

// Config wires the server's collaborators. Stores are injected, never
// ambient, so tests and multi-gateway processes stay isolated.
type Config struct {
	Auth            config.AuthConfig
	Exec            config.ExecConfig
	NodeOverrides   nodes.Overrides
	ProtectedRoutes []string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string

	// IdleTimeout arms a watchdog per client connection; zero disables it.
	IdleTimeout time.Duration

	RateLimit config.RateLimitConfig
	CanvasTTL time.Duration

	Bus       *bus.Bus
	Registry  *subagents.Registry
	Nodes     *nodes.Store
	Approvals *approval.Store
	Store     *persistence.Store
	Runner    AgentRunner
	Logger    *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimiter
	canvas  *CanvasTokenStore
	schemas *schemaSet

	// reloadMu guards the hot-reloadable surface: the authorizer and the
	// policy fields inside cfg. Stores and the listener never change.
	reloadMu sync.RWMutex
	auth     *Authorizer

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	nodeConnsMu sync.RWMutex
	nodeConns   map[string]*nodeConn

	runsMu sync.Mutex
	runs   map[string]*agentRun
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool
	hsMu       sync.Mutex
}

type nodeConn struct {
	conn    *websocket.Conn
	session *nodes.Session
	mu      sync.Mutex
}

// agentRun tracks one in-flight agent dispatch for agent.wait.
type agentRun struct {
	id     string
	done   chan struct{}
	result AgentResult
	err    error
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New constructs the server. Schema compilation failures are programmer
// errors in the embedded schema set.
func New(cfg Config) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile rpc schemas: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	canvas := NewCanvasTokenStore(cfg.CanvasTTL, nil)
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		auth:      NewAuthorizer(cfg.Auth, canvas),
		limiter:   NewRateLimiter(cfg.RateLimit, nil),
		canvas:    canvas,
		schemas:   schemas,
		clients:   map[*client]struct{}{},
		nodeConns: map[string]*nodeConn{},
		runs:      map[string]*agentRun{},
	}, nil
}

// ReloadConfig is the subset of Config that may change while the gateway is
// running. Everything else requires a restart.
type ReloadConfig struct {
	Auth              config.AuthConfig
	Exec              config.ExecConfig
	NodeOverrides     nodes.Overrides
	ProtectedRoutes   []string
	ConfigFingerprint string
}

// Reload swaps the policy and auth surface in place. In-flight requests
// finish under the config they started with; new requests see the new one.
func (s *Server) Reload(rc ReloadConfig) {
	auth := NewAuthorizer(rc.Auth, s.canvas)
	s.reloadMu.Lock()
	s.auth = auth
	s.cfg.Auth = rc.Auth
	s.cfg.Exec = rc.Exec
	s.cfg.NodeOverrides = rc.NodeOverrides
	s.cfg.ProtectedRoutes = rc.ProtectedRoutes
	s.cfg.ConfigFingerprint = rc.ConfigFingerprint
	s.reloadMu.Unlock()
}

func (s *Server) authorizer() *Authorizer {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.auth
}

func (s *Server) protectedRoutes() []string {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.ProtectedRoutes
}

func (s *Server) nodeOverrides() nodes.Overrides {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.NodeOverrides
}

func (s *Server) execConfig() config.ExecConfig {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.Exec
}

func (s *Server) configFingerprint() string {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.cfg.ConfigFingerprint
}

// Canvas exposes the capability token store for the maintenance sweeps.
func (s *Server) Canvas() *CanvasTokenStore { return s.canvas }

// Limiter exposes the rate limiter for the maintenance sweeps.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/node/ws", s.handleNodeWS)
	mux.HandleFunc("/canvas", s.handleCanvas)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/channels", s.handleAPIChannels)
	mux.HandleFunc("/api/channels/", s.handleAPIChannels)
	return s.guard(mux)
}

// guard wraps the mux with the request-level checks that run before any
// handler: rate limiting and protected-route authorization. Every request
// passes through here; unauthorized requests never reach handler code.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.guardRateLimit(w, r) {
			return
		}
		if !s.guardProtectedRoute(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    true,
		"nodes": s.cfg.Nodes.Count(),
	})
}

// handleAPIChannels is a plugin-exposed HTTP route: bearer-only auth, JSON
// body guards, no capability-token or local-direct bypass.
func (s *Server) handleAPIChannels(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if !s.authorizer().AuthorizePluginRoute(w, r) {
		s.denyRequest(r, AuthDecision{Reason: ReasonTokenMismatch})
		return
	}
	switch r.Method {
	case http.MethodGet:
		keys, err := s.cfg.Store.ListSessions()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list sessions failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"channels": keys})
	case http.MethodPost:
		var body struct {
			SessionKey string `json:"session_key"`
			Text       string `json:"text"`
		}
		if !readJSONBody(w, r, &body) {
			return
		}
		if body.SessionKey == "" || body.Text == "" {
			writeJSONError(w, http.StatusBadRequest, "session_key and text are required")
			return
		}
		s.cfg.Bus.Publish(bus.TopicChatInject, bus.ChatInjectEvent{
			SessionKey: body.SessionKey,
			Text:       body.Text,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"injected": true})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	decision := s.authorizer().Authorize(r)
	if !decision.Authorized {
		s.denyRequest(r, decision)
		// Generic failure to the caller; the specific reason is for logs.
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected", "auth_method", string(decision.Method))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wd *watchdog.Watchdog
	if s.cfg.IdleTimeout > 0 {
		wd = watchdog.New(watchdog.Config{
			Timeout: s.cfg.IdleTimeout,
			Context: ctx,
			Logger:  s.logger,
			OnTimeout: func(watchdog.TimeoutEvent) {
				_ = conn.Close(websocket.StatusGoingAway, "idle timeout")
			},
		})
		wd.Arm()
	}

	defer func() {
		if wd != nil {
			wd.Stop()
		}
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if wd != nil {
			wd.Touch()
		}
		rpcCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		resp := s.handleRPC(rpcCtx, c, req)
		if resp == nil {
			continue
		}
		if resp.Error != nil {
			s.logger.Warn("ws: rpc error",
				"method", req.Method,
				"code", resp.Error.Code,
				"trace_id", shared.TraceID(rpcCtx))
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Error("ws: write response error",
				"method", req.Method,
				"trace_id", shared.TraceID(rpcCtx),
				"error", err)
		}
	}
}

// handleCanvas serves the canvas viewer WebSocket. It runs the full
// authorizer chain; the usual grant here is the capability token carried in
// the viewer URL.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	decision := s.authorizer().Authorize(r)
	if !decision.Authorized {
		s.denyRequest(r, decision)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("canvas: viewer connected",
		"auth_method", string(decision.Method), "node_id", decision.NodeID)

	// The viewer is read-only: it receives canvas frames forwarded from the
	// owning node and sends nothing meaningful back. A capability token is
	// bound to one node, so token-granted viewers subscribe to that node's
	// frame topic only; full-credential viewers get the whole node stream.
	topic := "node."
	if decision.Method == MethodCapability {
		topic = bus.TopicCanvasFrame + "." + decision.NodeID
	}
	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			// Prefix subscription would also match a node id that extends
			// the granted one, so the frame's declared origin is checked
			// as well.
			if decision.Method == MethodCapability {
				frame, ok := ev.Payload.(bus.CanvasFrameEvent)
				if !ok || frame.NodeID != decision.NodeID {
					continue
				}
			}
			if err := wsjson.Write(r.Context(), conn, map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) denyRequest(r *http.Request, decision AuthDecision) {
	audit.Record("deny", "connect", decision.Reason, "", r.URL.Path)
	s.cfg.Bus.Publish(bus.TopicAuthDenied, bus.AuthDeniedEvent{
		Reason:     decision.Reason,
		RemoteAddr: r.RemoteAddr,
	})
}

func (s *Server) noteRateLimited(r *http.Request) {
	s.cfg.Bus.Publish(bus.TopicAuthRateLimited, bus.AuthDeniedEvent{
		Reason:     "rate_limited",
		RemoteAddr: r.RemoteAddr,
	})
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.hsMu.Lock()
	c.handshaken = true
	c.hsMu.Unlock()
}

func (c *client) isHandshaken() bool {
	c.hsMu.Lock()
	defer c.hsMu.Unlock()
	return c.handshaken
}

// broadcast pushes a notification to every connected RPC client.
func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	msg := &rpcResponse{JSONRPC: "2.0", Method: method, Params: params}
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.write(ctx, msg); err != nil {
			s.logger.Debug("broadcast write failed", "method", method, "error", err)
		}
		cancel()
	}
}

// AnnounceOutcome is the subagents.AnnounceFunc wired at startup: terminal
// run outcomes are broadcast to connected RPC clients.
func (s *Server) AnnounceOutcome(run subagents.Snapshot, outcome subagents.Outcome) error {
	s.broadcast("subagent.outcome", map[string]any{
		"run_id":    run.RunID,
		"requester": run.RequesterDisplayKey,
		"task":      run.Task,
		"status":    outcome.Status,
		"error":     outcome.Error,
	})
	return nil
}

func isMutatingMethod(method string) bool {
	switch method {
	case "agent", "agent.event", "sessions.patch", "sessions.delete",
		"chat.inject", "node.invoke", "approvals.resolve", "canvas.token":
		return true
	default:
		return false
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case string, float64:
		return v, true
	default:
		return nil, false
	}
}

func parseEventTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	respond := func(result any, rpcErr *rpcError) *rpcResponse {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return respond(nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"})
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		return respond(nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"})
	}
	if err := s.schemas.validate(req.Method, req.Params); err != nil {
		return respond(nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()})
	}

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		return respond(map[string]any{
			"protocol": "nodegate",
			"version":  "1.0",
		}, nil)

	case "system.status":
		return respond(s.systemStatus(), nil)

	case "agent":
		return respond(s.rpcAgent(ctx, req.Params))

	case "agent.wait":
		return respond(s.rpcAgentWait(ctx, req.Params))

	case "agent.event":
		return respond(s.rpcAgentEvent(req.Params))

	case "sessions.patch":
		return respond(s.rpcSessionsPatch(req.Params))

	case "sessions.delete":
		return respond(s.rpcSessionsDelete(req.Params))

	case "chat.inject":
		return respond(s.rpcChatInject(req.Params))

	case "node.invoke":
		return respond(s.rpcNodeInvoke(ctx, req.Params))

	case "subagents.list":
		return respond(s.rpcSubagentsList(), nil)

	case "approvals.list":
		return respond(s.rpcApprovalsList(), nil)

	case "approvals.resolve":
		return respond(s.rpcApprovalsResolve(req.Params))

	case "canvas.token":
		return respond(s.rpcCanvasToken(req.Params))

	default:
		return respond(nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func (s *Server) systemStatus() map[string]any {
	nodeIDs := make([]string, 0)
	for _, sess := range s.cfg.Nodes.List() {
		nodeIDs = append(nodeIDs, sess.ID)
	}
	return map[string]any{
		"config_fingerprint": s.configFingerprint(),
		"nodes":              nodeIDs,
		"subagents_active":   s.cfg.Registry.ActiveCount(),
		"approvals_pending":  s.cfg.Approvals.PendingCount(),
		"canvas_tokens":      s.canvas.Count(),
		"auth_denials":       audit.DenyCount(),
	}
}

func (s *Server) rpcAgent(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionKey string `json:"session_key"`
		AgentID    string `json:"agent_id"`
		Message    string `json:"message"`
		Subagent   *struct {
			Task    string `json:"task"`
			Cleanup string `json:"cleanup"`
		} `json:"subagent"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if s.cfg.Runner == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "no agent backend configured"}
	}

	runID := shared.NewRunID()
	if p.Subagent != nil {
		err := s.cfg.Registry.Register(subagents.Params{
			RunID:               runID,
			ChildSessionKey:     "sub:" + runID,
			RequesterSessionKey: p.SessionKey,
			RequesterDisplayKey: p.SessionKey,
			Task:                p.Subagent.Task,
			Cleanup:             subagents.Cleanup(p.Subagent.Cleanup),
		})
		if err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
		}
	}

	run := &agentRun{id: runID, done: make(chan struct{})}
	s.runsMu.Lock()
	s.runs[runID] = run
	s.runsMu.Unlock()

	params := AgentParams{
		RunID:      runID,
		SessionKey: p.SessionKey,
		AgentID:    p.AgentID,
		Message:    p.Message,
	}
	isSubagent := p.Subagent != nil
	go func() {
		runCtx := shared.WithRunID(shared.WithSessionKey(context.Background(), p.SessionKey), runID)
		result, err := s.cfg.Runner.Run(runCtx, params)
		run.result, run.err = result, err
		close(run.done)
		if err != nil {
			s.logger.Error("agent run failed",
				"run_id", shared.RunID(runCtx),
				"session_key", shared.SessionKey(runCtx),
				"error", err)
		}
		if !isSubagent {
			return
		}
		now := time.Now()
		if err != nil {
			s.cfg.Registry.HandleEvent(subagents.Event{
				RunID: runID, Phase: subagents.PhaseError, EndedAt: now, Error: err.Error(),
			})
			return
		}
		s.cfg.Registry.HandleEvent(subagents.Event{
			RunID: runID, Phase: subagents.PhaseEnd, EndedAt: now,
		})
	}()

	return map[string]any{"run_id": runID}, nil
}

func (s *Server) rpcAgentWait(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID     string `json:"run_id"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	s.runsMu.Lock()
	run, ok := s.runs[p.RunID]
	s.runsMu.Unlock()
	if !ok {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("unknown run %q", p.RunID)}
	}

	waitCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	select {
	case <-run.done:
	case <-waitCtx.Done():
		return map[string]any{"run_id": p.RunID, "status": "running"}, nil
	}

	s.runsMu.Lock()
	delete(s.runs, p.RunID)
	s.runsMu.Unlock()

	if run.err != nil {
		return map[string]any{"run_id": p.RunID, "status": "error", "error": run.err.Error()}, nil
	}
	return map[string]any{"run_id": p.RunID, "status": "ok", "reply": run.result.Reply}, nil
}

func (s *Server) rpcAgentEvent(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID     string `json:"run_id"`
		Phase     string `json:"phase"`
		StartedAt string `json:"started_at"`
		EndedAt   string `json:"ended_at"`
		Error     string `json:"error"`
		Aborted   bool   `json:"aborted"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	s.cfg.Registry.HandleEvent(subagents.Event{
		RunID:     p.RunID,
		Phase:     subagents.Phase(p.Phase),
		StartedAt: parseEventTime(p.StartedAt),
		EndedAt:   parseEventTime(p.EndedAt),
		Error:     p.Error,
		Aborted:   p.Aborted,
	})
	return map[string]any{"accepted": true}, nil
}

func (s *Server) rpcSessionsPatch(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionKey string         `json:"session_key"`
		Fields     map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	rec, err := s.cfg.Store.PatchSession(p.SessionKey, p.Fields)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "session patch failed"}
	}
	return map[string]any{"session_key": rec.SessionKey, "data": rec.Data}, nil
}

func (s *Server) rpcSessionsDelete(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if err := s.cfg.Store.DeleteSession(p.SessionKey); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "session delete failed"}
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) rpcChatInject(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionKey string `json:"session_key"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	s.cfg.Bus.Publish(bus.TopicChatInject, bus.ChatInjectEvent{
		SessionKey: p.SessionKey,
		Text:       p.Text,
	})
	return map[string]any{"injected": true}, nil
}

func (s *Server) rpcSubagentsList() any {
	runs := s.cfg.Registry.List()
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]any{
			"run_id":    run.RunID,
			"requester": run.RequesterDisplayKey,
			"task":      run.Task,
			"state":     string(run.State),
			"error":     run.Error,
		})
	}
	return map[string]any{"runs": out}
}

func (s *Server) rpcApprovalsList() any {
	pending := s.cfg.Approvals.Pending()
	out := make([]map[string]any, 0, len(pending))
	for _, a := range pending {
		out = append(out, map[string]any{
			"approval_id": a.ID,
			"node_id":     a.Host,
			"argv":        a.Argv,
			"created_at":  a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{"pending": out, "count": len(out)}
}

func (s *Server) rpcApprovalsResolve(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if err := s.cfg.Approvals.Resolve(p.ApprovalID, p.Decision); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"resolved": true}, nil
}

func (s *Server) rpcCanvasToken(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		NodeID          string `json:"node_id"`
		CanvasSessionID string `json:"canvas_session_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	if _, ok := s.cfg.Nodes.Get(p.NodeID); !ok {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("node %q not connected", p.NodeID)}
	}
	token, err := s.canvas.Issue(p.NodeID, p.CanvasSessionID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "token mint failed"}
	}
	return map[string]any{
		"token": token,
		"url":   fmt.Sprintf("/canvas?token=%s", token),
	}, nil
}

// analyzeArgv is the static screen for system.run payloads: empty argv and
// shell metacharacters fail analysis, pushing the invocation onto the
// allowlist/approval path.
func analyzeArgv(argv []string) bool {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return false
	}
	for _, arg := range argv {
		if strings.ContainsAny(arg, ";|&`$\n") {
			return false
		}
	}
	return true
}

// execAllowlistMatch checks argv against exec.allowlist entries: an entry
// matches on exact argv[0] or on the full joined command line.
func execAllowlistMatch(argv []string, allowlist []string) bool {
	if len(argv) == 0 {
		return false
	}
	joined := strings.Join(argv, " ")
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == argv[0] || entry == joined {
			return true
		}
	}
	return false
}

// hostOSForPlatform maps a node platform onto the GOOS value the approval
// engine screens against.
func hostOSForPlatform(p nodes.Platform) string {
	switch p {
	case nodes.PlatformWindows:
		return "windows"
	case nodes.PlatformMacOS:
		return "darwin"
	case nodes.PlatformLinux:
		return "linux"
	default:
		return ""
	}
}

func (s *Server) rpcNodeInvoke(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		NodeID     string            `json:"node_id"`
		Command    string            `json:"command"`
		Args       map[string]any    `json:"args"`
		Argv       []string          `json:"argv"`
		Cwd        string            `json:"cwd"`
		AgentID    string            `json:"agent_id"`
		SessionKey string            `json:"session_key"`
		Env        map[string]string `json:"env"`
		ApprovalID string            `json:"approval_id"`
		WaitMs     int               `json:"wait_ms"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}

	sess, ok := s.cfg.Nodes.Get(p.NodeID)
	if !ok {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("node %q not connected", p.NodeID)}
	}

	allowlist := nodes.ResolveAllowlist(s.nodeOverrides(), sess.Platform, sess.DeviceFamily)
	allowed := nodes.IsCommandAllowed(nodes.CommandCheck{
		Command:          p.Command,
		DeclaredCommands: sess.DeclaredCommands,
		Allowlist:        allowlist,
	})
	s.cfg.Bus.Publish(bus.TopicNodeCommand, bus.NodeCommandEvent{
		NodeID:  p.NodeID,
		Command: p.Command,
		Allowed: allowed,
	})
	if !allowed {
		audit.Record("deny", p.Command, "command_not_allowed", "node.invoke", p.NodeID)
		return nil, &rpcError{Code: ErrCodePolicyDenied, Message: fmt.Sprintf("command %q is not allowed for node %q", p.Command, p.NodeID)}
	}

	if p.Command == nodes.CmdSystemRun {
		execReq := approval.Request{
			Argv:       p.Argv,
			Cwd:        p.Cwd,
			AgentID:    p.AgentID,
			SessionKey: p.SessionKey,
			Env:        p.Env,
			HostOS:     hostOSForPlatform(nodes.ResolvePlatform(sess.Platform, sess.DeviceFamily)),
		}
		execCfg := s.execConfig()
		in := approval.Input{
			Security:           approval.SecurityMode(execCfg.Security),
			Ask:                approval.AskMode(execCfg.Ask),
			AnalysisOK:         analyzeArgv(p.Argv),
			AllowlistSatisfied: execAllowlistMatch(p.Argv, execCfg.Allowlist),
		}
		if p.ApprovalID != "" {
			plan, err := s.cfg.Approvals.Redeem(p.ApprovalID, p.NodeID, execReq)
			if err != nil {
				audit.Record("deny", p.Command, "binding_rejected", "node.invoke", p.NodeID)
				return nil, &rpcError{Code: ErrCodePolicyDenied, Message: err.Error()}
			}
			in.ApprovalDecision = "allow-once"
			p.Argv = plan.Argv
		}

		decision := approval.Evaluate(execReq, in)
		if !decision.Allowed && decision.Reason == approval.ReasonApprovalRequired {
			approvalID := s.cfg.Approvals.Create(p.NodeID, execReq)
			if p.WaitMs > 0 {
				// Blocking ask: hold the call open until the operator
				// resolves the approval or the wait budget runs out.
				waitCtx, cancel := context.WithTimeout(ctx, time.Duration(p.WaitMs)*time.Millisecond)
				resolved, err := s.cfg.Approvals.Await(waitCtx, approvalID)
				cancel()
				switch {
				case err == nil:
					plan, rerr := s.cfg.Approvals.Redeem(approvalID, p.NodeID, execReq)
					if rerr != nil {
						audit.Record("deny", p.Command, "binding_rejected", "node.invoke", p.NodeID)
						return nil, &rpcError{Code: ErrCodePolicyDenied, Message: rerr.Error()}
					}
					in.ApprovalDecision = resolved
					p.Argv = plan.Argv
					decision = approval.Evaluate(execReq, in)
				case errors.Is(err, approval.ErrApprovalDenied):
					audit.Record("deny", p.Command, "approval_denied", "node.invoke", p.NodeID)
					return nil, &rpcError{Code: ErrCodePolicyDenied, Message: "approval denied"}
				}
				// Timeout or caller cancellation falls through: the
				// approval stays open and the caller may retry with
				// approval_id once it is resolved.
			}
			if !decision.Allowed {
				audit.Record("deny", p.Command, approval.ReasonApprovalRequired, "node.invoke", p.NodeID)
				return map[string]any{
					"status":      "approval-required",
					"approval_id": approvalID,
					"message":     decision.Message,
				}, nil
			}
		}
		if !decision.Allowed {
			audit.Record("deny", p.Command, decision.Reason, "node.invoke", p.NodeID)
			return nil, &rpcError{Code: ErrCodePolicyDenied, Message: decision.Message}
		}
	}

	nc, ok := s.getNodeConn(p.NodeID)
	if !ok {
		return nil, &rpcError{Code: ErrCodeInternal, Message: fmt.Sprintf("node %q has no live connection", p.NodeID)}
	}
	notify := &rpcResponse{JSONRPC: "2.0", Method: "node.command", Params: map[string]any{
		"command": p.Command,
		"args":    p.Args,
		"argv":    p.Argv,
		"cwd":     p.Cwd,
	}}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.write(writeCtx, notify); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "node write failed"}
	}
	audit.Record("allow", p.Command, "command_allowed", "node.invoke", p.NodeID)
	return map[string]any{"status": "sent"}, nil
}
