package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nodegate/internal/approval"
	"github.com/basket/nodegate/internal/bus"
	"github.com/basket/nodegate/internal/config"
	"github.com/basket/nodegate/internal/nodes"
	"github.com/basket/nodegate/internal/persistence"
	"github.com/basket/nodegate/internal/subagents"
)

type stubRunner struct {
	reply string
	err   error
	delay time.Duration
}

func (sr *stubRunner) Run(ctx context.Context, params AgentParams) (AgentResult, error) {
	if sr.delay > 0 {
		select {
		case <-time.After(sr.delay):
		case <-ctx.Done():
			return AgentResult{}, ctx.Err()
		}
	}
	if sr.err != nil {
		return AgentResult{}, sr.err
	}
	return AgentResult{Reply: sr.reply}, nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New()
	cfg := Config{
		Auth:              config.AuthConfig{Token: "secret"},
		Exec:              config.ExecConfig{Security: "allowlist", Ask: "on-miss"},
		ProtectedRoutes:   []string{"/api/channels"},
		ConfigFingerprint: "cfg-test",
		Bus:               eventBus,
		Registry:          subagents.NewRegistry(subagents.Config{Grace: time.Hour, ArchiveAfter: time.Hour, Bus: eventBus}),
		Nodes:             nodes.NewStore(),
		Approvals:         approval.NewStore(time.Second, nil),
		Store:             store,
		Runner:            &stubRunner{reply: "done"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	var resp rpcResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read %s response: %v", method, err)
	}
	return resp
}

func resultMap(t *testing.T, resp rpcResponse) map[string]any {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want object", resp.Result)
	}
	return m
}

func TestServer_HelloAndStatus(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	hello := resultMap(t, call(t, conn, 1, "system.hello", nil))
	if hello["protocol"] != "nodegate" {
		t.Fatalf("hello = %v", hello)
	}
	status := resultMap(t, call(t, conn, 2, "system.status", nil))
	if status["config_fingerprint"] != "cfg-test" {
		t.Fatalf("status = %v", status)
	}
}

func TestServer_MutatingRequiresHello(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	resp := call(t, conn, 1, "sessions.patch", map[string]any{
		"session_key": "tg:1", "fields": map[string]any{"topic": "x"},
	})
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "system.hello") {
		t.Fatalf("expected handshake error, got %+v", resp)
	}
}

func TestServer_AgentDispatchAndWait(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	started := resultMap(t, call(t, conn, 2, "agent", map[string]any{
		"session_key": "tg:1", "message": "hello",
	}))
	runID, _ := started["run_id"].(string)
	if runID == "" {
		t.Fatalf("agent result = %v", started)
	}

	waited := resultMap(t, call(t, conn, 3, "agent.wait", map[string]any{"run_id": runID}))
	if waited["status"] != "ok" || waited["reply"] != "done" {
		t.Fatalf("agent.wait = %v", waited)
	}
}

func TestServer_SubagentRunAnnounced(t *testing.T) {
	announced := make(chan subagents.Outcome, 1)
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.Registry = subagents.NewRegistry(subagents.Config{
			Grace:        time.Hour,
			ArchiveAfter: time.Hour,
			Announce: func(run subagents.Snapshot, outcome subagents.Outcome) error {
				announced <- outcome
				return nil
			},
		})
	})
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	started := resultMap(t, call(t, conn, 2, "agent", map[string]any{
		"session_key": "tg:1",
		"message":     "spawn",
		"subagent":    map[string]any{"task": "summarize"},
	}))
	runID := started["run_id"].(string)

	select {
	case outcome := <-announced:
		if outcome.Status != "ok" {
			t.Fatalf("outcome = %+v, want ok", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run was never announced")
	}
	if snap, ok := srv.cfg.Registry.Get(runID); !ok || snap.State != subagents.StateEnded {
		t.Fatalf("run state = %+v", snap)
	}
}

func TestServer_AnnounceOutcomeBroadcasts(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	go func() {
		_ = srv.AnnounceOutcome(subagents.Snapshot{RunID: "r1", Task: "summarize"}, subagents.Outcome{Status: "ok"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame rpcResponse
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if frame.Method != "subagent.outcome" {
		t.Fatalf("frame method = %q", frame.Method)
	}
}

func TestServer_SchemaRejectsBadParams(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	resp := call(t, conn, 2, "agent", map[string]any{"session_key": "tg:1"})
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalid {
		t.Fatalf("expected schema rejection, got %+v", resp)
	}
}

func TestServer_NodeInvokePolicy(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	// A connected phone that declared only canvas.present.
	if err := srv.cfg.Nodes.Register(&nodes.Session{
		ID:               "phone-1",
		Platform:         "ios",
		DeclaredCommands: []string{nodes.CmdCanvasPresent},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Dangerous command: not in any default allowlist.
	resp := call(t, conn, 2, "node.invoke", map[string]any{
		"node_id": "phone-1", "command": nodes.CmdCameraSnap,
	})
	if resp.Error == nil || resp.Error.Code != ErrCodePolicyDenied {
		t.Fatalf("expected policy denial, got %+v", resp)
	}

	// Allowed by platform defaults but undeclared by the node.
	resp = call(t, conn, 3, "node.invoke", map[string]any{
		"node_id": "phone-1", "command": nodes.CmdLocationGet,
	})
	if resp.Error == nil || resp.Error.Code != ErrCodePolicyDenied {
		t.Fatalf("undeclared command must be denied, got %+v", resp)
	}

	// Unknown node.
	resp = call(t, conn, 4, "node.invoke", map[string]any{
		"node_id": "ghost", "command": nodes.CmdCanvasPresent,
	})
	if resp.Error == nil {
		t.Fatalf("unknown node must fail, got %+v", resp)
	}
}

func TestServer_SystemRunApprovalFlow(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.Exec = config.ExecConfig{Security: "allowlist", Ask: "on-miss"}
	})
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	if err := srv.cfg.Nodes.Register(&nodes.Session{
		ID:               "desktop-1",
		Platform:         "macos",
		DeclaredCommands: []string{nodes.CmdSystemRun},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Not allowlisted: the invocation parks as an open approval.
	res := resultMap(t, call(t, conn, 2, "node.invoke", map[string]any{
		"node_id":     "desktop-1",
		"command":     nodes.CmdSystemRun,
		"argv":        []string{"rm", "-rf", "/tmp/scratch"},
		"session_key": "tg:1",
	}))
	if res["status"] != "approval-required" {
		t.Fatalf("expected approval-required, got %v", res)
	}
	approvalID, _ := res["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("approval id missing")
	}
	if srv.cfg.Approvals.PendingCount() != 1 {
		t.Fatalf("pending approvals = %d, want 1", srv.cfg.Approvals.PendingCount())
	}

	// The parked approval is discoverable by operator surfaces.
	listed := resultMap(t, call(t, conn, 3, "approvals.list", nil))
	pending, _ := listed["pending"].([]any)
	if len(pending) != 1 {
		t.Fatalf("approvals.list = %v", listed)
	}
	entry, _ := pending[0].(map[string]any)
	if entry["approval_id"] != approvalID || entry["node_id"] != "desktop-1" {
		t.Fatalf("approvals.list entry = %v", entry)
	}
}

// waitForSubscriber blocks until the bus gains a subscription beyond the
// baseline. The canvas handler subscribes after the WebSocket handshake, so
// tests must not publish before the subscription lands.
func waitForSubscriber(t *testing.T, srv *Server, base int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.cfg.Bus.SubscriberCount() <= base {
		if time.Now().After(deadline) {
			t.Fatal("viewer subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_CanvasViewerScopedByCapabilityToken(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	call(t, conn, 1, "system.hello", nil)

	if err := srv.cfg.Nodes.Register(&nodes.Session{
		ID:               "tablet-1",
		Platform:         "ios",
		DeclaredCommands: []string{nodes.CmdCanvasPresent},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	minted := resultMap(t, call(t, conn, 2, "canvas.token", map[string]any{
		"node_id": "tablet-1", "canvas_session_id": "cv-1",
	}))
	token, _ := minted["token"].(string)
	if token == "" {
		t.Fatalf("canvas.token = %v", minted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The forwarding header defeats the local-direct shortcut, so the
	// capability token is the credential actually exercised.
	forwarded := http.Header{"X-Forwarded-For": []string{"203.0.113.9"}}

	badURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/canvas?token=bogus"
	if c, _, err := websocket.Dial(ctx, badURL, &websocket.DialOptions{HTTPHeader: forwarded}); err == nil {
		_ = c.Close(websocket.StatusNormalClosure, "bye")
		t.Fatal("viewer with a bad token must be rejected")
	}

	base := srv.cfg.Bus.SubscriberCount()
	viewerURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/canvas?token=" + token
	viewer, _, err := websocket.Dial(ctx, viewerURL, &websocket.DialOptions{HTTPHeader: forwarded})
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer viewer.Close(websocket.StatusNormalClosure, "bye")
	waitForSubscriber(t, srv, base)

	// A frame from another node published first must never arrive; the
	// granted node's frame published after it must be the first delivery.
	srv.cfg.Bus.Publish(bus.TopicCanvasFrame+".tablet-2", bus.CanvasFrameEvent{
		NodeID: "tablet-2", Frame: map[string]any{"seq": "other"},
	})
	srv.cfg.Bus.Publish(bus.TopicCanvasFrame+".tablet-1", bus.CanvasFrameEvent{
		NodeID: "tablet-1", Frame: map[string]any{"seq": "mine"},
	})

	var got map[string]any
	if err := wsjson.Read(ctx, viewer, &got); err != nil {
		t.Fatalf("read viewer frame: %v", err)
	}
	payload, _ := got["payload"].(map[string]any)
	frame, _ := payload["Frame"].(map[string]any)
	if payload["NodeID"] != "tablet-1" || frame["seq"] != "mine" {
		t.Fatalf("viewer received a frame for another node: %v", got)
	}
}

func TestServer_CanvasViewerBearerKeepsWideView(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := srv.cfg.Bus.SubscriberCount()
	viewerURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/canvas"
	viewer, _, err := websocket.Dial(ctx, viewerURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization":   []string{"Bearer secret"},
			"X-Forwarded-For": []string{"203.0.113.9"},
		},
	})
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer viewer.Close(websocket.StatusNormalClosure, "bye")
	waitForSubscriber(t, srv, base)

	srv.cfg.Bus.Publish(bus.TopicCanvasFrame+".tablet-2", bus.CanvasFrameEvent{
		NodeID: "tablet-2", Frame: map[string]any{"seq": "any"},
	})
	var got map[string]any
	if err := wsjson.Read(ctx, viewer, &got); err != nil {
		t.Fatalf("read viewer frame: %v", err)
	}
	if got["topic"] != bus.TopicCanvasFrame+".tablet-2" {
		t.Fatalf("frame topic = %v", got["topic"])
	}
}

func TestServer_NodeInvokeBlockingApproval(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.Approvals = approval.NewStore(5*time.Second, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A live desktop node declaring host exec.
	nodeURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/node/ws"
	nodeConn, _, err := websocket.Dial(ctx, nodeURL, nil)
	if err != nil {
		t.Fatalf("dial node: %v", err)
	}
	defer nodeConn.Close(websocket.StatusNormalClosure, "bye")
	if err := wsjson.Write(ctx, nodeConn, map[string]any{
		"node_id": "desktop-1", "platform": "macos", "commands": []string{nodes.CmdSystemRun},
	}); err != nil {
		t.Fatalf("node hello: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := srv.cfg.Nodes.Get("desktop-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	caller := dialWS(t, ts)
	call(t, caller, 1, "system.hello", nil)

	type invokeOutcome struct {
		resp rpcResponse
		err  error
	}
	done := make(chan invokeOutcome, 1)
	go func() {
		req := map[string]any{"jsonrpc": "2.0", "id": 2, "method": "node.invoke", "params": map[string]any{
			"node_id":     "desktop-1",
			"command":     nodes.CmdSystemRun,
			"argv":        []string{"git", "fetch"},
			"session_key": "tg:1",
			"wait_ms":     4000,
		}}
		if err := wsjson.Write(ctx, caller, req); err != nil {
			done <- invokeOutcome{err: err}
			return
		}
		var resp rpcResponse
		err := wsjson.Read(ctx, caller, &resp)
		done <- invokeOutcome{resp: resp, err: err}
	}()

	// A second operator connection discovers the parked approval and
	// allows it while the first call is still blocked.
	operator := dialWS(t, ts)
	call(t, operator, 1, "system.hello", nil)
	var approvalID string
	deadline = time.Now().Add(3 * time.Second)
	for approvalID == "" {
		if time.Now().After(deadline) {
			t.Fatal("approval never appeared")
		}
		listed := resultMap(t, call(t, operator, 2, "approvals.list", nil))
		if pending, _ := listed["pending"].([]any); len(pending) == 1 {
			entry, _ := pending[0].(map[string]any)
			approvalID, _ = entry["approval_id"].(string)
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	call(t, operator, 3, "approvals.resolve", map[string]any{
		"approval_id": approvalID, "decision": "allow-once",
	})

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("blocked invoke: %v", out.err)
		}
		if out.resp.Error != nil {
			t.Fatalf("blocked invoke error: %+v", out.resp.Error)
		}
		res, _ := out.resp.Result.(map[string]any)
		if res["status"] != "sent" {
			t.Fatalf("blocked invoke result = %v", out.resp.Result)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("blocked invoke never returned")
	}

	// The command reached the node, and the allow-once grant is consumed.
	var notify rpcResponse
	if err := wsjson.Read(ctx, nodeConn, &notify); err != nil {
		t.Fatalf("read node command: %v", err)
	}
	if notify.Method != "node.command" {
		t.Fatalf("node frame method = %q", notify.Method)
	}
	params, _ := notify.Params.(map[string]any)
	argv, _ := params["argv"].([]any)
	if len(argv) != 2 || argv[0] != "git" {
		t.Fatalf("node command argv = %v", params["argv"])
	}
	if srv.cfg.Approvals.PendingCount() != 0 {
		t.Fatalf("allow-once approval not consumed, pending = %d", srv.cfg.Approvals.PendingCount())
	}
}

func TestServer_ProtectedRouteRequiresBearer(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/channels")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/channels", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with bearer: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["channels"]; !ok {
		t.Fatalf("body = %v", body)
	}
}

func TestServer_ReloadSwapsAuthAndFingerprint(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	srv.Reload(ReloadConfig{
		Auth:              config.AuthConfig{Token: "rotated"},
		Exec:              config.ExecConfig{Security: "allowlist", Ask: "on-miss"},
		ProtectedRoutes:   []string{"/api/channels"},
		ConfigFingerprint: "cfg-rotated",
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/channels", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with old bearer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token status = %d, want 401", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/channels", nil)
	req2.Header.Set("Authorization", "Bearer rotated")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("get with new bearer: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("new token status = %d, want 200", resp2.StatusCode)
	}

	if got := srv.configFingerprint(); got != "cfg-rotated" {
		t.Fatalf("fingerprint = %q, want cfg-rotated", got)
	}
}

func TestServer_RateLimitedRequestGets429(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, MaxRequests: 1, WindowMs: 60000}
	})

	get := func() int {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/channels", nil)
		req.Header.Set("Authorization", "Bearer secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}
	if code := get(); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := get(); code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", code)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)
	resp := call(t, conn, 1, "no.such.method", nil)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp)
	}
}

func TestAnalyzeArgv(t *testing.T) {
	cases := []struct {
		argv []string
		want bool
	}{
		{[]string{"git", "status"}, true},
		{[]string{}, false},
		{[]string{" "}, false},
		{[]string{"sh", "-c", "echo hi; rm -rf /"}, false},
		{[]string{"echo", "$HOME"}, false},
	}
	for _, tc := range cases {
		if got := analyzeArgv(tc.argv); got != tc.want {
			t.Fatalf("analyzeArgv(%v) = %v, want %v", tc.argv, got, tc.want)
		}
	}
}

func TestExecAllowlistMatch(t *testing.T) {
	allowlist := []string{"git", "ls -la"}
	if !execAllowlistMatch([]string{"git", "pull"}, allowlist) {
		t.Fatal("argv[0] match must hit")
	}
	if !execAllowlistMatch([]string{"ls", "-la"}, allowlist) {
		t.Fatal("full command line match must hit")
	}
	if execAllowlistMatch([]string{"rm", "-rf", "/"}, allowlist) {
		t.Fatal("unlisted command must miss")
	}
}

func TestHostOSForPlatform(t *testing.T) {
	if got := hostOSForPlatform(nodes.PlatformWindows); got != "windows" {
		t.Fatalf("windows → %q", got)
	}
	if got := hostOSForPlatform(nodes.PlatformUnknown); got != "" {
		t.Fatalf("unknown → %q, want empty", got)
	}
}
