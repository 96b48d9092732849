package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nodegate/internal/bus"
	"github.com/basket/nodegate/internal/nodes"
	"github.com/basket/nodegate/internal/subagents"
)

// nodeHello is the first frame a node sends after its socket is accepted.
// Commands lists the node's declared capabilities; the command policy
// rejects anything the node did not declare, so an empty list means the
// node can be asked to do nothing.
type nodeHello struct {
	NodeID       string   `json:"node_id"`
	Platform     string   `json:"platform"`
	DeviceFamily string   `json:"device_family"`
	Commands     []string `json:"commands"`
}

// nodeEvent is an inbound frame from a connected node after the hello.
type nodeEvent struct {
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	EndedAt string         `json:"ended_at,omitempty"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (nc *nodeConn) write(ctx context.Context, payload any) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return wsjson.Write(ctx, nc.conn, payload)
}

func (s *Server) getNodeConn(nodeID string) (*nodeConn, bool) {
	s.nodeConnsMu.RLock()
	defer s.nodeConnsMu.RUnlock()
	nc, ok := s.nodeConns[nodeID]
	return nc, ok
}

// handleNodeWS serves device connections. Nodes always authenticate with
// the full chain (usually bearer); after the hello frame registers the
// session, inbound frames are lifecycle events and command results.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	decision := s.authorizer().Authorize(r)
	if !decision.Authorized {
		s.denyRequest(r, decision)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}

	helloCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	var hello nodeHello
	err = wsjson.Read(helloCtx, conn, &hello)
	cancel()
	if err != nil || hello.NodeID == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	sess := &nodes.Session{
		ID:               hello.NodeID,
		Platform:         hello.Platform,
		DeviceFamily:     hello.DeviceFamily,
		DeclaredCommands: hello.Commands,
	}
	if err := s.cfg.Nodes.Register(sess); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}
	nc := &nodeConn{conn: conn, session: sess}
	s.nodeConnsMu.Lock()
	s.nodeConns[hello.NodeID] = nc
	s.nodeConnsMu.Unlock()

	s.logger.Info("node connected",
		"node_id", hello.NodeID,
		"platform", string(nodes.ResolvePlatform(hello.Platform, hello.DeviceFamily)),
		"commands", len(hello.Commands),
	)
	s.cfg.Bus.Publish(bus.TopicNodeConnected, hello.NodeID)

	// Teardown is idempotent: the deferred path and any concurrent
	// deregistration both tolerate the entry already being gone.
	defer func() {
		s.nodeConnsMu.Lock()
		if s.nodeConns[hello.NodeID] == nc {
			delete(s.nodeConns, hello.NodeID)
		}
		s.nodeConnsMu.Unlock()
		s.cfg.Nodes.Deregister(hello.NodeID)
		s.canvas.RevokeForNode(hello.NodeID)
		s.cfg.Bus.Publish(bus.TopicNodeDisconnected, hello.NodeID)
		s.logger.Info("node disconnected", "node_id", hello.NodeID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var ev nodeEvent
		if err := wsjson.Read(r.Context(), conn, &ev); err != nil {
			return
		}
		switch ev.Type {
		case "lifecycle":
			s.cfg.Registry.HandleEvent(subagents.Event{
				RunID:   ev.RunID,
				Phase:   subagents.Phase(ev.Phase),
				EndedAt: parseEventTime(ev.EndedAt),
				Error:   ev.Error,
			})
		case "canvas.frame":
			s.cfg.Bus.Publish(bus.TopicCanvasFrame+"."+hello.NodeID, bus.CanvasFrameEvent{
				NodeID: hello.NodeID,
				Frame:  ev.Payload,
			})
		default:
			s.logger.Debug("node frame ignored", "node_id", hello.NodeID, "type", ev.Type)
		}
	}
}
