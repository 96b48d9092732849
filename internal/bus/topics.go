package bus

// Subagent lifecycle topics.
const (
	TopicSubagentStarted   = "subagent.started"
	TopicSubagentErrored   = "subagent.errored"
	TopicSubagentEnded     = "subagent.ended"
	TopicSubagentAnnounced = "subagent.announced"
)

// Chat topics.
const (
	TopicChatInject = "chat.inject"
)

// ChatInjectEvent carries an operator-injected message into a session's
// conversation stream.
type ChatInjectEvent struct {
	SessionKey string
	Text       string
}

// Authorization topics.
const (
	TopicAuthDenied      = "auth.denied"
	TopicAuthRateLimited = "auth.rate_limited"
)

// Node topics. Canvas frames are published under a per-node suffix
// (TopicCanvasFrame + "." + nodeID) so viewers can subscribe to exactly
// the node their grant covers.
const (
	TopicNodeConnected    = "node.connected"
	TopicNodeDisconnected = "node.disconnected"
	TopicNodeCommand      = "node.command"
	TopicCanvasFrame      = "node.canvas.frame"
)

// CanvasFrameEvent carries one canvas frame forwarded from a node to its
// viewers.
type CanvasFrameEvent struct {
	NodeID string
	Frame  map[string]any
}

// SubagentStateEvent is published whenever a run's lifecycle state changes.
type SubagentStateEvent struct {
	RunID      string // run id
	SessionKey string // child session key
	OldState   string // previous state (e.g. pending)
	NewState   string // new state (e.g. running)
}

// SubagentAnnouncedEvent is published exactly once per run when the terminal
// outcome is announced.
type SubagentAnnouncedEvent struct {
	RunID  string
	Status string // "ok" or "error"
	Error  string // original error text when Status == "error"
}

// AuthDeniedEvent is published when a connection attempt is rejected.
type AuthDeniedEvent struct {
	Reason     string // reason code (token_missing, token_mismatch, ...)
	RemoteAddr string
}

// NodeCommandEvent is published for every node command policy decision.
type NodeCommandEvent struct {
	NodeID  string
	Command string
	Allowed bool
}
