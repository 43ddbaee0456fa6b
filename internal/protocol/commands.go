package protocol

// Command types a coordinator may push to a peer in a heartbeat response.
// Unknown types must be logged and skipped by the agent, never treated as
// fatal to the heartbeat loop.
const (
	CommandRestartSelf    = "restart-self"
	CommandApplyConfig    = "apply-config"
	CommandRunDiagnostics = "run-diagnostics"
)

// Command is one instruction for a peer agent.
type Command struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Parameter keys understood by apply-config.
const (
	ParamHeartbeatInterval = "heartbeat_interval"
)
