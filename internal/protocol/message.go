package protocol

import (
	"encoding/json"
	"time"
)

// Observer-to-hub event types.
const (
	EventRequestStatus        = "request-status"
	EventRequestNodes         = "request-nodes"
	EventRequestStats         = "request-stats"
	EventRequestPerformance   = "request-performance"
	EventRequestTopology      = "request-topology"
	EventRequestGatewayStatus = "request-gateway-status"
	EventNodeAction           = "node-action"
	EventSubscribe            = "subscribe"
	EventUnsubscribe          = "unsubscribe"
)

// Hub-to-observer event types.
const (
	EventBootstrap        = "bootstrap"
	EventStatusUpdate     = "status-update"
	EventNodesUpdate      = "nodes-update"
	EventStatsUpdate      = "stats-update"
	EventTopologyUpdate   = "topology-update"
	EventGatewayStatus    = "gateway-status"
	EventPerformance      = "performance"
	EventAlert            = "alert"
	EventSecurityAlert    = "security-alert"
	EventNodeActionResult = "node-action-result"
	EventServerShutdown   = "server-shutdown"
	EventError            = "error"
)

// Named streams observers can subscribe to.
const (
	StreamNodes    = "nodes"
	StreamStats    = "stats"
	StreamTopology = "topology"
	StreamGateway  = "gateway"
	StreamAlerts   = "alerts"
)

// Message is the envelope for all realtime traffic between the hub and
// its observers. Payload holds the event-specific body.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewMessage creates a timestamped message.
func NewMessage(msgType string, payload any) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a message from JSON. Payloads decode as
// map[string]any; use util.ConvertMapToStruct for typed access.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Alert is the payload of alert and security-alert events.
type Alert struct {
	NodeID   string    `json:"node_id"`
	Severity string    `json:"severity"`
	From     NodeState `json:"from,omitempty"`
	To       NodeState `json:"to,omitempty"`
	Message  string    `json:"message"`
}
