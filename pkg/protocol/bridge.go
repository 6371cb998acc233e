// Package protocol defines the JSON frames exchanged with a WhatsApp bridge
// over its WebSocket and webhook interfaces.
package protocol

// ProtocolVersion is the bridge frame format version this build speaks.
const ProtocolVersion = 1

// Frame types (the "type" field).
const (
	FrameMessage = "message" // inbound user message, or outbound reply
	FrameReceipt = "receipt" // delivery/read receipts, ignored
	FrameStatus  = "status"  // bridge connection status, ignored
)

// OutboundFrame is the reply written to the bridge socket.
type OutboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}
