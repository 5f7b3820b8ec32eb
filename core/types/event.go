package types

// Event is the canonical, transport-friendly form of an escrow state change.
// Attribute values are strings so the payload can be streamed as JSON or
// persisted without further encoding decisions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
