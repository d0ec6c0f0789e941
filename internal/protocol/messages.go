package protocol

import "time"

// SynthesisRequest asks the runtime to synthesize text over the bus. The reply
// carries WAV bytes with a Tts-Status header.
type SynthesisRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
}

// SynthesisStatus is broadcast after every bus request completes.
type SynthesisStatus struct {
	RequestID string    `json:"request_id"`
	Transport string    `json:"transport"`
	Status    int       `json:"status"`
	Error     string    `json:"error,omitempty"`
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Capability describes what a node serves.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnouncement is published once on start and in reply to discovery.
type NodeAnnouncement struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat is published periodically with the worker state.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSynthesize = "tts.synthesize"
	SubjectDone       = "tts.done"

	SubjectAnnounce        = "ctrl.node.announce"
	SubjectDiscover        = "ctrl.node.discover"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."

	HeaderStatus    = "Tts-Status"
	HeaderError     = "Tts-Error"
	HeaderRequestID = "Tts-Request-Id"
)
