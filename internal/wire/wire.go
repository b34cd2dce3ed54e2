// Package wire defines the discriminated message vocabulary carried inside
// every frame.Decoder value: commands, sequenced commands, and the control
// messages exchanged during the join/catch-up handshake.
package wire

import "encoding/json"

// Command is the client-to-coordinator message. Text is opaque to the core;
// only the sequencer's dispatch step gives it meaning.
type Command struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

// SequencedCommand is the coordinator-to-clients message, and the element
// type of the session log. Timestamp is wall-clock at admission and is
// informational only; it must never be used to order commands.
type SequencedCommand struct {
	Seq       uint64  `json:"seq"`
	Timestamp float64 `json:"timestamp"`
	Command   Command `json:"command"`
}

// Control message type discriminators.
const (
	TypeSnapshotZip    = "snapshot_zip"
	TypeInitialWorld   = "initial_world"
	TypeHistoryMeta    = "history_meta"
	TypeHistoryRequest = "history_request"
	TypeHistoryPage    = "history_page"
	TypeReset          = "reset"
)

// SnapshotZip carries the participant-code bundle sent once per connection
// before any sequenced commands. The coordinator only streams the bytes; it
// never interprets them.
type SnapshotZip struct {
	Type string `json:"type"`
	Name string `json:"name"`
	B64  string `json:"b64"`
}

// NewSnapshotZip builds a SnapshotZip control message.
func NewSnapshotZip(name, b64 string) SnapshotZip {
	return SnapshotZip{Type: TypeSnapshotZip, Name: name, B64: b64}
}

// InitialWorld carries the session's starting world document.
type InitialWorld struct {
	Type  string          `json:"type"`
	World json.RawMessage `json:"world"`
}

// NewInitialWorld builds an InitialWorld control message.
func NewInitialWorld(world json.RawMessage) InitialWorld {
	return InitialWorld{Type: TypeInitialWorld, World: world}
}

// HistoryMeta tells a newly connected client the current highest seq and the
// page size the coordinator will honor for history_request.
type HistoryMeta struct {
	Type        string `json:"type"`
	HighestSeq  uint64 `json:"highest_seq"`
	PageSize    uint   `json:"page_size"`
}

// NewHistoryMeta builds a HistoryMeta control message.
func NewHistoryMeta(highestSeq uint64, pageSize uint) HistoryMeta {
	return HistoryMeta{Type: TypeHistoryMeta, HighestSeq: highestSeq, PageSize: pageSize}
}

// HistoryRequest is sent client to coordinator during catch-up.
type HistoryRequest struct {
	Type string `json:"type"`
	From uint64 `json:"from"`
}

// NewHistoryRequest builds a HistoryRequest control message.
func NewHistoryRequest(from uint64) HistoryRequest {
	return HistoryRequest{Type: TypeHistoryRequest, From: from}
}

// HistoryPage is the coordinator's reply to a HistoryRequest: a contiguous,
// ascending, size-bounded slice of the session log.
type HistoryPage struct {
	Type     string             `json:"type"`
	Commands []SequencedCommand `json:"commands"`
}

// NewHistoryPage builds a HistoryPage control message.
func NewHistoryPage(commands []SequencedCommand) HistoryPage {
	if commands == nil {
		commands = []SequencedCommand{}
	}
	return HistoryPage{Type: TypeHistoryPage, Commands: commands}
}

// Reset instructs clients to purge local state and restart from world.
type Reset struct {
	Type  string          `json:"type"`
	World json.RawMessage `json:"world"`
}

// NewReset builds a Reset control message.
func NewReset(world json.RawMessage) Reset {
	return Reset{Type: TypeReset, World: world}
}

// Envelope is the minimal shape used to sniff a decoded frame's discriminator
// before dispatching to a concrete type. A frame missing both type and seq is
// dropped by the caller, per spec.
type Envelope struct {
	Type string  `json:"type"`
	Seq  *uint64 `json:"seq"`
}

// Sniff inspects raw for a type discriminator or a seq field, returning
// ("", false) when neither is present (the frame must be dropped).
func Sniff(raw json.RawMessage) (msgType string, isSequenced bool, ok bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false, false
	}
	if env.Type != "" {
		return env.Type, false, true
	}
	if env.Seq != nil {
		return "", true, true
	}
	return "", false, false
}
