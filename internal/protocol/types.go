package protocol

import "encoding/json"

// CommandRequest is one command descriptor. A payload carries either one
// of these as an object or an ordered array of them.
type CommandRequest struct {
	Command string `json:"command"`

	// Remote execution over SSH. Ignored unless UseSSH is true.
	UseSSH      bool   `json:"useSsh,omitempty"`
	SSHHost     string `json:"sshHost,omitempty"`
	SSHUser     string `json:"sshUser,omitempty"`
	SSHPassword string `json:"sshPassword,omitempty"`
}

// CommandResult is the per-command outcome. Stdout and Stderr are pointers
// so the merged-stream policy can omit a key entirely while the split
// policy still emits empty strings.
type CommandResult struct {
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
	Error  bool    `json:"error"`
}

// Envelope correlates the echoed request with its response. Request is the
// inbound payload verbatim; Response is a CommandResult for single payloads
// and a []CommandResult for batches.
type Envelope struct {
	Request  json.RawMessage `json:"request"`
	Response any             `json:"response"`
}

// Shape is the top-level form of a request payload.
type Shape int

const (
	ShapeSingle Shape = iota
	ShapeBatch
)

func (s Shape) String() string {
	if s == ShapeBatch {
		return "batch"
	}
	return "single"
}

// Item is one decoded element of a payload. Err is set when the element
// could not be turned into a CommandRequest; the dispatcher reports it as a
// failed result without touching its siblings.
type Item struct {
	Request CommandRequest
	Err     error
}

// Payload is a decoded inbound message.
type Payload struct {
	Raw   json.RawMessage
	Shape Shape
	Items []Item
}

// Str returns a pointer to s, for building CommandResult values.
func Str(s string) *string {
	return &s
}
