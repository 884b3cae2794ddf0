package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the "type" field of every outbound event
type EventType string

const (
	TypeStart   EventType = "start"
	TypeContent EventType = "content"
	TypeDone    EventType = "done"
	TypeAborted EventType = "aborted"
	TypeError   EventType = "error"
)

// Error codes carried by a terminal error event
const (
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeStreamInterrupted   = "stream_interrupted"
	CodeIdleTimeout         = "idle_timeout"
	CodeUpstreamError       = "upstream_error"
)

var ErrMalformedEvent = errors.New("malformed event")

// Payload is the JSON body of one relay event.
type Payload struct {
	Type           EventType `json:"type"`
	Delta          string    `json:"delta,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Terminal reports whether no event may follow this one
func (p Payload) Terminal() bool {
	return p.Type == TypeDone || p.Type == TypeAborted || p.Type == TypeError
}

// Event represents an SSE event to be sent to clients
type Event struct {
	// Event is the SSE event type. If empty, no "event:" line will be written
	Event string

	// Data is the payload to send (will be JSON-encoded if not a string)
	Data interface{}
}

// Send writes an SSE event to the given writer and flushes immediately.
// A flush error means the peer is gone.
func Send(w *bufio.Writer, event Event) error {
	if event.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
			return fmt.Errorf("failed to write event type: %w", err)
		}
	}

	var dataStr string
	switch v := event.Data.(type) {
	case string:
		dataStr = v
	case []byte:
		dataStr = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		dataStr = string(data)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", dataStr); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	return w.Flush()
}

// SendPayload writes one relay event
func SendPayload(w *bufio.Writer, p Payload) error {
	return Send(w, Event{Data: p})
}

func SendStart(w *bufio.Writer, sessionID, conversationID string) error {
	return SendPayload(w, Payload{Type: TypeStart, SessionID: sessionID, ConversationID: conversationID})
}

func SendContent(w *bufio.Writer, delta string) error {
	return SendPayload(w, Payload{Type: TypeContent, Delta: delta})
}

func SendDone(w *bufio.Writer) error {
	return SendPayload(w, Payload{Type: TypeDone})
}

func SendAborted(w *bufio.Writer) error {
	return SendPayload(w, Payload{Type: TypeAborted})
}

// SendError sends a terminal error event
func SendError(w *bufio.Writer, code, message string) error {
	return SendPayload(w, Payload{Type: TypeError, Code: code, Message: message})
}

// SendKeepAlive sends a comment (: ping) to keep the connection alive
// Useful for long-running operations to prevent proxy timeouts
func SendKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	return w.Flush()
}

// ParseLine decodes one complete line of a relay stream. ok is false for
// blank lines, comments and non-data fields.
func ParseLine(line []byte) (p Payload, ok bool, err error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte("data:")) {
		return Payload{}, false, nil
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 {
		return Payload{}, false, nil
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.Type == "" {
		return Payload{}, false, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return p, true, nil
}
