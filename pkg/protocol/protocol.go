// Package protocol defines the wire contract between shell clients and hintd.
// Messages are JSON envelopes sent over a Unix domain socket, one per line.
// The message type set is closed: unknown types are rejected at the boundary
// instead of being duck-typed from their fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a request variant.
type MessageType string

const (
	TypePing       MessageType = "PING"
	TypeLogCommand MessageType = "LOG_COMMAND"
	TypeSuggest    MessageType = "SUGGEST"
	TypeSearch     MessageType = "SEARCH"
	TypeStatus     MessageType = "STATUS"
)

// Error kinds returned in the "kind" field of an error response.
const (
	KindProtocol = "protocol"
	KindPolicy   = "policy"
	KindInternal = "internal"
)

// Envelope is the outer request frame: a type tag plus a type-specific payload.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes and validates a request frame. Unknown message types
// and malformed JSON are both protocol errors.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	switch env.Type {
	case TypePing, TypeLogCommand, TypeSuggest, TypeSearch, TypeStatus:
		return &env, nil
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Decode unmarshals the envelope payload into a request struct.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// Error describes a daemon-side failure returned to the client. The
// connection stays open after an error response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse wraps an Error in the response shape clients match on.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// NewError builds an error response.
func NewError(kind, message string) *ErrorResponse {
	return &ErrorResponse{Error: &Error{Kind: kind, Message: message}}
}

// PingResponse acknowledges a PING. It doubles as the liveness probe reply
// used to detect a daemon already bound to the socket path.
type PingResponse struct {
	OK bool `json:"ok"`
}

// LogCommandRequest reports one executed shell command for ingestion.
type LogCommandRequest struct {
	// Command is the command line exactly as executed.
	Command string `json:"command"`
	// Cwd is the working directory the command ran in.
	Cwd string `json:"cwd"`
	// Timestamp is the execution time in Unix seconds. Zero means now.
	Timestamp int64 `json:"timestamp,omitempty"`
	// ExitCode is the command's exit status. nil means unknown.
	ExitCode *int `json:"exit_code,omitempty"`
	// Duration is the wall-clock run time in seconds.
	Duration float64 `json:"duration,omitempty"`
	// SessionID identifies the shell session. Empty means the daemon
	// assigns one.
	SessionID string `json:"session_id,omitempty"`
}

// LogCommandResponse returns the id of the persisted record.
type LogCommandResponse struct {
	ID int64 `json:"id"`
}

// SuggestRequest asks for ranked completions of a partially typed command.
type SuggestRequest struct {
	// Partial is the command line typed so far.
	Partial string `json:"partial"`
	// Cwd is the shell's current working directory.
	Cwd string `json:"cwd"`
	// History is the session's recent commands, oldest first.
	History []string `json:"history"`
	// Limit is the maximum number of suggestions to return.
	Limit int `json:"limit,omitempty"`
	// MinConfidence drops suggestions below this normalized confidence.
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// SafetyVerdict classifies a suggestion's destructive risk. It annotates,
// never filters: hiding risky commands is a client decision.
type SafetyVerdict struct {
	Level           string   `json:"level"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	Rationale       string   `json:"rationale,omitempty"`
}

// Suggestion is one ranked completion candidate.
type Suggestion struct {
	Command    string        `json:"command"`
	Confidence float64       `json:"confidence"`
	Source     string        `json:"source"`
	Safety     SafetyVerdict `json:"safety"`
}

// SuggestResponse carries suggestions sorted by descending confidence.
type SuggestResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
}

// SearchRequest is a full-text lookup over stored commands.
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// CommandRecord is the wire form of one stored command.
type CommandRecord struct {
	ID        int64   `json:"id"`
	Command   string  `json:"command"`
	Cwd       string  `json:"cwd"`
	Timestamp int64   `json:"timestamp"`
	ExitCode  *int    `json:"exit_code,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// SearchResponse carries full-text search results, newest first.
type SearchResponse struct {
	Results []CommandRecord `json:"results"`
}

// StatusResponse reports daemon health and counters.
type StatusResponse struct {
	Running           bool  `json:"running"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
	CommandsLogged    int64 `json:"commands_logged"`
	SuggestionsServed int64 `json:"suggestions_served"`
}

// Encode marshals a request envelope for sending. Used by clients and tests.
func Encode(t MessageType, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: t, Data: raw})
}
