// Package bridge relays one chat turn from a caller to the upstream agent and
// streams the agent's text back through a Sink.
package bridge

// Error codes carried in ErrorEntry.Code.
const (
	CodeUnauthorized    = "unauthorized"
	CodeInvalidRequest  = "invalid_request"
	CodeSessionCreation = "session_creation_failed"
	CodeUpstream        = "upstream_unavailable"
	CodeUpstreamTimeout = "upstream_timeout"
	CodeInternal        = "internal_error"
)

// ErrorEntry describes one failure reported to the caller.
type ErrorEntry struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Identifier string `json:"identifier"`
}

// Sink receives the downstream events of one request. Ack comes first, Text
// any number of times, then exactly one of Errors or Done. KeepAlive may be
// interleaved between Ack and the terminal event. Implementations are only
// ever called from the request's own goroutine.
type Sink interface {
	Ack() error
	Text(fragment string) error
	Errors(entries []ErrorEntry) error
	Done() error
	KeepAlive() error
}

// Outcome is how a request ended.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// Result summarizes a handled request.
type Result struct {
	Outcome      Outcome
	Handle       string
	Fragments    int
	DecodeErrors int
	ErrorCode    string
	Partial      bool
}
