package engine

// Status is the protocol-level result of one execution.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusUnauthorized       Status = "unauthorized"
	StatusUnavailable        Status = "unavailable"
	StatusTooLarge           Status = "too_large"
	StatusPreconditionFailed Status = "precondition_failed"
	// StatusAbandoned means the client went away; nothing should be written.
	StatusAbandoned Status = "abandoned"
	StatusFailed    Status = "failed"
)

// Outcome is what crosses the container boundary. Err carries the full cause
// for logs and audit; Message is the only text meant for the caller.
type Outcome struct {
	Status        Status
	Code          int
	Kind          Kind
	Message       string
	CorrelationID string
	Attempts      int
	Err           error
}

// OK reports whether the handler committed and its response was delivered.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// Respond reports whether the transport should write an error response.
func (o Outcome) Respond() bool {
	return o.Status != StatusOK && o.Status != StatusAbandoned
}
