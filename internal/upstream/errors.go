package upstream

import "fmt"

// ErrorKind classifies upstream failures for recovery decisions.
type ErrorKind string

const (
	KindHTTP    ErrorKind = "http"
	KindDecode  ErrorKind = "decode"
	KindTimeout ErrorKind = "timeout"
	KindNetwork ErrorKind = "network"
)

// Error is the single error type surfaced by the upstream client.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: %s status %d: %v", e.Endpoint, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an upstream Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ue, ok := err.(*Error)
	return ok && ue.Kind == kind
}
