package daemon

import "fmt"

// ProtocolError wraps a failure in the framing layer itself (a bad read,
// write, or flush) with the operation that was in flight, to distinguish it
// from an application-level failure reported by the daemon.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("daemon: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }
