package daemon

import (
	"errors"
	"fmt"
	"io"
)

// Framed stderr tags. The daemon may emit any number of these between a
// request and its reply; STDERR_LAST ends the drain and hands control back
// to the op's own reply decoder.
const (
	stderrNext          = 0x6f6c6d67
	stderrRead          = 0x64617461
	stderrWrite         = 0x64617472
	stderrError         = 0x63787470
	stderrLast          = 0x616c7473
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
)

// ErrMalformedStream is returned when a framed stderr tag is not one this
// client understands.
var ErrMalformedStream = errors.New("daemon: malformed stderr stream")

// LogKind distinguishes the framed stderr message types forwarded as
// LogMessage values.
type LogKind int

const (
	LogNext LogKind = iota
	LogStartActivity
	LogStopActivity
	LogResult
)

// LogMessage is one framed stderr event forwarded from the daemon while an
// operation is in flight.
type LogMessage struct {
	Kind         LogKind
	Text         string
	ActivityID   uint64
	ActivityType uint64
	Fields       []string
}

// RemoteError is the structured error the daemon reports via STDERR_ERROR.
// It terminates the stderr drain; the operation that triggered it failed.
// Exit is only populated by pre-1.26 daemons; Traces only from 1.26 onward.
type RemoteError struct {
	Message string
	Exit    int
	Level   int
	Traces  []string
}

func (e *RemoteError) Error() string { return e.Message }

// ProcessStderr drains the framed stderr stream that precedes every reply,
// forwarding informational messages to logs (best effort, a full channel
// drops the message rather than blocking the drain), until STDERR_LAST. A
// STDERR_ERROR message ends the drain early and is returned as a
// *RemoteError. minor is the negotiated protocol minor; it selects the
// error encoding a 1.26+ daemon uses.
func ProcessStderr(r io.Reader, minor int, logs chan<- LogMessage) error {
	for {
		tag, err := readUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read stderr tag", Err: err}
		}

		switch tag {
		case stderrLast:
			return nil

		case stderrNext:
			msg, err := readString(r, MaxStringSize)
			if err != nil {
				return &ProtocolError{Op: "read stderr message", Err: err}
			}

			forward(logs, LogMessage{Kind: LogNext, Text: msg})

		case stderrRead:
			// The daemon wants source bytes fed in, which only happens on
			// store-mutating operations this client never issues. The
			// requested length still has to be consumed before failing, or
			// the error would be reported against a desynced stream.
			if _, err := readUint64(r); err != nil {
				return &ProtocolError{Op: "read stderr read-request", Err: err}
			}

			return fmt.Errorf("%w: daemon requested input on a read-only operation", ErrMalformedStream)

		case stderrWrite:
			data, err := readString(r, MaxStringSize)
			if err != nil {
				return &ProtocolError{Op: "read stderr write", Err: err}
			}

			forward(logs, LogMessage{Kind: LogNext, Text: data})

		case stderrError:
			remErr, err := readRemoteError(r, minor)
			if err != nil {
				return &ProtocolError{Op: "read stderr error", Err: err}
			}

			return remErr

		case stderrStartActivity:
			msg, err := readActivityStart(r)
			if err != nil {
				return &ProtocolError{Op: "read start-activity", Err: err}
			}

			forward(logs, msg)

		case stderrStopActivity:
			id, err := readUint64(r)
			if err != nil {
				return &ProtocolError{Op: "read stop-activity", Err: err}
			}

			forward(logs, LogMessage{Kind: LogStopActivity, ActivityID: id})

		case stderrResult:
			msg, err := readActivityResult(r)
			if err != nil {
				return &ProtocolError{Op: "read activity-result", Err: err}
			}

			forward(logs, msg)

		default:
			return fmt.Errorf("%w: unknown tag %#x", ErrMalformedStream, tag)
		}
	}
}

func forward(logs chan<- LogMessage, m LogMessage) {
	if logs == nil {
		return
	}

	select {
	case logs <- m:
	default:
	}
}

// errorEncodingMinor is the protocol revision that replaced the legacy
// (message, exit status) error encoding with the structured form carrying a
// type tag, verbosity level, and trace frames.
const errorEncodingMinor = 26

func readRemoteError(r io.Reader, minor int) (*RemoteError, error) {
	if minor < errorEncodingMinor {
		msg, err := readString(r, MaxStringSize)
		if err != nil {
			return nil, err
		}

		exit, err := readUint64(r)
		if err != nil {
			return nil, err
		}

		return &RemoteError{Message: msg, Exit: int(exit)}, nil
	}

	if err := expectErrorTag(r); err != nil {
		return nil, err
	}

	level, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	// The error's class name, fixed to "Error" by every daemon in the
	// supported range; read and discarded.
	if _, err := readString(r, MaxStringSize); err != nil {
		return nil, err
	}

	msg, err := readString(r, MaxStringSize)
	if err != nil {
		return nil, err
	}

	if err := skipPos(r); err != nil {
		return nil, err
	}

	nrTraces, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	if nrTraces > MaxStringSize {
		return nil, fmt.Errorf("%w: trace count %d", ErrStringTooLong, nrTraces)
	}

	traces := make([]string, 0, nrTraces)

	for i := uint64(0); i < nrTraces; i++ {
		if err := skipPos(r); err != nil {
			return nil, err
		}

		trace, err := readString(r, MaxStringSize)
		if err != nil {
			return nil, err
		}

		traces = append(traces, trace)
	}

	return &RemoteError{Message: msg, Level: int(level), Traces: traces}, nil
}

func expectErrorTag(r io.Reader) error {
	tag, err := readString(r, MaxStringSize)
	if err != nil {
		return err
	}

	if tag != "Error" {
		return fmt.Errorf("%w: error type tag %q", ErrMalformedStream, tag)
	}

	return nil
}

// skipPos consumes a source-position marker. The daemon always sends 0
// (no position) on this side of the protocol; a non-zero marker would be
// followed by fields this client has no use for and no way to skip safely.
func skipPos(r io.Reader) error {
	have, err := readUint64(r)
	if err != nil {
		return err
	}

	if have != 0 {
		return fmt.Errorf("%w: unexpected source position in error", ErrMalformedStream)
	}

	return nil
}

func readActivityStart(r io.Reader) (LogMessage, error) {
	id, err := readUint64(r)
	if err != nil {
		return LogMessage{}, err
	}

	if _, err := readUint64(r); err != nil { // level, not surfaced
		return LogMessage{}, err
	}

	typ, err := readUint64(r)
	if err != nil {
		return LogMessage{}, err
	}

	text, err := readString(r, MaxStringSize)
	if err != nil {
		return LogMessage{}, err
	}

	fields, err := readLogFields(r)
	if err != nil {
		return LogMessage{}, err
	}

	return LogMessage{Kind: LogStartActivity, ActivityID: id, ActivityType: typ, Text: text, Fields: fields}, nil
}

func readActivityResult(r io.Reader) (LogMessage, error) {
	id, err := readUint64(r)
	if err != nil {
		return LogMessage{}, err
	}

	typ, err := readUint64(r)
	if err != nil {
		return LogMessage{}, err
	}

	fields, err := readLogFields(r)
	if err != nil {
		return LogMessage{}, err
	}

	return LogMessage{Kind: LogResult, ActivityID: id, ActivityType: typ, Fields: fields}, nil
}

// readLogFields decodes a field array: a count followed by, for each entry,
// a type tag (0 = integer, 1 = string) and the value itself. Integers are
// rendered as decimal text since LogMessage only needs these for display.
func readLogFields(r io.Reader) ([]string, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	if n > MaxStringSize {
		return nil, fmt.Errorf("%w: field count %d", ErrStringTooLong, n)
	}

	fields := make([]string, n)

	for i := range fields {
		fieldType, err := readUint64(r)
		if err != nil {
			return nil, err
		}

		if fieldType == 0 {
			v, err := readUint64(r)
			if err != nil {
				return nil, err
			}

			fields[i] = fmt.Sprintf("%d", v)

			continue
		}

		s, err := readString(r, MaxStringSize)
		if err != nil {
			return nil, err
		}

		fields[i] = s
	}

	return fields, nil
}
