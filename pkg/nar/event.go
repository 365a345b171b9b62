package nar

import "errors"

// ErrMalformed is returned when the byte stream does not follow the NAR grammar.
var ErrMalformed = errors.New("nar: malformed archive")

// ErrOutOfOrder is returned when directory entries are not in strictly
// ascending byte order of their names.
var ErrOutOfOrder = errors.New("nar: directory entries out of order")

// ErrInvalidName is returned for an entry name that is empty, ".", "..",
// contains '/', a NUL byte, or is not valid UTF-8.
var ErrInvalidName = errors.New("nar: invalid entry name")

// ErrUnsupportedNode is returned by the writer when asked to serialize
// something NAR cannot represent: hardlinks and device nodes have no
// equivalent in the grammar.
var ErrUnsupportedNode = errors.New("nar: unsupported filesystem node")

// ErrSizeMismatch is returned when a regular file's declared size does not
// equal the number of content bytes actually streamed.
var ErrSizeMismatch = errors.New("nar: declared size does not match streamed content")

// EventKind identifies the shape of an Event returned by Reader.Next.
type EventKind int

const (
	// EventDirectory marks entry into a directory node; EventEndDirectory
	// follows once every child EventEntry has been fully consumed.
	EventDirectory EventKind = iota
	// EventEntry marks the start of one directory child, named Name; the
	// node events for that child follow immediately, then EventEndEntry.
	EventEntry
	// EventEndEntry marks the end of the node belonging to the innermost
	// open EventEntry.
	EventEndEntry
	// EventEndDirectory marks the end of the innermost open EventDirectory.
	EventEndDirectory
	// EventRegular marks a regular file node; Executable and Size are set.
	// Zero or more EventFileChunk follow, then EventFileEnd.
	EventRegular
	// EventFileChunk carries a slice of file content. The slice is only
	// valid until the next call to Next; callers that need to retain it
	// must copy it.
	EventFileChunk
	// EventFileEnd marks the end of a regular file's content.
	EventFileEnd
	// EventSymlink marks a symlink node; Target is set. Never followed by
	// file chunks.
	EventSymlink
	// EventEOF marks the end of the archive: the top-level node has been
	// fully consumed.
	EventEOF
)

// Event is one step of NAR event-stream iteration, produced by Reader.Next
// and consumed by Writer.WriteEvent.
type Event struct {
	Kind       EventKind
	Name       string // EventEntry
	Executable bool   // EventRegular
	Size       int64  // EventRegular: declared content length
	Data       []byte // EventFileChunk: a slice of content, reused across calls
	Target     string // EventSymlink
}
