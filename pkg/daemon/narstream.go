package daemon

import (
	"io"
	"sync"

	"github.com/numtide/harmonia/pkg/nar"
)

// framedNarMinMinor is the worker-protocol revision from which the daemon
// switches from streaming a NAR's raw self-delimiting bytes to wrapping
// them in length-prefixed frames terminated by a zero-length frame.
const framedNarMinMinor = 23

// narStream is the io.ReadCloser returned by Client.NarFromPath. The
// connection is only released (and marked dirty, if the archive was not
// read to a clean end) when Close is called; callers must always call it
// exactly once, even after reading a full io.EOF.
type narStream struct {
	pr       *io.PipeReader
	cleanEnd bool
	once     sync.Once
	closeFn  func(dirty bool)
}

func (s *narStream) Read(p []byte) (int, error) {
	n, err := s.pr.Read(p)
	if err == io.EOF {
		s.cleanEnd = true
	}

	return n, err
}

func (s *narStream) Close() error {
	s.once.Do(func() {
		dirty := !s.cleanEnd
		s.pr.CloseWithError(io.ErrClosedPipe)
		s.closeFn(dirty)
	})

	return nil
}

// newFramedNarStream reassembles the (len, bytes, pad)... 0-terminated
// frame sequence into one continuous NAR byte stream.
func newFramedNarStream(r io.Reader, closeFn func(dirty bool)) *narStream {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(copyFramed(pw, r))
	}()

	return &narStream{pr: pr, closeFn: closeFn}
}

func copyFramed(w io.Writer, r io.Reader) error {
	for {
		n, err := readUint64(r)
		if err != nil {
			return &ProtocolError{Op: "NarFromPath read frame length", Err: err}
		}

		if n == 0 {
			return nil
		}

		if _, err := io.CopyN(w, r, int64(n)); err != nil {
			return &ProtocolError{Op: "NarFromPath read frame", Err: err}
		}

		if pad := padLen(n); pad > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
				return &ProtocolError{Op: "NarFromPath read frame padding", Err: err}
			}
		}
	}
}

// newRawNarStream streams the daemon's raw self-delimiting NAR bytes
// through unchanged, using this package's own nar.Reader to discover where
// the archive ends (there is no length prefix in this scheme: the NAR
// grammar itself is the only delimiter). The tee captures exactly the bytes
// nar.Reader consumes, which is exactly one complete archive.
func newRawNarStream(r io.Reader, closeFn func(dirty bool)) *narStream {
	pr, pw := io.Pipe()

	go func() {
		tee := io.TeeReader(r, pw)

		nr, err := nar.NewReader(tee)
		if err != nil {
			pw.CloseWithError(&ProtocolError{Op: "NarFromPath parse archive", Err: err})

			return
		}

		for {
			e, err := nr.Next()
			if err != nil {
				nr.Close()
				pw.CloseWithError(&ProtocolError{Op: "NarFromPath parse archive", Err: err})

				return
			}

			if e.Kind == nar.EventEOF {
				nr.Close()
				pw.Close()

				return
			}
		}
	}()

	return &narStream{pr: pr, closeFn: closeFn}
}
