package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/daemon"
)

// statusFor maps an error returned by the cache layer to its HTTP status.
// A zero result means the client is already gone and nothing should be
// written.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daemon.ErrProtocolUnsupported), errors.Is(err, daemon.ErrDaemonUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to its HTTP status and writes a short plain-text
// body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == 0 {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("client disconnected")

		return
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	w.WriteHeader(status)

	if _, werr := w.Write([]byte(http.StatusText(status))); werr != nil {
		s.logger.Error().Err(werr).Msg("error writing the error response")
	}
}

// writeForbidden answers a path-traversal attempt in /serve with 403.
func (s *Server) writeForbidden(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug().Str("path", r.URL.Path).Msg("rejected path outside store path")

	w.WriteHeader(http.StatusForbidden)

	if _, err := w.Write([]byte(http.StatusText(http.StatusForbidden))); err != nil {
		s.logger.Error().Err(err).Msg("error writing the forbidden response")
	}
}

// writeRangeNotSatisfiable answers a malformed or out-of-bounds Range header
// with 416.
func (s *Server) writeRangeNotSatisfiable(w http.ResponseWriter, size uint64) {
	w.Header().Set("Content-Range", "bytes */"+strconv.FormatUint(size, 10))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

	if _, err := w.Write([]byte(http.StatusText(http.StatusRequestedRangeNotSatisfiable))); err != nil {
		s.logger.Error().Err(err).Msg("error writing the range response")
	}
}
