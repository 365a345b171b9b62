package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/nar"
)

// byteRange is a single parsed "bytes=a-b" range, inclusive on both ends.
type byteRange struct {
	start, end int64 // end is inclusive; both already clamped to size-1
}

// parseRange parses the first range in a Range header against a body of the
// given size. Multi-range requests are answered with only the first range,
// a degradation RFC 9110 permits. ok is false for an absent, malformed, or
// unsatisfiable header.
func parseRange(header string, size int64) (br byteRange, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return byteRange{}, false
	}

	spec, _, _ = strings.Cut(spec, ",")
	spec = strings.TrimSpace(spec)

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false
	}

	var start, end int64

	switch {
	case startStr == "":
		// Suffix range "-N": the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false
		}

		if n > size {
			n = size
		}

		start = size - n
		end = size - 1
	case endStr == "":
		n, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, false
		}

		start = n
		end = size - 1
	default:
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || s < 0 {
			return byteRange{}, false
		}

		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < s {
			return byteRange{}, false
		}

		start, end = s, e
		if end > size-1 {
			end = size - 1
		}
	}

	if size == 0 || start < 0 || start >= size || end < start {
		return byteRange{}, false
	}

	return byteRange{start: start, end: end}, true
}

// ifRangeMatches reports whether an If-Range header value names the same
// NAR, tolerating both quoted and bare ETag forms.
func ifRangeMatches(ifRange, etag string) bool {
	if ifRange == "" {
		return true
	}

	return strings.Trim(ifRange, `"`) == strings.Trim(etag, `"`)
}

// getNar serves GET /nar/{hash}.nar: it resolves the compound hash back to
// a store path (see cache.ResolveNAR), then streams the NAR either whole,
// transport-compressed, or range-sliced. Range and transport compression are
// mutually exclusive -- a Range request addresses the uncompressed NAR
// pkg/cache.Resolved.Info.NarSize describes, so a Range header always wins
// and is served as identity, matching narinfo's own "Compression: none,
// verify NarHash" fallback.
func (s *Server) getNar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	u, err := nar.ParseURL(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	if u.Compression != nar.CompressionTypeNone {
		// No narinfo this server hands out ever points at a
		// compressed-at-rest URL, so nothing can legitimately request one.
		s.writeError(w, r, cache.ErrNotFound)

		return
	}

	logger := u.NewLogger(s.logger)

	resolved, err := s.cache.ResolveNAR(ctx, u.Hash)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	logger.Debug().Str("store_path", resolved.Path.String()).Msg("nar resolved")

	etag := `"` + cache.NarHashNixBase32(resolved.Info.NarHash) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")

	size := int64(resolved.Info.NarSize)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && ifRangeMatches(r.Header.Get("If-Range"), etag) {
		s.serveNarRange(w, r, resolved, size, rangeHeader)

		return
	}

	s.serveNarFull(w, r, resolved, size)
}

func (s *Server) serveNarFull(w http.ResponseWriter, r *http.Request, resolved *cache.Resolved, size int64) {
	rc, err := s.cache.NAR(r.Context(), resolved.Path)
	if err != nil {
		s.writeError(w, r, err)

		return
	}
	defer rc.Close()

	encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))

	w.Header().Set(contentType, contentTypeNar)

	if encoding == "" {
		w.Header().Set(contentLength, strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)

		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Debug().Err(err).Msg("streaming nar body")
		}

		return
	}

	w.Header().Set(contentEncoding, encoding)
	w.WriteHeader(http.StatusOK)

	cw, _ := newCompressWriter(w, encoding)

	if _, err := io.Copy(cw, rc); err != nil {
		s.logger.Debug().Err(err).Msg("streaming compressed nar body")
	}

	if err := cw.Close(); err != nil {
		s.logger.Error().Err(err).Msg("closing nar compressor")
	}
}

func (s *Server) serveNarRange(
	w http.ResponseWriter, r *http.Request, resolved *cache.Resolved, size int64, rangeHeader string,
) {
	br, ok := parseRange(rangeHeader, size)
	if !ok {
		s.writeRangeNotSatisfiable(w, uint64(size))

		return
	}

	rc, err := s.cache.NAR(r.Context(), resolved.Path)
	if err != nil {
		s.writeError(w, r, err)

		return
	}
	defer rc.Close()

	if br.start > 0 {
		if _, err := io.CopyN(io.Discard, rc, br.start); err != nil {
			s.logger.Debug().Err(err).Msg("discarding nar range prefix")

			return
		}
	}

	length := br.end - br.start + 1

	w.Header().Set(contentType, contentTypeNar)
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(br.start, 10)+"-"+
		strconv.FormatInt(br.end, 10)+"/"+strconv.FormatInt(size, 10))
	w.Header().Set(contentLength, strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := io.CopyN(w, rc, length); err != nil {
		s.logger.Debug().Err(err).Msg("streaming nar range body")
	}
}

// getNarCompressed serves GET /nar/{hash}.nar.{ext}. This deployment only
// ever advertises Compression: none, so no narinfo it issues points at a
// compressed-at-rest URL; the route exists so such a request 404s cleanly
// instead of falling through to the catch-all.
func (s *Server) getNarCompressed(w http.ResponseWriter, r *http.Request) {
	s.getNar(w, r)
}
