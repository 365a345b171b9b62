package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/nar"
)

// getNarInfo serves HEAD and GET /{hash}.narinfo from one implementation:
// HEAD must answer with the same status as GET and an empty body, which
// net/http's server already gives any handler for free by discarding body
// bytes written in response to a HEAD request.
func (s *Server) getNarInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")

		resolved, err := s.cache.Resolve(r.Context(), hash)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		info := s.cache.BuildNarinfo(resolved, nar.CompressionTypeNone)
		body := info.Marshal()

		w.Header().Set(contentType, contentTypeNarInfo)
		w.Header().Set("ETag", `"`+cache.NarHashNixBase32(resolved.Info.NarHash)+`"`)
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte(body)); err != nil {
			s.logger.Error().Err(err).Str("hash", hash).Msg("writing narinfo response")
		}
	}
}
