package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// getLs serves GET /{hash}.ls: the JSON directory listing derived by
// streaming the NAR once in event mode, never materializing file content.
func (s *Server) getLs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash := chi.URLParam(r, "hash")

	resolved, err := s.cache.Resolve(ctx, hash)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	listing, err := s.cache.ListingFor(ctx, resolved.Path)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(listing); err != nil {
		s.logger.Error().Err(err).Str("hash", hash).Msg("writing ls response")
	}
}
