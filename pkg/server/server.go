// Package server is Harmonia's HTTP surface: it turns the binary-cache
// request contract (narinfo, NAR, listing, log, and raw file endpoints) into
// calls against pkg/cache and streams the results back, honoring Range
// requests, transport compression, and a server-wide concurrency limit.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/numtide/harmonia/pkg/cache"
	"github.com/numtide/harmonia/pkg/signer"
)

const (
	routeIndex     = "/"
	routeVersion   = "/version"
	routeHealth    = "/health"
	routeCacheInfo = "/nix-cache-info"
	routeMetrics   = "/metrics"

	// hashAlphabet mirrors pkg/nixbase32.Alphabet: 0-9, a-d, f-n, p-s, v-z.
	hashAlphabet = "0-9a-df-np-sv-z"

	routeNarInfo        = "/{hash:[" + hashAlphabet + "]{32}}.narinfo"
	routeLs             = "/{hash:[" + hashAlphabet + "]{32}}.ls"
	routeNar            = "/nar/{hash:[" + hashAlphabet + "-]+}.nar"
	routeNarCompression = "/nar/{hash:[" + hashAlphabet + "-]+}.nar.{ext:[a-z0-9]+}"
	routeLog            = "/log/{drv}"
	routeServe          = "/serve/{hash:[" + hashAlphabet + "]{32}}/*"

	contentLength      = "Content-Length"
	contentType        = "Content-Type"
	contentEncoding    = "Content-Encoding"
	contentTypeNar     = "application/x-nix-nar"
	contentTypeNarInfo = "text/x-nix-narinfo"
	contentTypeJSON    = "application/json"
	contentTypeText    = "text/plain; charset=utf-8"
)

// Options configures a Server beyond the Cache it fronts.
type Options struct {
	// Priority is advertised in /nix-cache-info.
	Priority int
	// Version is returned verbatim by GET /version.
	Version string
	// PublicKeys renders on the landing page, for operators to copy into a
	// client's trusted-public-keys list.
	PublicKeys []*signer.PublicKey
	// MaxConnectionRate bounds concurrently admitted requests; zero disables
	// the limiter.
	MaxConnectionRate int
	// Gatherer backs GET /metrics. A nil Gatherer serves an empty exposition.
	Gatherer promclient.Gatherer
	// LogDir is the state directory GET /log/{drv} reads build logs from.
	LogDir string
}

// Server is Harmonia's http.Handler: a chi router dispatching to handlers
// that call through a *cache.Cache.
type Server struct {
	cache   *cache.Cache
	logger  zerolog.Logger
	router  *chi.Mux
	opts    Options
	metrics *httpMetrics
	sem     chan struct{}
}

// New builds a Server and its router. logger is used as the base for every
// request-scoped child logger.
func New(logger zerolog.Logger, c *cache.Cache, opts Options) *Server {
	s := &Server{
		cache:   c,
		logger:  logger,
		opts:    opts,
		metrics: newHTTPMetrics(),
	}

	if opts.MaxConnectionRate > 0 {
		s.sem = make(chan struct{}, opts.MaxConnectionRate)
	}

	s.router = s.createRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Collector returns the server's request metrics for registration with a
// prometheus registry.
func (s *Server) Collector() promclient.Collector { return s.metrics }

func (s *Server) createRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("harmonia", otelchi.WithChiRoutes(router)))
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	if s.sem != nil {
		router.Use(s.limitConcurrency)
	}

	router.Get(routeIndex, s.getIndex)
	router.Get(routeVersion, s.getVersion)
	router.Get(routeHealth, s.getHealth)
	router.Get(routeCacheInfo, s.getNixCacheInfo)

	narInfoHandler := s.getNarInfo()
	router.Head(routeNarInfo, narInfoHandler)
	router.Get(routeNarInfo, narInfoHandler)

	router.Get(routeLs, s.getLs)

	router.Get(routeNar, s.getNar)
	router.Get(routeNarCompression, s.getNarCompressed)

	router.Get(routeLog, s.getLog)

	router.Get(routeServe, s.getServe)

	router.Get(routeMetrics, s.getMetrics)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, cache.ErrNotFound)
	})

	return router
}

// limitConcurrency bounds admitted requests to opts.MaxConnectionRate,
// blocking (never dropping) requests over the limit.
func (s *Server) limitConcurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
		case <-r.Context().Done():
			return
		}

		defer func() { <-s.sem }()

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and records the http metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		reqID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(startedAt)
		pattern := chi.RouteContext(r.Context()).RoutePattern()

		if pattern == "" {
			pattern = r.URL.Path
		}

		s.metrics.observe(r.Method, pattern, ww.Status(), elapsed)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.RequestURI).
			Str("request_id", reqID).
			Str("remote_addr", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

func (s *Server) getVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentType, contentTypeText)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(s.opts.Version + "\n")); err != nil {
		s.logger.Error().Err(err).Msg("writing version response")
	}
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentType, contentTypeText)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("OK\n")); err != nil {
		s.logger.Error().Err(err).Msg("writing health response")
	}
}

func (s *Server) getNixCacheInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentType, contentTypeText)
	w.WriteHeader(http.StatusOK)

	body := "StoreDir: " + s.cache.VirtualStoreDir() + "\n" +
		"WantMassQuery: 1\n" +
		"Priority: " + strconv.Itoa(s.opts.Priority) + "\n"

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error().Err(err).Msg("writing nix-cache-info response")
	}
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Gatherer == nil {
		w.WriteHeader(http.StatusOK)

		return
	}

	promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
