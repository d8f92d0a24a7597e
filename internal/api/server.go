package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/mapcache/cache"
	"github.com/IvanBrykalov/mapcache/store"
)

// maxBody caps PUT payloads.
const maxBody = 8 << 20

// Server exposes a Registry over HTTP.
type Server struct {
	maps   *Registry
	log    *slog.Logger
	router *mux.Router
}

// NewServer wires the routes. gatherer may be nil, which leaves /metrics unrouted.
func NewServer(maps *Registry, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{maps: maps, log: log, router: mux.NewRouter()}
	s.routes(gatherer)
	return s
}

// Router returns http.Handler to be used by http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	api := s.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/maps/{map}/{key}", s.handlePut()).Methods(http.MethodPut)
	api.HandleFunc("/maps/{map}/{key}", s.handleGet()).Methods(http.MethodGet)
	api.HandleFunc("/maps/{map}/{key}", s.handleDelete()).Methods(http.MethodDelete)
	api.HandleFunc("/maps/{map}/{key}", s.handleHead()).Methods(http.MethodHead)
	api.HandleFunc("/maps/{map}", s.handleMap()).Methods(http.MethodGet)

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// PutResult is the body of a PUT response.
type PutResult struct {
	Previous *string `json:"previous"`
	Replaced bool    `json:"replaced"`
	Written  bool    `json:"written"`
}

// MapInfo is the body of GET /v1/maps/{map}.
type MapInfo struct {
	Name  string      `json:"name"`
	Size  int         `json:"size"`
	Stats cache.Stats `json:"stats"`
}

// parseTTL accepts a Go duration ("90s", "1500ms") or whole seconds ("90").
func parseTTL(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %q", cache.ErrInvalidArgument, v)
	}
	return d, nil
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) (*Map, string, bool) {
	vars := mux.Vars(r)
	m, err := s.maps.Open(vars["map"])
	if err != nil {
		s.fail(w, r, err)
		return nil, "", false
	}
	return m, vars["key"], true
}

func (s *Server) handlePut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, key, ok := s.open(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		ttl, err := parseTTL(q.Get("ttl"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}

		var res PutResult
		if q.Get("nx") == "1" {
			cur, exists, err := m.PutIfAbsent(r.Context(), key, body, ttl)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			res.Written = !exists
			if exists {
				v := string(cur)
				res.Previous = &v
			}
		} else {
			prev, replaced, err := m.Put(r.Context(), key, body, ttl)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			res.Written, res.Replaced = true, replaced
			if replaced {
				v := string(prev)
				res.Previous = &v
			}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, key, ok := s.open(w, r)
		if !ok {
			return
		}
		v, found, err := m.Get(r.Context(), key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(v)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, key, ok := s.open(w, r)
		if !ok {
			return
		}
		if _, _, err := m.Remove(r.Context(), key); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, key, ok := s.open(w, r)
		if !ok {
			return
		}
		remain, found, err := m.RemainingTTL(r.Context(), key)
		if err != nil {
			w.WriteHeader(statusOf(err))
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// milliseconds; 0 means the entry never expires
		w.Header().Set("X-Cache-TTL-Remaining", strconv.FormatInt(remain.Milliseconds(), 10))
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleMap() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, _, ok := s.open(w, r)
		if !ok {
			return
		}
		n, err := m.Size(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MapInfo{Name: m.Name(), Size: n, Stats: m.Stats()})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrClosed), errors.Is(err, ErrRegistryClosed), store.IsStoreError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
