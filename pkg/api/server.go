// ------------------------------------------------------
// Linkmark - REST API Server
// Integration API for automation and tool chaining
// ------------------------------------------------------

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/linkmark/linkmark/pkg/annotate"
	"github.com/linkmark/linkmark/pkg/config"
	"github.com/linkmark/linkmark/pkg/extract"
	"github.com/linkmark/linkmark/pkg/httpengine"
	"github.com/linkmark/linkmark/pkg/levenshtein"
	"github.com/linkmark/linkmark/pkg/linkindex"
)

// Server represents the API server
type Server struct {
	config  *config.CrawlConfig
	engine  *httpengine.HTTPEngine
	ann     *annotate.Annotation
	server  *http.Server
	started time.Time

	// The fuzzy link index is rebuilt lazily when the link count changes.
	mu       sync.Mutex
	index    *linkindex.Index
	indexLen int
}

// DistanceRequest represents an edit distance request
type DistanceRequest struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Limit int    `json:"limit,omitempty"`
}

// MarkRequest represents a link mark request
type MarkRequest struct {
	URL    string `json:"url"`
	Follow bool   `json:"follow"`
}

// LoadRequest represents a page load request
type LoadRequest struct {
	URL string `json:"url"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer creates a new API server sharing the given annotation.
// A nil annotation gets a fresh one built from cfg, for standalone serving.
func NewServer(cfg *config.CrawlConfig, ann *annotate.Annotation) *Server {
	if ann == nil {
		ann = annotate.New(annotate.FromConfig(cfg))
	}

	return &Server{
		config:  cfg,
		engine:  httpengine.NewHTTPEngine(cfg),
		ann:     ann,
		started: time.Now(),
	}
}

// Handler returns the configured HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// buildRouter wires up all routes and middleware.
func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/distance", s.handleDistance).Methods("POST")
	api.HandleFunc("/similarity", s.handleSimilarity).Methods("POST")
	api.HandleFunc("/links", s.handleLinks).Methods("GET")
	api.HandleFunc("/links/load", s.handleLinksLoad).Methods("POST")
	api.HandleFunc("/links/mark", s.handleLinksMark).Methods("POST")
	api.HandleFunc("/links/best", s.handleLinksBest).Methods("GET")
	api.HandleFunc("/links/near", s.handleLinksNear).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.authMiddleware)

	return router
}

// Start starts the API server
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.buildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleDistance computes the edit distance between two sequences.
// Sequences beyond the configured length limit yield a 413.
func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	var req DistanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.config.MaxSequenceLen
	}

	distance, err := levenshtein.DistanceLimited(req.A, req.B, limit)
	if err != nil {
		if errors.Is(err, levenshtein.ErrResourceLimit) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Sequence too long", err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Distance computation failed", err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"distance": distance,
	})
}

// handleSimilarity computes the normalised similarity ratio of two sequences.
func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var req DistanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ratio":   levenshtein.Ratio(req.A, req.B),
	})
}

// handleLinks lists all links known to the annotation.
func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	links := s.ann.Links()

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(links),
		"links":   links,
	})
}

// handleLinksLoad fetches a page and feeds its links to the annotation.
func (s *Server) handleLinksLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.URL == "" {
		s.sendError(w, http.StatusBadRequest, "No URL provided", "A page URL is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	page, err := s.engine.Fetch(ctx, req.URL)
	if err != nil {
		s.sendError(w, http.StatusBadGateway, "Fetch failed", err.Error())
		return
	}

	base, parseErr := url.Parse(page.FinalURL)
	if parseErr != nil {
		base = nil
	}

	links, err := extract.Links(base, bytes.NewReader(page.Body))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Link extraction failed", err.Error())
		return
	}

	before := s.ann.Len()
	for _, link := range links {
		s.ann.AddLink(link)
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"url":       req.URL,
		"final_url": page.FinalURL,
		"links":     len(links),
		"new_links": s.ann.Len() - before,
	})
}

// handleLinksMark records a follow/avoid label for a link.
func (s *Server) handleLinksMark(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.URL == "" {
		s.sendError(w, http.StatusBadRequest, "No URL provided", "A link URL is required")
		return
	}

	s.ann.Mark(req.URL, req.Follow)

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"url":     req.URL,
		"follow":  req.Follow,
		"marks":   len(s.ann.Marks()),
	})
}

// handleLinksBest returns the highest ranked links.
func (s *Server) handleLinksBest(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.sendError(w, http.StatusBadRequest, "Invalid parameter", "n must be a positive integer")
			return
		}
		n = parsed
	}

	ranked := s.ann.BestLinks()
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	type bestLink struct {
		URL    string  `json:"url"`
		Follow float64 `json:"follow"`
		Avoid  float64 `json:"avoid"`
		Score  float64 `json:"score"`
	}

	best := make([]bestLink, 0, len(ranked))
	for _, link := range ranked {
		best = append(best, bestLink{
			URL:    link.Link,
			Follow: link.Follow,
			Avoid:  link.Avoid,
			Score:  link.Score(),
		})
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(best),
		"links":   best,
	})
}

// handleLinksNear finds known links within an edit distance of the query.
func (s *Server) handleLinksNear(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.sendError(w, http.StatusBadRequest, "Invalid parameter", "q is required")
		return
	}

	fuzziness := 1
	if raw := r.URL.Query().Get("fuzziness"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 2 {
			s.sendError(w, http.StatusBadRequest, "Invalid parameter", "fuzziness must be 0, 1 or 2")
			return
		}
		fuzziness = parsed
	}

	idx, err := s.nearIndex()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Index build failed", err.Error())
		return
	}

	matches, err := idx.Near(query, uint8(fuzziness))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Search failed", err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"query":     query,
		"fuzziness": fuzziness,
		"count":     len(matches),
		"matches":   matches,
	})
}

// nearIndex returns the fuzzy link index, rebuilding it when the link
// count has changed since the last build.
func (s *Server) nearIndex() (*linkindex.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ann.Len()
	if s.index != nil && s.indexLen == n {
		return s.index, nil
	}

	idx, err := linkindex.Build(s.ann.Links())
	if err != nil {
		return nil, err
	}

	if s.index != nil {
		s.index.Close()
	}
	s.index = idx
	s.indexLen = n
	return idx, nil
}

// handleStatus handles status requests
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetStats()

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"version":    config.Version,
		"build":      config.BuildDate,
		"links":      s.ann.Len(),
		"marks":      len(s.ann.Marks()),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"statistics": stats,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// loggingMiddleware logs all requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Infof("%s %s %d %v", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// authMiddleware handles API authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health endpoint
		if r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		// Check API key if configured
		if s.config.APIKey != "" {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey != s.config.APIKey {
				s.sendError(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// sendJSON sends a JSON response. HTML escaping is disabled so URLs keep
// their plain ampersands.
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(data)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, errorTitle, message string) {
	s.sendJSON(w, status, ErrorResponse{
		Error:   errorTitle,
		Message: message,
	})
}

// responseWriter wraps http.ResponseWriter to capture status
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
