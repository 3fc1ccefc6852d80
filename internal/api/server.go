// Package api exposes the signal controller to its external collaborators
// over HTTP/JSON: detection workers post demand, the operator tool toggles
// overrides, and presentation or hardware-mirroring clients poll status.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/greenwave/internal/timeutil"
	"github.com/banshee-data/greenwave/internal/traffic"
)

var log = logrus.WithField("module", "api")

// Server serves the controller's ingestion, control and query surfaces.
type Server struct {
	c     *traffic.Controller
	clock timeutil.Clock
}

// NewServer creates an API server around a controller. Ingestion timestamps
// come from the given clock.
func NewServer(c *traffic.Controller, clock timeutil.Clock) *Server {
	return &Server{c: c, clock: clock}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.WithFields(logrus.Fields{
			"status":   lrw.statusCode,
			"method":   r.Method,
			"duration": time.Since(start),
		}).Debug(r.RequestURI)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/intersections", s.listIntersections)
	mux.HandleFunc("/api/intersection", s.showIntersection)
	mux.HandleFunc("/api/approaches", s.listApproaches)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/demand", s.postDemand)
	mux.HandleFunc("/api/weighted-demand", s.postWeightedDemand)
	mux.HandleFunc("/api/override", s.postOverride)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) listIntersections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	out := make(map[string]traffic.IntersectionStatus)
	for _, name := range s.c.IntersectionNames() {
		if st, ok := s.c.IntersectionStatus(name); ok {
			out[name] = st
		}
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write intersections")
		return
	}
}

func (s *Server) showIntersection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'name' parameter")
		return
	}
	st, ok := s.c.IntersectionStatus(name)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown intersection %q", name))
		return
	}

	resp := struct {
		Name string `json:"name"`
		traffic.IntersectionStatus
		Approaches []string `json:"approaches"`
	}{name, st, s.c.Approaches(name)}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write intersection")
		return
	}
}

func (s *Server) listApproaches(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.c.AllApproachStatuses()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write approaches")
		return
	}
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	events := s.c.Events()
	if events == nil {
		events = []traffic.TransitionEvent{}
	}
	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
		return
	}
}

type demandRequest struct {
	Approach  string `json:"approach"`
	Count     int    `json:"count"`
	Ambulance bool   `json:"ambulance"`
}

func (s *Server) postDemand(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req demandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid body: %v", err))
		return
	}
	if req.Approach == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'approach'")
		return
	}
	if req.Count < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "'count' must be non-negative")
		return
	}

	// Unknown approaches are deliberately accepted: detection workers may
	// reference approaches managed by another controller instance.
	s.c.UpdateDemand(req.Approach, req.Count, s.clock.Now(), req.Ambulance)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

type weightedDemandRequest struct {
	Approach string         `json:"approach"`
	Counts   map[string]int `json:"counts"`
}

func (s *Server) postWeightedDemand(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req weightedDemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid body: %v", err))
		return
	}
	if req.Approach == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'approach'")
		return
	}
	for class, count := range req.Counts {
		if count < 0 {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Negative count for class %q", class))
			return
		}
	}

	s.c.UpdateWeightedDemand(req.Approach, req.Counts, s.clock.Now())
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

type overrideRequest struct {
	Intersection string `json:"intersection"`
	Approach     string `json:"approach"`
	ForcedRed    bool   `json:"forced_red"`
}

func (s *Server) postOverride(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid body: %v", err))
		return
	}

	if err := s.c.SetManualOverride(req.Intersection, req.Approach, req.ForcedRed); err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
