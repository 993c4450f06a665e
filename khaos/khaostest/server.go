// Package khaostest provides an in-process fake of the session service.
package khaostest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spdigital/kiosk-zoom/khaos"
)

// Request is a request the fake server received.
type Request struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Body          string
}

// Server is a fake session service listening on a local port.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	token        string
	sessions     map[string]*khaos.Session
	queued       int
	agents       []khaos.Agent
	schedules    []khaos.Schedule
	natures      []khaos.TxnNatureRequest
	requests     []Request
	featureFails int
	failStatus   map[string]int
	agentSubs    map[string]map[chan string]struct{}
	featureSubs  map[chan string]struct{}
	dropStreams  chan struct{}
}

// NewServer starts a fake service. It is closed when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		sessions:    make(map[string]*khaos.Session),
		failStatus:  make(map[string]int),
		agentSubs:   make(map[string]map[chan string]struct{}),
		featureSubs: make(map[chan string]struct{}),
		dropStreams: make(chan struct{}),
	}
	s.Server = httptest.NewServer(s.routes())
	tb.Cleanup(func() {
		s.DropStreams()
		s.Close()
	})

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.auth)

	r.Route(khaos.SessionsPath, func(r chi.Router) {
		r.Post("/", s.handleJoin)
		r.Post("/transactionNature", s.handleTxnNature)
		r.Post("/{id}/rejoin", s.handleRejoin)
		r.Get("/{id}/status", s.handleStatus)
		r.Post("/{id}", s.handleChangeStatus)
	})
	r.Route(khaos.HalpPath, func(r chi.Router) {
		r.Get("/sessions/count-queued", s.handleCountQueued)
		r.Get("/sessions/agent-joined", s.handleAgentJoined)
		r.Get("/agents", s.handleAgents)
		r.Get("/available-schedules", s.handleSchedules)
	})
	r.Get(khaos.FeaturesPath+"/va", s.handleFeatures)

	return r
}

// RequireToken makes every request without the bearer token fail with 401.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// FailWith makes every request to path answer with status.
func (s *Server) FailWith(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus[path] = status
}

// FailFeatureSubscriptions makes the next n feature toggle subscriptions
// fail with 503.
func (s *Server) FailFeatureSubscriptions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.featureFails = n
}

// AddSession registers a session in status and returns its id.
func (s *Server) AddSession(status khaos.Status) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSessionLocked("VA Kiosk", "OA_RES", status).SessionID
}

// SessionStatus returns the status of a session, and whether it exists.
func (s *Server) SessionStatus(id string) (khaos.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return sess.Status, true
}

// Sessions returns the number of sessions created so far.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetQueued sets the number of sessions waiting for an agent.
func (s *Server) SetQueued(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = n
}

// SetAgents sets the agents the service lists.
func (s *Server) SetAgents(agents ...khaos.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
}

// SetSchedules sets the schedules the service lists.
func (s *Server) SetSchedules(schedules ...khaos.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = schedules
}

// TxnNatures returns the transaction nature updates received so far.
func (s *Server) TxnNatures() []khaos.TxnNatureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]khaos.TxnNatureRequest(nil), s.natures...)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests returns how many requests matched method and path.
func (s *Server) CountRequests(method, path string) int {
	var n int
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// AgentJoinedSubscribers returns the number of open agent-joined streams of
// a session.
func (s *Server) AgentJoinedSubscribers(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agentSubs[sessionID])
}

// FeatureSubscribers returns the number of open feature toggle streams.
func (s *Server) FeatureSubscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.featureSubs)
}

// AgentJoined tells the subscribers of a session that agentName joined. The
// session moves to AGENT_JOINED. It returns the number of streams notified.
func (s *Server) AgentJoined(sessionID, agentName string) int {
	bb, _ := json.Marshal(khaos.AgentJoined{AgentName: agentName})

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Status = khaos.StatusAgentJoined
	}
	for ch := range s.agentSubs[sessionID] {
		ch <- string(bb)
	}
	return len(s.agentSubs[sessionID])
}

// PushFeature tells the feature toggle subscribers whether the extension is
// enabled for kioskName. It returns the number of streams notified.
func (s *Server) PushFeature(kioskName string, enable bool) int {
	bb, _ := json.Marshal(map[string]khaos.FeatureToggle{kioskName: {Enable: enable}})

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.featureSubs {
		ch <- string(bb)
	}
	return len(s.featureSubs)
}

// DropStreams ends every open event stream from the server side.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.dropStreams)
	s.dropStreams = make(chan struct{})
}

func (s *Server) newSessionLocked(kioskName, nature string, status khaos.Status) *khaos.Session {
	id := uuid.NewString()
	sess := &khaos.Session{
		SessionID:     id,
		Status:        status,
		KioskName:     kioskName,
		Nature:        nature,
		SDKKey:        "sdk-key",
		Signature:     "signature-" + id[:8],
		MeetingNumber: strconv.Itoa(int(uuid.MustParse(id).ID())),
		Password:      "pwd",
		UserName:      kioskName,
	}
	s.sessions[id] = sess
	return sess
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			bb, err := io.ReadAll(r.Body)
			if err == nil {
				req.Body = string(bb)
				r.Body = io.NopCloser(bytes.NewReader(bb))
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		status := s.failStatus[r.URL.Path]
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("kioskName") == "" || q.Get("nature") == "" {
		http.Error(w, "kioskName and nature are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess := *s.newSessionLocked(q.Get("kioskName"), q.Get("nature"), khaos.StatusStart)
	s.queued++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTxnNature(w http.ResponseWriter, r *http.Request) {
	var req khaos.TxnNatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess.Nature = req.Nature
	s.natures = append(s.natures, req)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRejoin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	var cp khaos.Session
	if ok {
		cp = *sess
	}
	s.mu.Unlock()

	if !ok || !cp.Status.Active() {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.SessionStatus(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	status := khaos.Status(r.URL.Query().Get("status"))
	switch status {
	case khaos.StatusStart, khaos.StatusAgentJoining, khaos.StatusAgentJoined, khaos.StatusEnd:
	default:
		http.Error(w, fmt.Sprintf("invalid status %q", status), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[chi.URLParam(r, "id")]
	var cp khaos.Session
	if ok {
		if sess.Status == khaos.StatusStart && status != khaos.StatusStart && s.queued > 0 {
			s.queued--
		}
		sess.Status = status
		cp = *sess
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleCountQueued(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := s.queued
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	agents := append([]khaos.Agent{}, s.agents...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	schedules := []khaos.Schedule{}
	for _, sc := range s.schedules {
		if sc.Date == date {
			schedules = append(schedules, sc)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleAgentJoined(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")

	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	ch := make(chan string, 8)
	if s.agentSubs[id] == nil {
		s.agentSubs[id] = make(map[chan string]struct{})
	}
	s.agentSubs[id][ch] = struct{}{}
	drop := s.dropStreams
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.agentSubs[id], ch)
		s.mu.Unlock()
	}()

	serveEvents(w, r, "", ch, drop)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.featureFails > 0 {
		s.featureFails--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ch := make(chan string, 8)
	s.featureSubs[ch] = struct{}{}
	drop := s.dropStreams
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.featureSubs, ch)
		s.mu.Unlock()
	}()

	serveEvents(w, r, "data", ch, drop)
}

// serveEvents writes every value received on ch as an event named name
// until the client goes away or drop is closed.
func serveEvents(w http.ResponseWriter, r *http.Request, name string, ch <-chan string, drop <-chan struct{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var id int
	for {
		select {
		case <-r.Context().Done():
			return
		case <-drop:
			return
		case data := <-ch:
			id++
			if name != "" {
				_, _ = fmt.Fprintf(w, "event: %s\n", name)
			}
			_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
