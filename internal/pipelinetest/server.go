// Package pipelinetest runs an in-process stand-in for the paper generation
// pipeline: per-task WebSocket and SSE progress streams plus the papers REST
// API. It is intended exclusively for use in tests.
package pipelinetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"

	"github.com/wenjingluo11-spec/paperwatch"
)

// stream is one client subscription to a task's progress.
type stream struct {
	send chan []byte
	drop chan struct{}
	once sync.Once
}

func newStream() *stream {
	return &stream{
		send: make(chan []byte, 64),
		drop: make(chan struct{}),
	}
}

func (s *stream) close() {
	s.once.Do(func() { close(s.drop) })
}

func (s *stream) dropped() bool {
	select {
	case <-s.drop:
		return true
	default:
		return false
	}
}

// Server is a fake pipeline bound to an httptest.Server.
type Server struct {
	URL string

	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[paperwatch.TaskID]map[*stream]struct{}
	dials   map[paperwatch.TaskID]int
	refused map[paperwatch.TaskID]bool
	papers  map[paperwatch.TaskID]*paperwatch.TaskRecord
	nextID  paperwatch.TaskID
}

// New starts a fake pipeline that is shut down when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streams: make(map[paperwatch.TaskID]map[*stream]struct{}),
		dials:   make(map[paperwatch.TaskID]int),
		refused: make(map[paperwatch.TaskID]bool),
		papers:  make(map[paperwatch.TaskID]*paperwatch.TaskRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/papers/ws/paper/{id}", s.handleWS)
	mux.HandleFunc("GET /api/v1/papers/sse/paper/{id}", s.handleSSE)
	mux.HandleFunc("POST /api/v1/papers/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/v1/papers/{$}", s.handleList)
	mux.HandleFunc("GET /api/v1/papers/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/v1/papers/{id}", s.handleDelete)

	s.ts = httptest.NewServer(mux)
	s.URL = s.ts.URL
	t.Cleanup(func() {
		// Streams hold requests open; end them before the listener waits.
		s.DropAll()
		s.ts.Close()
	})
	return s
}

// StreamURL returns the WebSocket address template for paperwatch.WSDialer.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/papers/ws/paper/{id}"
}

// SSEURL returns the SSE address template for paperwatch.SSEDialer.
func (s *Server) SSEURL() string {
	return s.URL + "/api/v1/papers/sse/paper/{id}"
}

// Send delivers v as one JSON message to every stream of id.
func (s *Server) Send(id paperwatch.TaskID, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendRaw(id, data)
}

// SendRaw delivers data unmodified to every stream of id.
func (s *Server) SendRaw(id paperwatch.TaskID, data []byte) error {
	s.mu.Lock()
	targets := make([]*stream, 0, len(s.streams[id]))
	for st := range s.streams[id] {
		if !st.dropped() {
			targets = append(targets, st)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("pipelinetest: no stream for task %d", id)
	}
	for _, st := range targets {
		select {
		case st.send <- data:
		case <-st.drop:
		}
	}
	return nil
}

// Finish marks the paper of id completed and then sends the completion
// sentinel, the order the real pipeline uses.
func (s *Server) Finish(id paperwatch.TaskID, scores *paperwatch.DetailedScores) error {
	s.mu.Lock()
	if p, ok := s.papers[id]; ok {
		p.Status = "completed"
		p.Content = "# " + p.Title
		if scores != nil {
			p.DetailedScores = scores
			p.QualityScore = scores.Total
		}
	}
	s.mu.Unlock()

	return s.Send(id, paperwatch.Event{
		Stage:          paperwatch.StageCompleted,
		Status:         paperwatch.StatusCompleted,
		Message:        "completed is completed",
		Progress:       100,
		DetailedScores: scores,
	})
}

// Drop abruptly ends every stream of id, like a network failure.
func (s *Server) Drop(id paperwatch.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams[id] {
		st.close()
	}
}

// DropAll ends every stream.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.streams {
		for st := range set {
			st.close()
		}
	}
}

// Refuse makes stream requests for id fail before the handshake.
func (s *Server) Refuse(id paperwatch.TaskID, refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refused[id] = refuse
}

// Connections returns the number of live streams for id.
func (s *Server) Connections(id paperwatch.TaskID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for st := range s.streams[id] {
		if !st.dropped() {
			n++
		}
	}
	return n
}

// Dials returns how many stream requests arrived for id, refused or not.
func (s *Server) Dials(id paperwatch.TaskID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[id]
}

// AddPaper seeds a paper and returns its id.
func (s *Server) AddPaper(p paperwatch.TaskRecord) paperwatch.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.papers[p.ID] = &p
	return p.ID
}

// Paper returns a copy of the stored paper.
func (s *Server) Paper(id paperwatch.TaskID) (paperwatch.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[id]
	if !ok {
		return paperwatch.TaskRecord{}, false
	}
	return *p, true
}

// accept counts the dial and registers a stream unless id is refused.
func (s *Server) accept(id paperwatch.TaskID) (*stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials[id]++
	if s.refused[id] {
		return nil, false
	}
	st := newStream()
	if s.streams[id] == nil {
		s.streams[id] = make(map[*stream]struct{})
	}
	s.streams[id][st] = struct{}{}
	return st, true
}

func (s *Server) release(id paperwatch.TaskID, st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams[id], st)
	if len(s.streams[id]) == 0 {
		delete(s.streams, id)
	}
}

func taskIDFromPath(r *http.Request) (paperwatch.TaskID, bool) {
	n, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return paperwatch.TaskID(n), true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	st, ok := s.accept(id)
	if !ok {
		http.Error(w, "stream refused", http.StatusServiceUnavailable)
		return
	}
	defer s.release(id, st)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// Read until the client goes away so its close is noticed.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				st.close()
				return
			}
		}
	}()

	for {
		select {
		case data := <-st.send:
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-st.drop:
			return
		}
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	st, ok := s.accept(id)
	if !ok {
		http.Error(w, "stream refused", http.StatusServiceUnavailable)
		return
	}
	defer s.release(id, st)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case data := <-st.send:
			fmt.Fprintf(w, "event: progress\n")
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-st.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.MarshalWrite(w, v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TopicID  int64   `json:"topic_id"`
		TopicIDs []int64 `json:"topic_ids"`
	}
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.TopicID <= 0 {
		writeDetail(w, http.StatusNotFound, "Topic not found")
		return
	}
	topic := req.TopicID
	p := paperwatch.TaskRecord{
		TopicID: &topic,
		Title:   fmt.Sprintf("Research on topic %d", topic),
		Version: 1,
		Status:  "processing",
	}
	if len(req.TopicIDs) > 0 {
		ids, _ := json.Marshal(req.TopicIDs)
		p.TopicIDs = string(ids)
	}
	id := s.AddPaper(p)
	stored, _ := s.Paper(id)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]paperwatch.TaskRecord, 0, len(s.papers))
	for _, p := range s.papers {
		list = append(list, *p)
	}
	s.mu.Unlock()
	slices.SortFunc(list, func(a, b paperwatch.TaskRecord) int {
		return int(b.ID - a.ID)
	})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid paper id")
		return
	}
	p, ok := s.Paper(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Paper not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid paper id")
		return
	}
	s.mu.Lock()
	_, found := s.papers[id]
	delete(s.papers, id)
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, "Paper not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Paper deleted successfully"})
}
