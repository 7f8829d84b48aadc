// Package backendtest provides an in-process fake of the agent backend for
// tests. It serves the full HTTP surface plus the WebSocket event stream.
package backendtest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// Call is one recorded request.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Session is the fake's state for one session.
type Session struct {
	Path    string
	Agent   types.AgentConfig
	Status  string
	Config  types.SessionConfig
	Events  []types.ServerEvent
	streams map[*websocket.Conn]struct{}
}

// Server is a fake agent backend.
type Server struct {
	*httptest.Server

	// OnRevert overrides the default revert behaviour, which drops every
	// checkpoint above the target.
	OnRevert func(s *Session, checkpointID int)

	mu       sync.Mutex
	sessions map[string]*Session
	indexes  map[string]string
	calls    []Call
	failures map[string][]int
	nextID   int64
	upgrader websocket.Upgrader
}

// New starts a fake backend. It is closed automatically when the test ends.
func New(t interface{ Cleanup(func()) }) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		sessions: make(map[string]*Session),
		indexes:  make(map[string]string),
		failures: make(map[string][]int),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	router := gin.New()
	router.Use(s.record, s.inject)

	router.GET("/sessions", s.listSessions)
	router.POST("/sessions/:name", s.create)
	router.PATCH("/sessions/:name/start", s.setStatus("running"))
	router.PATCH("/sessions/:name/pause", s.setStatus("paused"))
	router.PATCH("/sessions/:name/resume", s.setStatus("running"))
	router.PATCH("/sessions/:name/revert", s.revert)
	router.PATCH("/sessions/:name/update", s.update)
	router.GET("/sessions/:name/config", s.config)
	router.GET("/sessions/:name/diff", s.diff)
	router.GET("/sessions/:name/events", s.events)
	router.GET("/sessions/:name/events/stream", s.stream)
	router.POST("/sessions/:name/event", s.event)
	router.GET("/indexes", s.listIndexes)
	router.POST("/indexes/:path", s.createIndex)
	router.DELETE("/indexes/:path", s.deleteIndex)

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// Close shuts the server down and drops open streams.
func (s *Server) Close() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		for conn := range sess.streams {
			conn.Close()
		}
		sess.streams = nil
	}
	s.mu.Unlock()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// FailNext makes the next len(statuses) requests whose route matches op
// ("create", "start", "config", ...) answer with those statuses in order.
func (s *Server) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount counts requests with the given method and path.
func (s *Server) CallCount(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// Session returns a copy of a session's state.
func (s *Server) Session(name string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Config = sess.Config.Clone()
	out.Events = append([]types.ServerEvent(nil), sess.Events...)
	out.streams = nil
	return out, true
}

// SessionNames lists created sessions in name order.
func (s *Server) SessionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for n := range s.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetCheckpoints replaces a session's checkpoint list.
func (s *Server) SetCheckpoints(name string, cps ...types.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[name]; ok {
		sess.Config.Checkpoints = append([]types.Checkpoint(nil), cps...)
	}
}

// SetMetadata replaces a session's versioning metadata.
func (s *Server) SetMetadata(name string, md map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[name]; ok {
		sess.Config.VersioningMetadata = md
	}
}

// Push appends an event to the session log and sends it to every open
// stream. A zero EventID is assigned the next id.
func (s *Server) Push(name string, ev types.ServerEvent) types.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(name, ev)
}

// StreamCount returns the number of open streams for a session.
func (s *Server) StreamCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[name]; ok {
		return len(sess.streams)
	}
	return 0
}

// Indexes returns the fake's index table.
func (s *Server) Indexes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.indexes))
	for k, v := range s.indexes {
		out[k] = v
	}
	return out
}

func (s *Server) pushLocked(name string, ev types.ServerEvent) types.ServerEvent {
	sess, ok := s.sessions[name]
	if !ok {
		return ev
	}
	if ev.EventID == 0 {
		s.nextID++
		ev.EventID = s.nextID
	} else if ev.EventID > s.nextID {
		s.nextID = ev.EventID
	}
	sess.Events = append(sess.Events, ev)

	data, _ := sonic.Marshal(ev)
	for conn := range sess.streams {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(sess.streams, conn)
		}
	}
	return ev
}

func (s *Server) record(c *gin.Context) {
	body, _ := c.GetRawData()
	c.Request.Body = http.NoBody
	c.Set("body", body)

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Query:  c.Request.URL.Query(),
		Body:   body,
	})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) inject(c *gin.Context) {
	op := routeOp(c.FullPath(), c.Request.Method)

	s.mu.Lock()
	queue := s.failures[op]
	status := 0
	if len(queue) > 0 {
		status, s.failures[op] = queue[0], queue[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"detail": "injected failure"})
		return
	}
	c.Next()
}

func routeOp(route, method string) string {
	switch route {
	case "/sessions":
		return "sessions"
	case "/sessions/:name":
		return "create"
	case "/sessions/:name/events/stream":
		return "stream"
	case "/indexes":
		return "indexes"
	case "/indexes/:path":
		if method == http.MethodDelete {
			return "index_delete"
		}
		return "index_create"
	}
	last := route
	for i := len(route) - 1; i >= 0; i-- {
		if route[i] == '/' {
			last = route[i+1:]
			break
		}
	}
	return last
}

func body(c *gin.Context) []byte {
	if v, ok := c.Get("body"); ok {
		return v.([]byte)
	}
	return nil
}

func (s *Server) lookup(c *gin.Context) (*Session, bool) {
	sess, ok := s.sessions[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
	}
	return sess, ok
}

func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SessionSummary, 0, len(s.sessions))
	for name, sess := range s.sessions {
		out = append(out, types.SessionSummary{Name: name, Path: sess.Path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}

func (s *Server) create(c *gin.Context) {
	var agent types.AgentConfig
	if err := sonic.Unmarshal(body(c), &agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "path required"})
		return
	}

	versioning := agent.VersioningType
	if versioning == "" {
		versioning = types.VersioningNone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.Param("name")] = &Session{
		Path:    path,
		Agent:   agent,
		Status:  "created",
		Config:  types.SessionConfig{Model: agent.Model, VersioningType: versioning, Checkpoints: []types.Checkpoint{}},
		streams: make(map[*websocket.Conn]struct{}),
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name")})
}

func (s *Server) setStatus(status string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.lookup(c)
		if !ok {
			return
		}
		sess.Status = status
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

func (s *Server) revert(c *gin.Context) {
	id, err := strconv.Atoi(c.Query("checkpoint_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "checkpoint_id required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.OnRevert != nil {
		s.OnRevert(sess, id)
	} else {
		kept := sess.Config.Checkpoints[:0]
		for _, cp := range sess.Config.Checkpoints {
			if cp.CheckpointID <= id {
				kept = append(kept, cp)
			}
		}
		sess.Config.Checkpoints = kept
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint_id": id})
}

func (s *Server) update(c *gin.Context) {
	var upd types.UpdateConfig
	if err := sonic.Unmarshal(body(c), &upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	sess.Agent.Model = upd.Model
	sess.Agent.APIKey = upd.APIKey
	sess.Config.Model = upd.Model
	c.JSON(http.StatusOK, sess.Config)
}

func (s *Server) config(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Config)
}

func (s *Server) diff(c *gin.Context) {
	src, dest := c.Query("src_checkpoint_id"), c.Query("dest_checkpoint_id")
	if src == "" || dest == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "checkpoint ids required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(c); !ok {
		return
	}
	c.JSON(http.StatusOK, types.DiffResult{Files: []types.FileDiff{
		{FilePath: "main.go", Before: "checkpoint " + src, After: "checkpoint " + dest},
	}})
}

func (s *Server) events(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Events)
}

func (s *Server) event(c *gin.Context) {
	var req types.EventRequest
	if err := sonic.Unmarshal(body(c), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	content, _ := sonic.Marshal(req.Content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(c); !ok {
		return
	}
	ev := s.pushLocked(c.Param("name"), types.ServerEvent{
		Type:     req.Type,
		Content:  content,
		Producer: req.Producer,
		Consumer: req.Consumer,
	})
	c.JSON(http.StatusOK, ev)
}

func (s *Server) stream(c *gin.Context) {
	s.mu.Lock()
	_, ok := s.lookup(c)
	s.mu.Unlock()
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[c.Param("name")]
	if !ok || sess.streams == nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	sess.streams[conn] = struct{}{}
	s.mu.Unlock()

	// Drain until the client goes away so control frames are answered.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if sess.streams != nil {
		delete(sess.streams, conn)
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) listIndexes(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.IndexEntry, 0, len(s.indexes))
	for p, st := range s.indexes {
		out = append(out, types.IndexEntry{Path: p, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	c.JSON(http.StatusOK, out)
}

func (s *Server) createIndex(c *gin.Context) {
	dir, err := url.PathUnescape(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	s.indexes[dir] = "running"
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"path": dir, "status": "running"})
}

func (s *Server) deleteIndex(c *gin.Context) {
	dir, err := url.PathUnescape(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	delete(s.indexes, dir)
	s.mu.Unlock()
	c.Status(http.StatusOK)
}
