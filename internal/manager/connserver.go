package manager

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/artemis/device-manager/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire shape of every event in both directions: a name and a
// single typed payload.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wsConn adapts a gorilla/websocket connection to the Conn capability each
// component writes to. Sends go through a buffered channel drained by a
// dedicated writer goroutine; a full buffer means the peer is too slow and
// the message is dropped rather than blocking the caller.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c, send: make(chan []byte, 64)}
}

func (w *wsConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Event: event, Payload: data})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("connection closed")
	}
	select {
	case w.send <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.send)
	w.mu.Unlock()
	return w.conn.Close()
}

func (w *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type connRole int

const (
	roleAnonymous connRole = iota
	roleWorker
	roleViewer
)

// connEntry is one live connection's entry in the ConnectionServer's
// connection_id → worker_id mapping, generalized to also carry viewer
// subscription state.
type connEntry struct {
	id       string
	wc       *wsConn
	role     connRole
	workerID string
	deviceID string
}

// Wire payload shapes, decoded from the envelope per event name (§6).
type registerPayload struct {
	WorkerID          string       `json:"workerId"`
	WorkerType        string       `json:"workerType"`
	Version           string       `json:"version"`
	Capabilities      []Capability `json:"capabilities"`
	ConnectedDevices  []string     `json:"connectedDevices"`
	MaxConcurrentJobs int          `json:"maxConcurrentJobs"`
	Host              Host         `json:"host"`
	AuthToken         string       `json:"authToken"`
}

type heartbeatPayload struct {
	WorkerID  string               `json:"workerId"`
	Timestamp int64                `json:"timestamp"`
	Metrics   heartbeatMetricsWire `json:"metrics"`
	Devices   []Device             `json:"devices"`
}

// heartbeatMetricsWire is the wire shape of evt:heartbeat's metrics object
// (§6): the Worker's self-reported resource usage plus its own active_jobs
// count, which WorkerMetrics itself does not carry since that field lives on
// Worker directly rather than on its last-reported metrics snapshot.
type heartbeatMetricsWire struct {
	WorkerMetrics
	ActiveJobs int `json:"activeJobs"`
}

type jobProgressPayload struct {
	JobID       string `json:"jobId"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep"`
	Timestamp   int64  `json:"timestamp"`
	DeviceID    string `json:"deviceId"`
}

type jobCompletePayload struct {
	JobID       string    `json:"jobId"`
	Success     bool      `json:"success"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Result      any       `json:"result,omitempty"`
	Error       *JobError `json:"error,omitempty"`
}

type viewerSubscribePayload struct {
	DeviceID string `json:"deviceId"`
}

type streamStartedPayload struct {
	DeviceID    string      `json:"deviceId"`
	SessionID   string      `json:"sessionId"`
	Config      any         `json:"config"`
	MinicapInfo MinicapInfo `json:"minicapInfo"`
}

type streamStoppedPayload struct {
	DeviceID    string `json:"deviceId"`
	SessionID   string `json:"sessionId"`
	Reason      string `json:"reason"`
	TotalFrames int64  `json:"totalFrames"`
	DurationMs  int64  `json:"durationMs"`
}

type streamErrorPayload struct {
	DeviceID    string `json:"deviceId"`
	SessionID   string `json:"sessionId,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type streamFramePayload struct {
	DeviceID string `json:"deviceId"`
	Frame    Frame  `json:"frame"`
}

type streamStatsPayload struct {
	DeviceID string `json:"deviceId"`
	Stats    any    `json:"stats"`
}

type qualityChangePayload struct {
	DeviceID        string `json:"deviceId"`
	PreviousQuality string `json:"previousQuality"`
	NewQuality      string `json:"newQuality"`
	Reason          string `json:"reason"`
}

// ConnectionServer is the transport layer: it owns the websocket listener,
// demultiplexes inbound events to Registry/Dispatcher/StreamProxy, and
// routes outbound commands through the handle cached on each Worker.
type ConnectionServer struct {
	listenerSet

	registry    *WorkerRegistry
	dispatcher  *TaskDispatcher
	streamProxy *StreamProxy
	logger      *observability.Logger
	metrics     *observability.Metrics

	managerID    string
	bearerToken  string
	pingInterval time.Duration
	pingTimeout  time.Duration

	mu    sync.Mutex
	conns map[string]*connEntry

	httpServer *http.Server
}

// NewConnectionServer constructs a ConnectionServer. managerID is echoed back
// in cmd:register_ack; bearerToken is the shared secret Workers must present
// in evt:register.
func NewConnectionServer(registry *WorkerRegistry, dispatcher *TaskDispatcher, streamProxy *StreamProxy, logger *observability.Logger, metrics *observability.Metrics, managerID, bearerToken string, pingInterval, pingTimeout time.Duration) *ConnectionServer {
	return &ConnectionServer{
		registry:     registry,
		dispatcher:   dispatcher,
		streamProxy:  streamProxy,
		logger:       logger,
		metrics:      metrics,
		managerID:    managerID,
		bearerToken:  bearerToken,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		conns:        make(map[string]*connEntry),
	}
}

// Start binds and begins accepting connections.
func (s *ConnectionServer) Start(host string, port int) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", s.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("connection server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.logger.Info("connection server listening", zap.String("addr", addr))
	return nil
}

// Stop closes every live connection, then the listener, within ctx's deadline.
func (s *ConnectionServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*connEntry, 0, len(s.conns))
	for _, e := range s.conns {
		entries = append(entries, e)
	}
	s.conns = make(map[string]*connEntry)
	s.mu.Unlock()

	for _, e := range entries {
		e.wc.Close()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HandleWebSocket upgrades an incoming request and spins up the connection's
// read/write pumps. Registered as a gin route.
func (s *ConnectionServer) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	entry := &connEntry{id: connID, wc: newWSConn(conn), role: roleAnonymous}

	s.mu.Lock()
	s.conns[connID] = entry
	s.mu.Unlock()
	s.refreshConnectionMetrics()

	go entry.wc.writePump(s.pingInterval)
	s.readLoop(connID, entry, conn)
}

func (s *ConnectionServer) readLoop(connID string, entry *connEntry, conn *websocket.Conn) {
	deadline := s.pingInterval + s.pingTimeout
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	defer s.handleDisconnect(connID, entry)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		s.handleMessage(connID, entry, data)
	}
}

func (s *ConnectionServer) handleDisconnect(connID string, entry *connEntry) {
	s.mu.Lock()
	delete(s.conns, connID)
	role, workerID := entry.role, entry.workerID
	s.mu.Unlock()
	s.refreshConnectionMetrics()

	entry.wc.Close()

	switch role {
	case roleWorker:
		s.registry.Unregister(workerID, "connection_closed")
	case roleViewer:
		s.streamProxy.RemoveViewerFromAll(connID)
	}
	s.emit(Event{Name: EvtConnectionClosed, Payload: connID})
}

// refreshConnectionMetrics recomputes the live worker/viewer connection
// gauges from the current connection table. Called after any change to a
// connection's presence or role.
func (s *ConnectionServer) refreshConnectionMetrics() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	var workers, viewers int
	for _, e := range s.conns {
		switch e.role {
		case roleWorker:
			workers++
		case roleViewer:
			viewers++
		}
	}
	s.mu.Unlock()

	s.metrics.SetConnectionsActive("worker", float64(workers))
	s.metrics.SetConnectionsActive("viewer", float64(viewers))
}

func (s *ConnectionServer) handleMessage(connID string, entry *connEntry, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("malformed message dropped", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	s.mu.Lock()
	role := entry.role
	s.mu.Unlock()

	if role == roleAnonymous && env.Event != "evt:register" && env.Event != "viewer:subscribe" {
		s.logger.Warn("event from anonymous connection dropped", zap.String("conn_id", connID), zap.String("event", env.Event))
		return
	}

	switch env.Event {
	case "evt:register":
		s.handleRegister(entry, env.Payload)
	case "viewer:subscribe":
		s.handleViewerSubscribe(connID, entry, env.Payload)
	case "viewer:unsubscribe":
		s.handleViewerUnsubscribe(connID, entry)
	case "evt:heartbeat":
		s.handleHeartbeat(entry, env.Payload)
	case "evt:job_progress":
		s.handleJobProgress(entry, env.Payload)
	case "evt:job_complete":
		s.handleJobComplete(entry, env.Payload)
	case "evt:pong":
		s.logger.Debug("pong received", zap.String("conn_id", connID))
	case "evt:stream_started":
		s.handleStreamStarted(entry, env.Payload)
	case "evt:stream_stopped":
		s.handleStreamStopped(entry, env.Payload)
	case "evt:stream_error":
		s.handleStreamError(entry, env.Payload)
	case "evt:stream_frame":
		s.handleStreamFrame(entry, env.Payload)
	case "evt:stream_stats":
		s.handleStreamStats(env.Payload)
	case "evt:quality_change":
		s.handleQualityChange(entry, env.Payload)
	default:
		s.logger.Warn("unknown event type dropped", zap.String("conn_id", connID), zap.String("event", env.Event))
	}
}

func (s *ConnectionServer) handleRegister(entry *connEntry, raw json.RawMessage) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		entry.wc.Send("cmd:register_ack", map[string]any{"success": false, "error": err.Error()})
		entry.wc.Close()
		return
	}

	if s.bearerToken != "" && subtle.ConstantTimeCompare([]byte(p.AuthToken), []byte(s.bearerToken)) != 1 {
		entry.wc.Send("cmd:register_ack", map[string]any{"success": false, "error": "invalid token"})
		entry.wc.Close()
		return
	}

	worker := s.registry.Register(RegisterEvent{
		WorkerID:          p.WorkerID,
		WorkerType:        WorkerType(p.WorkerType),
		Version:           p.Version,
		Capabilities:      p.Capabilities,
		ConnectedDevices:  p.ConnectedDevices,
		MaxConcurrentJobs: p.MaxConcurrentJobs,
		Host:              p.Host,
	}, entry.wc)

	s.mu.Lock()
	entry.role = roleWorker
	entry.workerID = worker.ID
	s.mu.Unlock()
	s.refreshConnectionMetrics()

	entry.wc.Send("cmd:register_ack", map[string]any{
		"success":    true,
		"managerId":  s.managerID,
		"serverTime": time.Now().UnixMilli(),
	})
}

func (s *ConnectionServer) handleViewerSubscribe(connID string, entry *connEntry, raw json.RawMessage) {
	var p viewerSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed viewer subscribe", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	s.mu.Lock()
	entry.role = roleViewer
	entry.deviceID = p.DeviceID
	s.mu.Unlock()
	s.refreshConnectionMetrics()

	if !s.streamProxy.AddViewer(p.DeviceID, connID, entry.wc) {
		entry.wc.Send("screen:error", map[string]any{
			"deviceId": p.DeviceID,
			"code":     "NO_ACTIVE_STREAM_OR_VIEWER_CAP",
			"message":  "no active stream for device, or viewer cap reached",
		})
	}
}

func (s *ConnectionServer) handleViewerUnsubscribe(connID string, entry *connEntry) {
	s.mu.Lock()
	deviceID := entry.deviceID
	s.mu.Unlock()
	if deviceID != "" {
		s.streamProxy.RemoveViewer(deviceID, connID)
	}
}

func (s *ConnectionServer) handleHeartbeat(entry *connEntry, raw json.RawMessage) {
	var p heartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed heartbeat", zap.Error(err))
		return
	}
	if p.WorkerID != entry.workerID {
		s.logger.Warn("heartbeat worker id mismatch", zap.String("mapped", entry.workerID), zap.String("claimed", p.WorkerID))
		return
	}
	s.registry.UpdateHeartbeat(HeartbeatEvent{
		WorkerID:   p.WorkerID,
		Timestamp:  p.Timestamp,
		Metrics:    p.Metrics.WorkerMetrics,
		ActiveJobs: p.Metrics.ActiveJobs,
		Devices:    p.Devices,
	})
}

func (s *ConnectionServer) handleJobProgress(entry *connEntry, raw json.RawMessage) {
	var p jobProgressPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed job progress", zap.Error(err))
		return
	}
	s.dispatcher.HandleProgress(ProgressEvent{
		JobID:       p.JobID,
		Progress:    p.Progress,
		CurrentStep: p.CurrentStep,
		Timestamp:   p.Timestamp,
		DeviceID:    p.DeviceID,
	}, entry.workerID)
}

func (s *ConnectionServer) handleJobComplete(entry *connEntry, raw json.RawMessage) {
	var p jobCompletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed job completion", zap.Error(err))
		return
	}
	s.dispatcher.HandleCompletion(CompletionEvent{
		JobID:       p.JobID,
		Success:     p.Success,
		CompletedAt: p.CompletedAt,
		DurationMs:  p.DurationMs,
		Result:      p.Result,
		Error:       p.Error,
	}, entry.workerID)
}

func (s *ConnectionServer) handleStreamStarted(entry *connEntry, raw json.RawMessage) {
	var p streamStartedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed stream start", zap.Error(err))
		return
	}
	s.streamProxy.HandleStart(entry.workerID, StreamStartEvent{
		DeviceID:    p.DeviceID,
		SessionID:   p.SessionID,
		Config:      p.Config,
		MinicapInfo: p.MinicapInfo,
	})
}

func (s *ConnectionServer) handleStreamStopped(entry *connEntry, raw json.RawMessage) {
	var p streamStoppedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed stream stop", zap.Error(err))
		return
	}
	s.streamProxy.HandleStop(entry.workerID, StreamStopEvent{
		DeviceID:    p.DeviceID,
		SessionID:   p.SessionID,
		Reason:      p.Reason,
		TotalFrames: p.TotalFrames,
		DurationMs:  p.DurationMs,
	})
}

func (s *ConnectionServer) handleStreamError(entry *connEntry, raw json.RawMessage) {
	var p streamErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed stream error", zap.Error(err))
		return
	}
	s.streamProxy.HandleError(entry.workerID, StreamErrorEvent{
		DeviceID:    p.DeviceID,
		SessionID:   p.SessionID,
		Code:        p.Code,
		Message:     p.Message,
		Recoverable: p.Recoverable,
	})
}

func (s *ConnectionServer) handleStreamFrame(entry *connEntry, raw json.RawMessage) {
	var p streamFramePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed stream frame", zap.Error(err))
		return
	}
	s.streamProxy.HandleFrame(entry.workerID, p.DeviceID, p.Frame)
}

func (s *ConnectionServer) handleStreamStats(raw json.RawMessage) {
	var p streamStatsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed stream stats", zap.Error(err))
		return
	}
	s.streamProxy.HandleStats(p.DeviceID, p.Stats)
}

func (s *ConnectionServer) handleQualityChange(entry *connEntry, raw json.RawMessage) {
	var p qualityChangePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("malformed quality change", zap.Error(err))
		return
	}
	s.streamProxy.HandleQualityChange(QualityChangeEvent{
		DeviceID:        p.DeviceID,
		PreviousQuality: p.PreviousQuality,
		NewQuality:      p.NewQuality,
		Reason:          p.Reason,
	})
}

// ConnectionCount returns the number of currently live connections, for the
// inspection API.
func (s *ConnectionServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
