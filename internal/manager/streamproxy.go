package manager

import (
	"sync"
	"time"

	"github.com/artemis/device-manager/internal/observability"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StreamStartEvent is reported by a Worker when it begins producing frames
// for a device.
type StreamStartEvent struct {
	DeviceID    string
	SessionID   string
	Config      any
	MinicapInfo MinicapInfo
}

// StreamStopEvent is reported by a Worker when it stops producing frames,
// whether by request or on its own.
type StreamStopEvent struct {
	DeviceID    string
	SessionID   string
	Reason      string
	TotalFrames int64
	DurationMs  int64
}

// StreamErrorEvent is reported by a Worker when stream production fails.
// Recoverable errors leave the session open; others tear it down.
type StreamErrorEvent struct {
	DeviceID    string
	SessionID   string
	Code        string
	Message     string
	Recoverable bool
}

// QualityChangeEvent is reported by a Worker when it adjusts stream quality,
// e.g. in response to a capacity signal.
type QualityChangeEvent struct {
	DeviceID        string
	PreviousQuality string
	NewQuality      string
	Reason          string
}

// StreamStats is a point-in-time view of one session for the inspection API.
type StreamStats struct {
	DeviceID       string    `json:"deviceId"`
	WorkerID       string    `json:"workerId"`
	SessionID      string    `json:"sessionId"`
	ViewerCount    int       `json:"viewerCount"`
	BufferedFrames int       `json:"bufferedFrames"`
	StartedAt      time.Time `json:"startedAt"`
	LastFrameAt    time.Time `json:"lastFrameAt"`
}

// StreamProxy owns per-device stream session state: the viewer fan-out list,
// the ring-buffered frame cache, and the per-session rate limiter. At most
// one active session exists per device.
type StreamProxy struct {
	listenerSet

	mu       sync.Mutex
	sessions map[string]*StreamSession
	registry *WorkerRegistry
	logger   *observability.Logger
	metrics  *observability.Metrics

	maxBufferSize       int
	maxViewersPerStream int
	maxFrameRate        int
}

// NewStreamProxy constructs a StreamProxy. maxFrameRate bounds the per-session
// token bucket; maxBufferSize bounds the ring buffer; maxViewersPerStream
// bounds fan-out.
func NewStreamProxy(registry *WorkerRegistry, logger *observability.Logger, metrics *observability.Metrics, maxBufferSize, maxViewersPerStream, maxFrameRate int) *StreamProxy {
	return &StreamProxy{
		sessions:            make(map[string]*StreamSession),
		registry:            registry,
		logger:              logger,
		metrics:             metrics,
		maxBufferSize:       maxBufferSize,
		maxViewersPerStream: maxViewersPerStream,
		maxFrameRate:        maxFrameRate,
	}
}

// HandleStart opens a new session for a device. A start while one is already
// open is ignored; the Worker is expected to stop before restarting.
func (p *StreamProxy) HandleStart(workerID string, e StreamStartEvent) {
	p.mu.Lock()
	if _, exists := p.sessions[e.DeviceID]; exists {
		p.mu.Unlock()
		p.logger.Warn("stream already active, ignoring start", zap.String("device_id", e.DeviceID))
		return
	}
	session := &StreamSession{
		DeviceID:    e.DeviceID,
		WorkerID:    workerID,
		SessionID:   e.SessionID,
		Config:      e.Config,
		MinicapInfo: e.MinicapInfo,
		Viewers:     make(map[string]*Viewer),
		StartedAt:   time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(p.maxFrameRate), 1),
	}
	p.sessions[e.DeviceID] = session
	total := len(p.sessions)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SetActiveStreams(float64(total))
	}
	p.emit(Event{Name: EvtStreamStarted, Payload: session})
}

// HandleStop closes a session and notifies its viewers. A stop for an
// unknown device or a stale session id is dropped.
func (p *StreamProxy) HandleStop(workerID string, e StreamStopEvent) {
	p.mu.Lock()
	session, ok := p.sessions[e.DeviceID]
	if !ok || session.SessionID != e.SessionID {
		p.mu.Unlock()
		return
	}
	viewers := viewerList(session)
	delete(p.sessions, e.DeviceID)
	total := len(p.sessions)
	p.mu.Unlock()

	notifyViewers(p.logger, viewers, "screen:stopped", map[string]any{
		"deviceId": e.DeviceID,
		"reason":   e.Reason,
	})
	if p.metrics != nil {
		p.metrics.SetActiveStreams(float64(total))
	}
	p.emit(Event{Name: EvtStreamStopped, Payload: session})
}

// HandleError processes a Worker-reported stream error. Every error is relayed
// to the session's viewers as screen:error. Recoverable errors leave the
// session intact for a later frame or stop; unrecoverable errors tear it down.
func (p *StreamProxy) HandleError(workerID string, e StreamErrorEvent) {
	p.mu.Lock()
	session, ok := p.sessions[e.DeviceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.SessionID != "" && e.SessionID != session.SessionID {
		p.mu.Unlock()
		return
	}
	viewers := viewerList(session)
	destroy := !e.Recoverable
	if destroy {
		delete(p.sessions, e.DeviceID)
	}
	total := len(p.sessions)
	p.mu.Unlock()

	notifyViewers(p.logger, viewers, "screen:error", map[string]any{
		"deviceId": e.DeviceID,
		"code":     e.Code,
		"message":  e.Message,
	})
	if destroy && p.metrics != nil {
		p.metrics.SetActiveStreams(float64(total))
	}
}

// HandleFrame admits a frame into a session's ring buffer and fans it out to
// every current viewer. Frames are dropped, not queued, past the per-session
// rate limit, and an identical repeat of the last frame (same number and
// bytes, as a Worker may emit across a reconnect blip) is dropped too.
func (p *StreamProxy) HandleFrame(workerID, deviceID string, frame Frame) {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	if !ok || session.WorkerID != workerID {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	session.mu.Lock()
	if !session.limiter.Allow() {
		session.mu.Unlock()
		if p.metrics != nil {
			p.metrics.RecordFrameDropped(deviceID)
		}
		return
	}

	hash := xxhash.Sum64(frame.Data)
	if !session.lastFrameTime.IsZero() && frame.FrameNumber == session.lastFrameNumber && hash == session.lastFrameHash {
		session.mu.Unlock()
		return
	}

	session.frames = append(session.frames, frame)
	if len(session.frames) > p.maxBufferSize {
		session.frames = session.frames[len(session.frames)-p.maxBufferSize:]
	}
	session.lastFrameTime = time.Now()
	session.LastFrameAt = session.lastFrameTime
	session.lastFrameNumber = frame.FrameNumber
	session.lastFrameHash = hash
	viewers := make([]*Viewer, 0, len(session.Viewers))
	for _, v := range session.Viewers {
		viewers = append(viewers, v)
	}
	bufLen := len(session.frames)
	session.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObserveBufferUtilization("stream", float64(bufLen)/float64(p.maxBufferSize))
	}

	for _, v := range viewers {
		p.sendFrame(deviceID, v, frame)
	}
}

func (p *StreamProxy) sendFrame(deviceID string, v *Viewer, frame Frame) {
	payload := map[string]any{
		"deviceId":    deviceID,
		"frameNumber": frame.FrameNumber,
		"timestamp":   frame.Timestamp,
		"width":       frame.Width,
		"height":      frame.Height,
		"format":      frame.Format,
		"data":        frame.Data,
		"size":        frame.Size,
	}
	if err := v.conn.Send("screen:frame", payload); err != nil {
		p.logger.Warn("failed to forward frame to viewer",
			zap.String("conn_id", v.ConnID), zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	v.FramesSent++
	v.LastFrameSent = time.Now()
	if p.metrics != nil {
		p.metrics.RecordFrameForwarded(deviceID)
	}
}

// AddViewer attaches a viewer connection to a device's active session,
// sending it the session's codec info and, if one is buffered, the latest
// frame so the viewer doesn't wait for the next tick to see something.
// Returns false if no session is open or the viewer cap is reached.
func (p *StreamProxy) AddViewer(deviceID, connID string, conn Conn) bool {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	session.mu.Lock()
	if v, exists := session.Viewers[connID]; exists {
		session.mu.Unlock()
		_ = v
		return true
	}
	if len(session.Viewers) >= p.maxViewersPerStream {
		session.mu.Unlock()
		return false
	}
	viewer := &Viewer{ConnID: connID, DeviceID: deviceID, JoinedAt: time.Now(), conn: conn}
	session.Viewers[connID] = viewer
	info := session.MinicapInfo
	cfg := session.Config
	sessionID := session.SessionID
	var latest *Frame
	if n := len(session.frames); n > 0 {
		f := session.frames[n-1]
		latest = &f
	}
	session.mu.Unlock()

	_ = conn.Send("screen:info", map[string]any{
		"deviceId":    deviceID,
		"sessionId":   sessionID,
		"config":      cfg,
		"minicapInfo": info,
	})
	if latest != nil {
		p.sendFrame(deviceID, viewer, *latest)
	}

	p.emit(Event{Name: EvtStreamViewerJoined, Payload: viewer})
	return true
}

// RemoveViewer detaches a viewer from one device's session. Returns false if
// it wasn't attached.
func (p *StreamProxy) RemoveViewer(deviceID, connID string) bool {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	session.mu.Lock()
	_, existed := session.Viewers[connID]
	delete(session.Viewers, connID)
	session.mu.Unlock()
	return existed
}

// RemoveViewerFromAll detaches connID from every session, for use when a
// viewer connection closes without an explicit unsubscribe.
func (p *StreamProxy) RemoveViewerFromAll(connID string) {
	p.mu.Lock()
	sessions := make([]*StreamSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		delete(s.Viewers, connID)
		s.mu.Unlock()
	}
}

// RequestStreamStart asks the Worker owning deviceID to begin streaming.
// Returns false if no Worker currently owns the device or delivery failed.
func (p *StreamProxy) RequestStreamStart(deviceID string, config any) bool {
	workerID, ok := p.registry.FindWorkerByDevice(deviceID)
	if !ok {
		return false
	}
	if err := p.registry.SendCommand(workerID, "cmd:start_stream", map[string]any{
		"deviceId": deviceID,
		"config":   config,
	}); err != nil {
		p.logger.Warn("failed to deliver start_stream command", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	return true
}

// RequestStreamStop asks the Worker running deviceID's active session to
// stop it. Returns false if no session is open or delivery failed.
func (p *StreamProxy) RequestStreamStop(deviceID string) bool {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.registry.SendCommand(session.WorkerID, "cmd:stop_stream", map[string]any{
		"deviceId":  deviceID,
		"sessionId": session.SessionID,
	}); err != nil {
		p.logger.Warn("failed to deliver stop_stream command", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	return true
}

// HandleStats records a Worker's self-reported stream stats. The core
// doesn't interpret these beyond logging; they exist for operator visibility.
func (p *StreamProxy) HandleStats(deviceID string, stats any) {
	p.logger.Debug("stream stats received", zap.String("device_id", deviceID))
}

// HandleQualityChange relays a Worker's quality adjustment to viewers.
func (p *StreamProxy) HandleQualityChange(e QualityChangeEvent) {
	p.mu.Lock()
	session, ok := p.sessions[e.DeviceID]
	p.mu.Unlock()
	if !ok {
		return
	}
	notifyViewers(p.logger, viewerList(session), "screen:quality_changed", map[string]any{
		"deviceId": e.DeviceID,
		"quality":  e.NewQuality,
		"reason":   e.Reason,
	})
	p.emit(Event{Name: EvtStreamQualityChange, Payload: e})
}

// Stats returns a snapshot of one device's session.
func (p *StreamProxy) Stats(deviceID string) (StreamStats, bool) {
	p.mu.Lock()
	session, ok := p.sessions[deviceID]
	p.mu.Unlock()
	if !ok {
		return StreamStats{}, false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return StreamStats{
		DeviceID:       session.DeviceID,
		WorkerID:       session.WorkerID,
		SessionID:      session.SessionID,
		ViewerCount:    len(session.Viewers),
		BufferedFrames: len(session.frames),
		StartedAt:      session.StartedAt,
		LastFrameAt:    session.LastFrameAt,
	}, true
}

// AllStats returns a snapshot of every active session, for the inspection API.
func (p *StreamProxy) AllStats() []StreamStats {
	p.mu.Lock()
	sessions := make([]*StreamSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	out := make([]StreamStats, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, StreamStats{
			DeviceID:       s.DeviceID,
			WorkerID:       s.WorkerID,
			SessionID:      s.SessionID,
			ViewerCount:    len(s.Viewers),
			BufferedFrames: len(s.frames),
			StartedAt:      s.StartedAt,
			LastFrameAt:    s.LastFrameAt,
		})
		s.mu.Unlock()
	}
	return out
}

// EndStreamsForWorker tears down every session owned by workerID, for use
// when the owning Worker is evicted. Returns the number of sessions ended.
func (p *StreamProxy) EndStreamsForWorker(workerID string) int {
	p.mu.Lock()
	var ended []*StreamSession
	for deviceID, s := range p.sessions {
		if s.WorkerID == workerID {
			ended = append(ended, s)
			delete(p.sessions, deviceID)
		}
	}
	total := len(p.sessions)
	p.mu.Unlock()

	for _, s := range ended {
		notifyViewers(p.logger, viewerList(s), "screen:stopped", map[string]any{
			"deviceId": s.DeviceID,
			"reason":   "worker_disconnected",
		})
		p.emit(Event{Name: EvtStreamStopped, Payload: s})
	}
	if p.metrics != nil {
		p.metrics.SetActiveStreams(float64(total))
	}
	return len(ended)
}

func viewerList(s *StreamSession) []*Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Viewer, 0, len(s.Viewers))
	for _, v := range s.Viewers {
		out = append(out, v)
	}
	return out
}

func notifyViewers(logger *observability.Logger, viewers []*Viewer, event string, payload any) {
	for _, v := range viewers {
		if err := v.conn.Send(event, payload); err != nil {
			logger.Warn("failed to notify viewer",
				zap.String("conn_id", v.ConnID), zap.String("event", event), zap.Error(err))
		}
	}
}
