package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artemis/device-manager/internal/observability"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// RegisterEvent is the evt:register payload the ConnectionServer decodes
// before calling Register.
type RegisterEvent struct {
	WorkerID          string
	WorkerType        WorkerType
	Version           string
	Capabilities      []Capability
	ConnectedDevices  []string
	MaxConcurrentJobs int
	Host              Host
}

// HeartbeatEvent is the evt:heartbeat payload.
type HeartbeatEvent struct {
	WorkerID   string
	Timestamp  int64
	Metrics    WorkerMetrics
	ActiveJobs int
	Devices    []Device
}

// IdleDevice is one entry of WorkerRegistry.IdleDevices.
type IdleDevice struct {
	WorkerID string
	DeviceID string
}

// WorkerSnapshot is a read-only, JSON-serializable view of a Worker, used by
// the inspection API so its shape can diverge from the internal struct.
type WorkerSnapshot struct {
	ID                string         `json:"id"`
	WorkerType        WorkerType     `json:"workerType"`
	Version           string         `json:"version"`
	Capabilities      []Capability   `json:"capabilities"`
	Devices           []Device       `json:"devices"`
	MaxConcurrentJobs int            `json:"maxConcurrentJobs"`
	Host              Host           `json:"host"`
	ConnectedAt       time.Time      `json:"connectedAt"`
	LastHeartbeat     time.Time      `json:"lastHeartbeat"`
	ActiveJobs        int            `json:"activeJobs"`
	Metrics           *WorkerMetrics `json:"metrics,omitempty"`
}

// WorkerRegistry is the authoritative map of live Workers and the devices
// they report. It is purely a data component: the health-check loop only
// advises staleness via worker:timeout, it never evicts on its own.
type WorkerRegistry struct {
	listenerSet

	mu          sync.RWMutex
	workers     map[string]*Worker
	deviceIndex map[uint64]string // xxhash(deviceID) -> workerID

	logger  *observability.Logger
	metrics *observability.Metrics

	heartbeatTimeout    time.Duration
	healthCheckInterval time.Duration
}

// NewWorkerRegistry constructs an empty registry.
func NewWorkerRegistry(logger *observability.Logger, metrics *observability.Metrics, heartbeatTimeout, healthCheckInterval time.Duration) *WorkerRegistry {
	return &WorkerRegistry{
		workers:             make(map[string]*Worker),
		deviceIndex:         make(map[uint64]string),
		logger:              logger,
		metrics:             metrics,
		heartbeatTimeout:    heartbeatTimeout,
		healthCheckInterval: healthCheckInterval,
	}
}

func deviceKey(deviceID string) uint64 {
	return xxhash.Sum64String(deviceID)
}

func reinitDevices(ids []string) []Device {
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, Device{DeviceID: id, State: DeviceIdle})
	}
	return devices
}

// Register is idempotent keyed by worker id: an existing entry is treated as
// a reconnection (socket, version, capabilities, devices, host refreshed;
// connected_at and active_jobs preserved); a new id creates a fresh record.
func (r *WorkerRegistry) Register(e RegisterEvent, conn Conn) *Worker {
	r.mu.Lock()
	var w *Worker
	evtName := EvtWorkerRegistered

	if existing, ok := r.workers[e.WorkerID]; ok {
		for _, d := range existing.Devices {
			delete(r.deviceIndex, deviceKey(d.DeviceID))
		}
		existing.connMu.Lock()
		existing.conn = conn
		existing.connMu.Unlock()
		existing.LastHeartbeat = time.Now()
		existing.Version = e.Version
		existing.Capabilities = e.Capabilities
		existing.Devices = reinitDevices(e.ConnectedDevices)
		existing.MaxConcurrentJobs = e.MaxConcurrentJobs
		existing.Host = e.Host
		w = existing
		evtName = EvtWorkerReconnected
	} else {
		w = &Worker{
			ID:                e.WorkerID,
			WorkerType:        e.WorkerType,
			Version:           e.Version,
			Capabilities:      e.Capabilities,
			Devices:           reinitDevices(e.ConnectedDevices),
			MaxConcurrentJobs: e.MaxConcurrentJobs,
			Host:              e.Host,
			ConnectedAt:       time.Now(),
			LastHeartbeat:     time.Now(),
			conn:              conn,
		}
		r.workers[e.WorkerID] = w
	}
	for _, d := range w.Devices {
		r.deviceIndex[deviceKey(d.DeviceID)] = w.ID
	}
	total := len(r.workers)
	r.mu.Unlock()

	r.logger.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("event", evtName),
		zap.Int("device_count", len(w.Devices)),
	)
	if r.metrics != nil {
		r.metrics.SetConnectedWorkers(float64(total))
		r.metrics.RecordWorkerEvent(evtName)
	}
	r.emit(Event{Name: evtName, Payload: w})
	return w
}

// Unregister removes the entry and emits worker:unregistered. Safe to call
// on an id that is already gone.
func (r *WorkerRegistry) Unregister(workerID, reason string) bool {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
		for _, d := range w.Devices {
			delete(r.deviceIndex, deviceKey(d.DeviceID))
		}
	}
	total := len(r.workers)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.logger.Info("worker unregistered", zap.String("worker_id", workerID), zap.String("reason", reason))
	if r.metrics != nil {
		r.metrics.SetConnectedWorkers(float64(total))
		r.metrics.RecordWorkerEvent(EvtWorkerUnregistered)
	}
	r.emit(Event{Name: EvtWorkerUnregistered, Payload: WorkerUnregistered{WorkerID: workerID, Reason: reason}})
	return true
}

// UpdateHeartbeat replaces last_heartbeat, metrics, active_jobs, and the
// whole device list (the Worker's own report is authoritative). Unknown
// worker ids are dropped with a log.
func (r *WorkerRegistry) UpdateHeartbeat(e HeartbeatEvent) {
	r.mu.Lock()
	w, ok := r.workers[e.WorkerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("heartbeat for unknown worker", zap.String("worker_id", e.WorkerID))
		return
	}

	for _, d := range w.Devices {
		delete(r.deviceIndex, deviceKey(d.DeviceID))
	}

	w.LastHeartbeat = time.UnixMilli(e.Timestamp)
	metrics := e.Metrics
	w.Metrics = &metrics
	w.ActiveJobs = e.ActiveJobs
	w.Devices = e.Devices

	for _, d := range w.Devices {
		r.deviceIndex[deviceKey(d.DeviceID)] = w.ID
	}
	r.mu.Unlock()

	r.emit(Event{Name: EvtWorkerHeartbeat, Payload: w})
}

// Get looks up a Worker by id.
func (r *WorkerRegistry) Get(workerID string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// List returns every registered Worker, sorted by id for deterministic
// iteration (the spec leaves tie-break order unspecified beyond "registry
// iteration order"; Go maps have none, so id order stands in for it).
func (r *WorkerRegistry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByType filters List by worker type.
func (r *WorkerRegistry) ByType(t WorkerType) []*Worker {
	var out []*Worker
	for _, w := range r.List() {
		if w.WorkerType == t {
			out = append(out, w)
		}
	}
	return out
}

// WithCapability filters for workers declaring name as an enabled capability.
func (r *WorkerRegistry) WithCapability(name string) []*Worker {
	var out []*Worker
	for _, w := range r.List() {
		for _, c := range w.Capabilities {
			if c.Name == name && c.Enabled {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// AvailableWorkers returns workers with active_jobs < max_concurrent_jobs and
// at least one idle, unreserved device.
func (r *WorkerRegistry) AvailableWorkers() []*Worker {
	var out []*Worker
	for _, w := range r.List() {
		if w.ActiveJobs >= w.MaxConcurrentJobs {
			continue
		}
		for _, d := range w.Devices {
			if d.State == DeviceIdle && d.CurrentJobID == nil {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// IdleDevices flattens every idle, unreserved device fleet-wide.
func (r *WorkerRegistry) IdleDevices() []IdleDevice {
	var out []IdleDevice
	for _, w := range r.List() {
		for _, d := range w.Devices {
			if d.State == DeviceIdle && d.CurrentJobID == nil {
				out = append(out, IdleDevice{WorkerID: w.ID, DeviceID: d.DeviceID})
			}
		}
	}
	return out
}

// FindWorkerByDevice resolves a device id to its owning worker in O(1) via
// the xxhash-keyed device index.
func (r *WorkerRegistry) FindWorkerByDevice(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workerID, ok := r.deviceIndex[deviceKey(deviceID)]
	return workerID, ok
}

// TotalDeviceCount sums devices across every registered worker.
func (r *WorkerRegistry) TotalDeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, w := range r.workers {
		total += len(w.Devices)
	}
	return total
}

// IsOnline reports whether a worker's last heartbeat is within the
// configured timeout.
func (r *WorkerRegistry) IsOnline(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	return w.LastHeartbeat.After(time.Now().Add(-r.heartbeatTimeout))
}

// ReserveDevices marks the given devices of a worker busy under jobID. Used
// by TaskDispatcher at dispatch time; it is a no-op for unknown device ids.
func (r *WorkerRegistry) ReserveDevices(workerID string, deviceIDs []string, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	wanted := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}
	for i := range w.Devices {
		if wanted[w.Devices[i].DeviceID] {
			jid := jobID
			w.Devices[i].State = DeviceBusy
			w.Devices[i].CurrentJobID = &jid
		}
	}
}

// ReleaseDevices returns the given devices of a worker to idle. Used on job
// completion, failure, and cancellation.
func (r *WorkerRegistry) ReleaseDevices(workerID string, deviceIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	wanted := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}
	for i := range w.Devices {
		if wanted[w.Devices[i].DeviceID] {
			w.Devices[i].State = DeviceIdle
			w.Devices[i].CurrentJobID = nil
		}
	}
}

// SendCommand delivers an outbound command through a worker's cached send
// handle. The ConnectionServer does not mediate this path; components write
// directly to the handle, which must itself be safe for concurrent writes.
func (r *WorkerRegistry) SendCommand(workerID, event string, payload any) error {
	r.mu.RLock()
	w, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker not found: %s", workerID)
	}

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("worker has no connection: %s", workerID)
	}
	return w.conn.Send(event, payload)
}

// Snapshot returns a read-only view of every registered worker.
func (r *WorkerRegistry) Snapshot() []WorkerSnapshot {
	workers := r.List()
	out := make([]WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, snapshotWorker(w))
	}
	return out
}

// SnapshotOne returns a read-only view of a single worker.
func (r *WorkerRegistry) SnapshotOne(workerID string) (WorkerSnapshot, bool) {
	w, ok := r.Get(workerID)
	if !ok {
		return WorkerSnapshot{}, false
	}
	return snapshotWorker(w), true
}

func snapshotWorker(w *Worker) WorkerSnapshot {
	return WorkerSnapshot{
		ID:                w.ID,
		WorkerType:        w.WorkerType,
		Version:           w.Version,
		Capabilities:      w.Capabilities,
		Devices:           w.Devices,
		MaxConcurrentJobs: w.MaxConcurrentJobs,
		Host:              w.Host,
		ConnectedAt:       w.ConnectedAt,
		LastHeartbeat:     w.LastHeartbeat,
		ActiveJobs:        w.ActiveJobs,
		Metrics:           w.Metrics,
	}
}

// StartHealthCheck runs the staleness scan on healthCheckInterval until ctx
// is cancelled. It only emits worker:timeout; eviction policy lives with the
// caller (see Manager.onWorkerTimeout).
func (r *WorkerRegistry) StartHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanStale()
		}
	}
}

func (r *WorkerRegistry) scanStale() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var stale []WorkerTimeout
	for id, w := range r.workers {
		if w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, WorkerTimeout{WorkerID: id, LastHeartbeat: w.LastHeartbeat})
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.logger.Warn("worker heartbeat stale",
			zap.String("worker_id", s.WorkerID),
			zap.Time("last_heartbeat", s.LastHeartbeat),
		)
		r.emit(Event{Name: EvtWorkerTimeout, Payload: s})
	}
}
