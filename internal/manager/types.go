package manager

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WorkerType is the closed set of worker roles a Worker declares at registration.
type WorkerType string

const (
	WorkerTypeYoutube WorkerType = "youtube"
	WorkerTypeInstall WorkerType = "install"
	WorkerTypeScrape  WorkerType = "scrape"
	WorkerTypeGeneric WorkerType = "generic"
)

// DeviceState is the lifecycle state of a device nested under its Worker.
type DeviceState string

const (
	DeviceIdle    DeviceState = "idle"
	DeviceBusy    DeviceState = "busy"
	DeviceOffline DeviceState = "offline"
	DeviceError   DeviceState = "error"
)

// JobStatus is the Job state machine: pending is vestigial, never emitted by
// Dispatch in this design; completed/failed/cancelled are absorbing.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Capability is a named boolean feature a Worker declares at registration.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// Host describes the machine a Worker runs on.
type Host struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// WorkerMetrics is a Worker's last self-reported resource usage.
type WorkerMetrics struct {
	CPUUsage      float64 `json:"cpuUsage"`
	MemoryUsage   float64 `json:"memoryUsage"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// Device is nested under its owning Worker; device ids are unique fleet-wide
// by convention, not enforced structurally.
type Device struct {
	DeviceID     string      `json:"deviceId"`
	State        DeviceState `json:"state"`
	CurrentJobID *string     `json:"currentJobId,omitempty"`
}

// Worker is owned exclusively by the WorkerRegistry; other components hold
// only its id and look up on demand. conn/connMu are the cached send handle,
// not exported, the same shape as a reconnecting peer's stream in the
// registry that grounds this type.
type Worker struct {
	ID                string
	WorkerType        WorkerType
	Version           string
	Capabilities      []Capability
	Devices           []Device
	MaxConcurrentJobs int
	Host              Host
	ConnectedAt       time.Time
	LastHeartbeat     time.Time
	ActiveJobs        int
	Metrics           *WorkerMetrics

	conn   Conn
	connMu sync.Mutex
}

// JobError is a structured failure surfaced intact from a Worker's completion
// report, never reinterpreted by the core.
type JobError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// RetryPolicy is forwarded to Workers on dispatch when the caller omits one.
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts"`
	DelayMs     int64 `json:"delayMs"`
}

// Job is owned by the TaskDispatcher. Terminal states are sticky; records
// persist until pruned by age.
type Job struct {
	ID           string      `json:"id"`
	JobType      string      `json:"jobType"`
	WorkerID     string      `json:"workerId"`
	DeviceIDs    []string    `json:"deviceIds"`
	DispatchedAt time.Time   `json:"dispatchedAt"`
	Status       JobStatus   `json:"status"`
	Progress     int         `json:"progress"`
	CurrentStep  string      `json:"currentStep,omitempty"`
	Result       any         `json:"result,omitempty"`
	Error        *JobError   `json:"error,omitempty"`
	Params       any         `json:"params,omitempty"`
	CompletedAt  time.Time   `json:"completedAt,omitempty"`
	DurationMs   int64       `json:"durationMs,omitempty"`
}

// DispatchOptions carries the optional parameters of TaskDispatcher.Dispatch.
type DispatchOptions struct {
	TargetWorkerType  WorkerType
	TargetDeviceCount int
	Priority          int
	TimeoutMs         int64
	Retry             *RetryPolicy
}

// MinicapInfo is the codec/resolution metadata a Worker reports when a stream starts.
type MinicapInfo struct {
	VirtualWidth  int    `json:"virtualWidth"`
	VirtualHeight int    `json:"virtualHeight"`
	Orientation   int    `json:"orientation"`
	Quirks        string `json:"quirks"`
}

// Frame is immutable once constructed; it passes through the ring buffer and
// is forwarded to viewers.
type Frame struct {
	FrameNumber uint64 `json:"frameNumber"`
	Timestamp   int64  `json:"timestamp"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	Data        []byte `json:"data"`
	Size        int    `json:"size"`
}

// Viewer is owned by its stream session; conn is its own send handle.
type Viewer struct {
	ConnID        string
	DeviceID      string
	JoinedAt      time.Time
	FramesSent    uint64
	LastFrameSent time.Time

	conn Conn
}

// StreamSession is owned by StreamProxy, keyed by device id (at most one
// active stream per device). The ring buffer and rate limiter are guarded by
// the same mutex as the viewer map, matching the spec's "streams are
// typically few; contention is acceptable" concurrency note.
type StreamSession struct {
	DeviceID    string
	WorkerID    string
	SessionID   string
	Config      any
	MinicapInfo MinicapInfo
	Viewers     map[string]*Viewer
	StartedAt   time.Time
	LastFrameAt time.Time

	frames          []Frame
	lastFrameTime   time.Time
	lastFrameNumber uint64
	lastFrameHash   uint64
	limiter         *rate.Limiter
	mu              sync.Mutex
}
