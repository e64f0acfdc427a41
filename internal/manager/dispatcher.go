package manager

import (
	"sync"
	"time"

	"github.com/artemis/device-manager/internal/observability"
	"go.uber.org/zap"
)

// ProgressEvent is the evt:job_progress payload.
type ProgressEvent struct {
	JobID       string
	Progress    int
	CurrentStep string
	Timestamp   int64
	DeviceID    string
}

// CompletionEvent is the evt:job_complete payload.
type CompletionEvent struct {
	JobID       string
	Success     bool
	CompletedAt time.Time
	DurationMs  int64
	Result      any
	Error       *JobError
}

// DispatcherStats counts jobs by status, for the inspection API and for
// tests asserting idempotent dispatch without scraping Prometheus.
type DispatcherStats struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// TaskDispatcher owns the Job state machine: device selection, command
// emission, and progress/completion ingestion.
type TaskDispatcher struct {
	listenerSet

	mu       sync.RWMutex
	jobs     map[string]*Job
	registry *WorkerRegistry
	logger   *observability.Logger
	metrics  *observability.Metrics

	defaultTimeoutMs int64
	defaultRetry     RetryPolicy
}

// NewTaskDispatcher constructs a dispatcher bound to a registry it consults
// to locate workers and through which it emits commands.
func NewTaskDispatcher(registry *WorkerRegistry, logger *observability.Logger, metrics *observability.Metrics, defaultTimeout time.Duration, defaultRetry RetryPolicy) *TaskDispatcher {
	return &TaskDispatcher{
		jobs:             make(map[string]*Job),
		registry:         registry,
		logger:           logger,
		metrics:          metrics,
		defaultTimeoutMs: defaultTimeout.Milliseconds(),
		defaultRetry:     defaultRetry,
	}
}

type devicePick struct {
	workerID string
	deviceID string
}

// Dispatch selects idle devices satisfying opts and, on success, records the
// Job and emits one cmd:execute_job per selected device. Returns nil when no
// Worker/device combination satisfies every constraint — never an error,
// since "no capacity" is an expected outcome, not an exceptional one.
func (d *TaskDispatcher) Dispatch(jobID, jobType string, params any, opts DispatchOptions) *Job {
	d.mu.Lock()
	if existing, ok := d.jobs[jobID]; ok {
		d.mu.Unlock()
		return existing
	}
	d.mu.Unlock()

	if opts.TargetDeviceCount <= 0 {
		opts.TargetDeviceCount = 1
	}

	// Greedy walk across every available worker's idle devices in
	// declaration order, accumulating up to target_device_count regardless
	// of which worker each device belongs to.
	var picks []devicePick
	for _, w := range d.registry.AvailableWorkers() {
		if opts.TargetWorkerType != "" && w.WorkerType != opts.TargetWorkerType {
			continue
		}
		for _, dev := range w.Devices {
			if dev.State != DeviceIdle || dev.CurrentJobID != nil {
				continue
			}
			picks = append(picks, devicePick{workerID: w.ID, deviceID: dev.DeviceID})
			if len(picks) == opts.TargetDeviceCount {
				break
			}
		}
		if len(picks) == opts.TargetDeviceCount {
			break
		}
	}

	if len(picks) < opts.TargetDeviceCount {
		if d.metrics != nil {
			d.metrics.RecordDispatch("rejected")
		}
		return nil
	}

	// Single-worker rule: only the first worker's slice of the walk survives.
	chosenWorker := picks[0].workerID
	var chosenDevices []string
	for _, p := range picks {
		if p.workerID == chosenWorker {
			chosenDevices = append(chosenDevices, p.deviceID)
		}
	}

	d.registry.ReserveDevices(chosenWorker, chosenDevices, jobID)

	timeoutMs := opts.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = d.defaultTimeoutMs
	}
	retry := d.defaultRetry
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	job := &Job{
		ID:           jobID,
		JobType:      jobType,
		WorkerID:     chosenWorker,
		DeviceIDs:    chosenDevices,
		DispatchedAt: time.Now(),
		Status:       JobDispatched,
		Params:       params,
	}

	d.mu.Lock()
	d.jobs[jobID] = job
	d.mu.Unlock()

	for _, deviceID := range chosenDevices {
		payload := map[string]any{
			"jobId":      jobID,
			"workflowId": jobType,
			"deviceId":   deviceID,
			"params":     params,
			"priority":   opts.Priority,
			"timeoutMs":  timeoutMs,
			"retry":      retry,
		}
		if err := d.registry.SendCommand(chosenWorker, "cmd:execute_job", payload); err != nil {
			d.logger.Warn("failed to deliver execute_job command",
				zap.String("job_id", jobID),
				zap.String("worker_id", chosenWorker),
				zap.Error(err),
			)
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch("dispatched")
		d.metrics.SetActiveJobs(float64(len(d.Active())))
	}
	d.emit(Event{Name: EvtJobDispatched, Payload: job})
	return job
}

// HandleProgress is dropped with a log if the job is unknown, the worker id
// doesn't match the job record, or the job has already reached a terminal
// status.
func (d *TaskDispatcher) HandleProgress(e ProgressEvent, workerID string) {
	d.mu.Lock()
	job, ok := d.jobs[e.JobID]
	if !ok || job.WorkerID != workerID {
		d.mu.Unlock()
		d.logger.Warn("progress for unknown or mismatched job", zap.String("job_id", e.JobID), zap.String("worker_id", workerID))
		return
	}
	if job.Status.Terminal() {
		d.mu.Unlock()
		return
	}
	job.Status = JobRunning
	job.Progress = e.Progress
	job.CurrentStep = e.CurrentStep
	d.mu.Unlock()

	d.emit(Event{Name: EvtJobProgress, Payload: job})
}

// HandleCompletion applies the same lookup and worker-id cross-check as
// HandleProgress. A duplicate completion for an already-terminal job is a
// no-op, not a silent overwrite: once terminal, a status is absorbing.
func (d *TaskDispatcher) HandleCompletion(e CompletionEvent, workerID string) {
	d.mu.Lock()
	job, ok := d.jobs[e.JobID]
	if !ok || job.WorkerID != workerID {
		d.mu.Unlock()
		d.logger.Warn("completion for unknown or mismatched job", zap.String("job_id", e.JobID), zap.String("worker_id", workerID))
		return
	}
	if job.Status.Terminal() {
		d.mu.Unlock()
		return
	}

	job.CompletedAt = e.CompletedAt
	job.DurationMs = e.DurationMs
	job.Progress = 100

	evtName := EvtJobComplete
	if e.Success {
		job.Status = JobCompleted
		job.Result = e.Result
	} else {
		job.Status = JobFailed
		job.Error = e.Error
		evtName = EvtJobFailed
	}
	workerIDForRelease, deviceIDs := job.WorkerID, job.DeviceIDs
	d.mu.Unlock()

	d.registry.ReleaseDevices(workerIDForRelease, deviceIDs)
	if d.metrics != nil {
		d.metrics.RecordJobTerminal(string(job.Status))
		d.metrics.SetActiveJobs(float64(len(d.Active())))
	}
	d.emit(Event{Name: evtName, Payload: job})
}

// Cancel unconditionally marks a non-terminal job cancelled: it returns
// false only for unknown jobs and jobs already in a terminal state. If the
// job's worker is still registered, cmd:cancel_job is emitted best-effort;
// cancellation does not wait for a completion event.
func (d *TaskDispatcher) Cancel(jobID, reason string) bool {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if !ok || job.Status.Terminal() {
		d.mu.Unlock()
		return false
	}
	job.Status = JobCancelled
	job.CompletedAt = time.Now()
	workerID, deviceIDs := job.WorkerID, job.DeviceIDs
	d.mu.Unlock()

	if _, registered := d.registry.Get(workerID); registered {
		if err := d.registry.SendCommand(workerID, "cmd:cancel_job", map[string]any{
			"jobId":  jobID,
			"reason": reason,
			"force":  false,
		}); err != nil {
			d.logger.Warn("failed to deliver cancel_job command", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	d.registry.ReleaseDevices(workerID, deviceIDs)
	if d.metrics != nil {
		d.metrics.RecordJobTerminal(string(JobCancelled))
		d.metrics.SetActiveJobs(float64(len(d.Active())))
	}
	d.emit(Event{Name: EvtJobCancelled, Payload: job})
	return true
}

// Get looks up a job by id.
func (d *TaskDispatcher) Get(jobID string) (*Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[jobID]
	return j, ok
}

// ByStatus filters all jobs by status.
func (d *TaskDispatcher) ByStatus(status JobStatus) []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Job
	for _, j := range d.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

// ByWorker filters all jobs by worker id.
func (d *TaskDispatcher) ByWorker(workerID string) []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Job
	for _, j := range d.jobs {
		if j.WorkerID == workerID {
			out = append(out, j)
		}
	}
	return out
}

// Active returns every job in a non-terminal status.
func (d *TaskDispatcher) Active() []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Job
	for _, j := range d.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

// All returns every job record.
func (d *TaskDispatcher) All() []*Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	return out
}

// PruneOld removes terminal jobs older than maxAge, measured from
// completed_at (or dispatched_at if the job never completed), and returns
// how many were removed.
func (d *TaskDispatcher) PruneOld(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for id, j := range d.jobs {
		if !j.Status.Terminal() {
			continue
		}
		ref := j.CompletedAt
		if ref.IsZero() {
			ref = j.DispatchedAt
		}
		if ref.Before(cutoff) {
			delete(d.jobs, id)
			pruned++
		}
	}
	return pruned
}

// Stats counts jobs by status.
func (d *TaskDispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var s DispatcherStats
	for _, j := range d.jobs {
		switch j.Status {
		case JobPending:
			s.Pending++
		case JobDispatched:
			s.Dispatched++
		case JobRunning:
			s.Running++
		case JobCompleted:
			s.Completed++
		case JobFailed:
			s.Failed++
		case JobCancelled:
			s.Cancelled++
		}
	}
	return s
}

// FailJobsForWorker transitions every non-terminal job of workerID to
// failed with the given error code. This is the Manager's chosen eviction
// policy (an Open Question in the original design), invoked by
// Manager.onRegistryEvent whenever a worker is unregistered, whether by
// heartbeat timeout, socket close, or administrative eviction.
func (d *TaskDispatcher) FailJobsForWorker(workerID, errorCode string) int {
	d.mu.Lock()
	var affected []*Job
	for _, j := range d.jobs {
		if j.WorkerID == workerID && !j.Status.Terminal() {
			j.Status = JobFailed
			j.Error = &JobError{Code: errorCode, Message: "worker disconnected", Recoverable: false}
			j.CompletedAt = time.Now()
			affected = append(affected, j)
		}
	}
	d.mu.Unlock()

	for _, j := range affected {
		if d.metrics != nil {
			d.metrics.RecordJobTerminal(string(JobFailed))
		}
		d.emit(Event{Name: EvtJobFailed, Payload: j})
	}
	if d.metrics != nil {
		d.metrics.SetActiveJobs(float64(len(d.Active())))
	}
	return len(affected)
}
