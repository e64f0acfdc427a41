package manager

import (
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T) (*TaskDispatcher, *WorkerRegistry) {
	t.Helper()
	r := newTestRegistry(t)
	d := NewTaskDispatcher(r, newTestLogger(t), newTestMetrics(), 60*time.Second, RetryPolicy{MaxAttempts: 3, DelayMs: 1000})
	return d, r
}

func TestDispatchSucceedsAndReservesDevices(t *testing.T) {
	d, r := newTestDispatcher(t)
	conn := newFakeConn()
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, conn)

	job := d.Dispatch("job-1", "some_workflow", map[string]any{"x": 1}, DispatchOptions{TargetDeviceCount: 1})
	if job == nil {
		t.Fatal("expected dispatch to succeed with one idle device")
	}
	if job.Status != JobDispatched || job.WorkerID != "w1" || len(job.DeviceIDs) != 1 {
		t.Fatalf("unexpected job after dispatch: %+v", job)
	}

	w, _ := r.Get("w1")
	if w.Devices[0].State != DeviceBusy {
		t.Fatal("expected dispatch to reserve the chosen device")
	}

	events := conn.events()
	if len(events) != 1 || events[0] != "cmd:execute_job" {
		t.Fatalf("expected one cmd:execute_job delivered to the worker, got %v", events)
	}
}

func TestDispatchReturnsNilWhenNoCapacity(t *testing.T) {
	d, _ := newTestDispatcher(t)
	job := d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	if job != nil {
		t.Fatal("expected nil when no worker/device satisfies the request")
	}
}

func TestDispatchIsIdempotentByJobID(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1", "d2"}, MaxConcurrentJobs: 2}, newFakeConn())

	first := d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	second := d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	if first != second {
		t.Fatal("expected a repeated Dispatch call with the same job id to return the existing record")
	}
	if len(d.All()) != 1 {
		t.Fatalf("expected exactly one job record, got %d", len(d.All()))
	}
}

// The greedy walk accumulates devices across every available worker in
// registry order to satisfy the target count, but a job only ever binds to
// one worker: the pick list is truncated to the first worker's share of the
// walk, even if that leaves fewer devices than requested.
func TestDispatchSingleWorkerRuleTruncatesAcrossWorkers(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	r.Register(RegisterEvent{WorkerID: "w2", ConnectedDevices: []string{"d2"}, MaxConcurrentJobs: 1}, newFakeConn())

	// Two devices are available fleet-wide, satisfying the walk's count
	// check, but they belong to different workers, so only w1's single
	// device survives the truncation.
	job := d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 2})
	if job == nil {
		t.Fatal("expected dispatch to succeed once the walk accumulates enough devices fleet-wide")
	}
	if job.WorkerID != "w1" || len(job.DeviceIDs) != 1 || job.DeviceIDs[0] != "d1" {
		t.Fatalf("expected job truncated to w1's single device, got %+v", job)
	}
}

func TestDispatchTargetWorkerTypeFilter(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", WorkerType: WorkerTypeScrape, ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	r.Register(RegisterEvent{WorkerID: "w2", WorkerType: WorkerTypeYoutube, ConnectedDevices: []string{"d2"}, MaxConcurrentJobs: 1}, newFakeConn())

	job := d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1, TargetWorkerType: WorkerTypeYoutube})
	if job == nil || job.WorkerID != "w2" {
		t.Fatalf("expected dispatch to pick the youtube worker, got %+v", job)
	}
}

func TestHandleProgressUpdatesRunningJob(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	d.HandleProgress(ProgressEvent{JobID: "job-1", Progress: 42, CurrentStep: "step-2"}, "w1")

	job, _ := d.Get("job-1")
	if job.Status != JobRunning || job.Progress != 42 || job.CurrentStep != "step-2" {
		t.Fatalf("unexpected job after progress update: %+v", job)
	}
}

func TestHandleProgressDropsWorkerMismatch(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	d.HandleProgress(ProgressEvent{JobID: "job-1", Progress: 99}, "some-other-worker")

	job, _ := d.Get("job-1")
	if job.Progress == 99 {
		t.Fatal("expected progress from a non-owning worker id to be dropped")
	}
}

// Once a job reaches a terminal status, further progress or completion
// reports for it are absorbed silently rather than reopening or overwriting
// the record.
func TestTerminalJobAbsorbsFurtherProgressAndCompletion(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	d.HandleCompletion(CompletionEvent{JobID: "job-1", Success: true, DurationMs: 100}, "w1")
	job, _ := d.Get("job-1")
	if job.Status != JobCompleted {
		t.Fatalf("expected job completed, got %s", job.Status)
	}

	// A late duplicate completion, reporting failure this time, must not
	// flip a completed job to failed.
	d.HandleCompletion(CompletionEvent{JobID: "job-1", Success: false, Error: &JobError{Code: "X"}}, "w1")
	job, _ = d.Get("job-1")
	if job.Status != JobCompleted || job.Error != nil {
		t.Fatalf("expected terminal job to absorb a late duplicate completion, got %+v", job)
	}

	d.HandleProgress(ProgressEvent{JobID: "job-1", Progress: 10}, "w1")
	job, _ = d.Get("job-1")
	if job.Progress != 100 {
		t.Fatalf("expected terminal job to absorb a late progress report, got progress=%d", job.Progress)
	}
}

func TestHandleCompletionReleasesDevices(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	d.HandleCompletion(CompletionEvent{JobID: "job-1", Success: true}, "w1")

	w, _ := r.Get("w1")
	if w.Devices[0].State != DeviceIdle {
		t.Fatal("expected devices to be released back to idle on completion")
	}
}

func TestHandleCompletionFailurePath(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	d.HandleCompletion(CompletionEvent{JobID: "job-1", Success: false, Error: &JobError{Code: "BOOM", Message: "bad"}}, "w1")

	job, _ := d.Get("job-1")
	if job.Status != JobFailed || job.Error == nil || job.Error.Code != "BOOM" {
		t.Fatalf("unexpected job after failure completion: %+v", job)
	}
}

func TestCancelNonTerminalJob(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})

	if !d.Cancel("job-1", "user requested") {
		t.Fatal("expected cancel of a dispatched job to succeed")
	}
	job, _ := d.Get("job-1")
	if job.Status != JobCancelled {
		t.Fatalf("expected job cancelled, got %s", job.Status)
	}

	w, _ := r.Get("w1")
	if w.Devices[0].State != DeviceIdle {
		t.Fatal("expected cancel to release the reserved device")
	}
}

func TestCancelTerminalJobReturnsFalse(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}, MaxConcurrentJobs: 1}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Cancel("job-1", "first")

	if d.Cancel("job-1", "second") {
		t.Fatal("expected a second cancel of an already-terminal job to return false")
	}
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if d.Cancel("ghost", "") {
		t.Fatal("expected cancel of an unknown job id to return false")
	}
}

func TestByStatusAndByWorker(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1", "d2"}, MaxConcurrentJobs: 2}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Dispatch("job-2", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Cancel("job-2", "")

	if len(d.ByWorker("w1")) != 2 {
		t.Fatalf("expected 2 jobs for w1, got %d", len(d.ByWorker("w1")))
	}
	if len(d.ByStatus(JobCancelled)) != 1 {
		t.Fatalf("expected 1 cancelled job, got %d", len(d.ByStatus(JobCancelled)))
	}
	if len(d.Active()) != 1 {
		t.Fatalf("expected 1 active (non-terminal) job, got %d", len(d.Active()))
	}
}

func TestPruneOldRemovesOnlyAgedTerminalJobs(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1", "d2"}, MaxConcurrentJobs: 2}, newFakeConn())

	d.Dispatch("job-old", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Cancel("job-old", "")
	job, _ := d.Get("job-old")
	job.CompletedAt = time.Now().Add(-48 * time.Hour)

	d.Dispatch("job-fresh", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Cancel("job-fresh", "")

	pruned := d.PruneOld(24 * time.Hour)
	if pruned != 1 {
		t.Fatalf("expected exactly 1 job pruned, got %d", pruned)
	}
	if _, ok := d.Get("job-old"); ok {
		t.Fatal("expected the aged job to be pruned")
	}
	if _, ok := d.Get("job-fresh"); !ok {
		t.Fatal("expected the fresh job to survive pruning")
	}
}

func TestFailJobsForWorkerTransitionsActiveJobsOnly(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1", "d2"}, MaxConcurrentJobs: 2}, newFakeConn())
	d.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Dispatch("job-2", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	d.Cancel("job-2", "")

	affected := d.FailJobsForWorker("w1", "WORKER_DISCONNECTED")
	if affected != 1 {
		t.Fatalf("expected only the non-terminal job to be affected, got %d", affected)
	}

	job1, _ := d.Get("job-1")
	if job1.Status != JobFailed || job1.Error == nil || job1.Error.Code != "WORKER_DISCONNECTED" {
		t.Fatalf("unexpected job-1 after eviction: %+v", job1)
	}
	job2, _ := d.Get("job-2")
	if job2.Status != JobCancelled {
		t.Fatal("expected the already-cancelled job to be left untouched")
	}
}
