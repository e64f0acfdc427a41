package manager

import (
	"testing"

	"github.com/artemis/device-manager/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	return New(cfg, newTestLogger(t), newTestMetrics())
}

// Unregistering a worker, regardless of what triggers it, must cascade
// through the single subscriber in Manager: active jobs fail, open streams
// end. This is the behavior that replaces per-component eviction logic.
func TestManagerEvictionCascadeFailsJobsAndEndsStreams(t *testing.T) {
	m := newTestManager(t)

	m.Registry.Register(RegisterEvent{
		WorkerID:          "w1",
		ConnectedDevices:  []string{"d1"},
		MaxConcurrentJobs: 1,
	}, newFakeConn())

	job := m.Dispatcher.Dispatch("job-1", "wf", nil, DispatchOptions{TargetDeviceCount: 1})
	if job == nil {
		t.Fatal("expected dispatch to succeed")
	}

	m.StreamProxy.HandleStart("w1", StreamStartEvent{DeviceID: "d1", SessionID: "s1"})
	viewerConn := newFakeConn()
	m.StreamProxy.AddViewer("d1", "viewer-1", viewerConn)

	m.Registry.Unregister("w1", "connection_closed")

	gotJob, _ := m.Dispatcher.Get("job-1")
	if gotJob.Status != JobFailed || gotJob.Error == nil || gotJob.Error.Code != "WORKER_DISCONNECTED" {
		t.Fatalf("expected the eviction cascade to fail the active job, got %+v", gotJob)
	}
	if _, ok := m.StreamProxy.Stats("d1"); ok {
		t.Fatal("expected the eviction cascade to end the worker's open stream")
	}

	found := false
	for _, e := range viewerConn.events() {
		if e == "screen:stopped" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the stream's viewer to be notified when the owning worker is evicted")
	}
}

// A worker that was never carrying any job or stream unregisters cleanly
// with no cascade side effects beyond the registry itself.
func TestManagerEvictionCascadeNoopForIdleWorker(t *testing.T) {
	m := newTestManager(t)
	m.Registry.Register(RegisterEvent{WorkerID: "w1", ConnectedDevices: []string{"d1"}}, newFakeConn())

	if !m.Registry.Unregister("w1", "administrative_eviction") {
		t.Fatal("expected unregister to succeed")
	}
	if len(m.Dispatcher.All()) != 0 {
		t.Fatal("expected no jobs to exist for an idle worker")
	}
}

func TestManagerOnWorkerTimeoutUnregistersWorker(t *testing.T) {
	m := newTestManager(t)
	m.Registry.Register(RegisterEvent{WorkerID: "w1"}, newFakeConn())

	m.onWorkerTimeout(Event{Name: EvtWorkerTimeout, Payload: WorkerTimeout{WorkerID: "w1"}})

	if _, ok := m.Registry.Get("w1"); ok {
		t.Fatal("expected a heartbeat timeout to unregister the worker")
	}
}
