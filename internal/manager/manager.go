package manager

import (
	"context"
	"time"

	"github.com/artemis/device-manager/internal/config"
	"github.com/artemis/device-manager/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the composition root: it owns one instance each of
// WorkerRegistry, TaskDispatcher, StreamProxy, and ConnectionServer, wires
// the eviction-policy cascade between them, and drives their background
// timers. No package-level state backs any of this; callers hold the struct.
type Manager struct {
	Registry    *WorkerRegistry
	Dispatcher  *TaskDispatcher
	StreamProxy *StreamProxy
	ConnServer  *ConnectionServer

	logger *observability.Logger
	cfg    *config.Config

	stopHealthCheck context.CancelFunc
	stopPrune       chan struct{}
}

// New wires a Manager's components from cfg, following the one-way
// composition described in the design notes: Dispatcher and StreamProxy
// depend on Registry; ConnectionServer depends on all three.
func New(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	registry := NewWorkerRegistry(logger, metrics, cfg.Registry.HeartbeatTimeout, cfg.Registry.HealthCheckInterval)

	dispatcher := NewTaskDispatcher(registry, logger, metrics, cfg.Dispatcher.DefaultTimeout, RetryPolicy{
		MaxAttempts: cfg.Dispatcher.DefaultRetry.MaxAttempts,
		DelayMs:     cfg.Dispatcher.DefaultRetry.Delay.Milliseconds(),
	})

	streamProxy := NewStreamProxy(registry, logger, metrics,
		cfg.Stream.MaxBufferSize, cfg.Stream.MaxViewersPerStream, cfg.Stream.MaxFrameRate)

	managerID := uuid.NewString()
	connServer := NewConnectionServer(registry, dispatcher, streamProxy, logger, metrics,
		managerID, cfg.BearerToken, cfg.PingInterval, cfg.PingTimeout)

	m := &Manager{
		Registry:    registry,
		Dispatcher:  dispatcher,
		StreamProxy: streamProxy,
		ConnServer:  connServer,
		logger:      logger,
		cfg:         cfg,
	}

	// Worker eviction is a single cascade point, regardless of whether
	// unregister was triggered by a health-check timeout, a socket close, or
	// an administrative DELETE through the inspection API: every path routes
	// through Registry.Unregister, which emits worker:unregistered once.
	registry.Subscribe(m.onRegistryEvent)

	return m
}

func (m *Manager) onRegistryEvent(ev Event) {
	if ev.Name != EvtWorkerUnregistered {
		return
	}
	u, ok := ev.Payload.(WorkerUnregistered)
	if !ok {
		return
	}
	failed := m.Dispatcher.FailJobsForWorker(u.WorkerID, "WORKER_DISCONNECTED")
	ended := m.StreamProxy.EndStreamsForWorker(u.WorkerID)
	m.logger.Info("worker eviction cascade complete",
		zap.String("worker_id", u.WorkerID),
		zap.String("reason", u.Reason),
		zap.Int("jobs_failed", failed),
		zap.Int("streams_ended", ended),
	)
}

// Start binds the ConnectionServer and begins the Registry's health-check
// loop and the Dispatcher's prune-old ticker.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ConnServer.Start(m.cfg.Host, m.cfg.Port); err != nil {
		return err
	}

	healthCtx, cancel := context.WithCancel(ctx)
	m.stopHealthCheck = cancel
	go m.Registry.StartHealthCheck(healthCtx)

	m.Registry.Subscribe(m.onWorkerTimeout)

	m.stopPrune = make(chan struct{})
	go m.runPruneLoop()

	return nil
}

// onWorkerTimeout implements the chosen resolution to the "job status after
// Worker eviction" open question: a stale Worker is unregistered outright,
// which in turn drives the eviction cascade in onRegistryEvent.
func (m *Manager) onWorkerTimeout(ev Event) {
	if ev.Name != EvtWorkerTimeout {
		return
	}
	t, ok := ev.Payload.(WorkerTimeout)
	if !ok {
		return
	}
	m.logger.Warn("worker heartbeat timeout, unregistering",
		zap.String("worker_id", t.WorkerID), zap.Time("last_heartbeat", t.LastHeartbeat))
	m.Registry.Unregister(t.WorkerID, "heartbeat_timeout")
}

func (m *Manager) runPruneLoop() {
	interval := m.cfg.Dispatcher.JobMaxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := m.Dispatcher.PruneOld(m.cfg.Dispatcher.JobMaxAge)
			if n > 0 {
				m.logger.Info("pruned terminal jobs", zap.Int("count", n))
			}
		case <-m.stopPrune:
			return
		}
	}
}

// Stop tears down the ConnectionServer and background timers, in reverse
// order from Start, within ctx's deadline.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopPrune != nil {
		close(m.stopPrune)
	}
	if m.stopHealthCheck != nil {
		m.stopHealthCheck()
	}
	return m.ConnServer.Stop(ctx)
}
