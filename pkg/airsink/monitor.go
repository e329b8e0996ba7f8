package airsink

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// connectionMonitor is the background loop that keeps a sink connection
// alive. It polls liveness on a slow cadence (checks are cheap but there is
// no reason to hammer the radio) and retries reconnects on a faster one
// (the user is actively waiting for audio to resume). The loop never
// terminates on its own - an unreachable device is retried forever, which
// is the right behavior for "phone walked out of range and will come back".
// Only cancellation through stop ends it
type connectionMonitor struct {
	logger  *zap.SugaredLogger
	manager *ConnectionManager

	deviceID      string
	awaitingFirst bool

	livenessInterval time.Duration
	retryInterval    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnectionMonitor(logger *zap.SugaredLogger, manager *ConnectionManager,
	deviceID string, awaitingFirst bool, livenessInterval, retryInterval time.Duration) *connectionMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &connectionMonitor{
		logger:           logger.Named("monitor"),
		manager:          manager,
		deviceID:         deviceID,
		awaitingFirst:    awaitingFirst,
		livenessInterval: livenessInterval,
		retryInterval:    retryInterval,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
}

func (m *connectionMonitor) start() {
	m.logger.Debugw("Starting connection monitor",
		"deviceID", m.deviceID,
		"awaitingFirstConnect", m.awaitingFirst)

	go m.run()
}

// stop cancels the loop and waits for the current iteration to observe the
// cancellation. After stop returns, no further liveness or retry call will
// be made
func (m *connectionMonitor) stop() {
	m.cancel()
	<-m.done

	m.logger.Debugw("Connection monitor stopped", "deviceID", m.deviceID)
}

func (m *connectionMonitor) run() {
	defer close(m.done)

	// a failed first connect skips straight to retrying
	if m.awaitingFirst {
		if !m.retryUntilStreaming() {
			return
		}
	}

	for {
		if !sleepCtx(m.ctx, m.livenessInterval) {
			return
		}

		if m.manager.sessionHealthy(m.deviceID) {
			continue
		}

		m.logger.Debugw("Liveness check failed", "deviceID", m.deviceID)

		m.manager.handleConnectionLoss(m.deviceID)

		if !m.retryUntilStreaming() {
			return
		}
	}
}

// retryUntilStreaming attempts to re-open the sink connection until it
// succeeds or the monitor is cancelled. Returns false only on cancellation
func (m *connectionMonitor) retryUntilStreaming() bool {
	attempt := 0

	for {
		if !sleepCtx(m.ctx, m.retryInterval) {
			return false
		}

		attempt++

		if m.manager.tryReopen(m.deviceID) {
			m.logger.Debugw("Reconnected to source device",
				"deviceID", m.deviceID,
				"attempts", attempt)

			return true
		}
	}
}

// sleepCtx waits for d and reports false if ctx was cancelled before or
// during the wait, so a long retry backoff can never miss a cancellation
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
