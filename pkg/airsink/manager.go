package airsink

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTargetLatencyMs = 45
	minTargetLatencyMs     = 25
	maxTargetLatencyMs     = 70

	defaultLivenessInterval = 5 * time.Second
	defaultRetryInterval    = 3 * time.Second

	stateEventBuffer = 16
)

// ManagerOptions carries the configuration the settings collaborator
// supplies. Values are fixed for the lifetime of a relay session; a change
// takes effect on the next (re)connect
type ManagerOptions struct {
	TargetLatencyMs   int
	PreferredOutputID string

	// poll cadences, overridable by tests; zero means the defaults
	// (5s liveness, 3s reconnect retry)
	LivenessInterval time.Duration
	RetryInterval    time.Duration
}

// ConnectionManager owns the lifecycle of a single active sink connection.
// It is the only component that mutates ConnectionState; everything else
// observes it through state events
type ConnectionManager struct {
	logger *zap.SugaredLogger
	sink   SinkPlatform
	audio  AudioPlatform
	opts   ManagerOptions

	// serializes Connect/Disconnect so only one caller-driven transition
	// runs at a time; monitor-driven transitions are serialized by the
	// single monitor goroutine, which is always stopped before either
	// operation proceeds
	opMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	targetID string
	conn     SinkConnection
	monitor  *connectionMonitor

	pipeline *relayPipeline

	consumersMu    sync.Mutex
	stateConsumers []chan StateEvent
}

func NewConnectionManager(logger *zap.SugaredLogger, sink SinkPlatform, audio AudioPlatform, opts ManagerOptions) *ConnectionManager {
	logger = logger.Named("manager")

	if opts.TargetLatencyMs == 0 {
		opts.TargetLatencyMs = defaultTargetLatencyMs
	}

	if opts.TargetLatencyMs < minTargetLatencyMs || opts.TargetLatencyMs > maxTargetLatencyMs {
		clamped := clampLatency(opts.TargetLatencyMs)
		logger.Warnw("Target latency out of range, clamping",
			"requestedMs", opts.TargetLatencyMs,
			"clampedMs", clamped)
		opts.TargetLatencyMs = clamped
	}

	if opts.LivenessInterval == 0 {
		opts.LivenessInterval = defaultLivenessInterval
	}

	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	cm := &ConnectionManager{
		logger: logger,
		sink:   sink,
		audio:  audio,
		opts:   opts,
		state:  StateIdle,
	}

	cm.pipeline = newRelayPipeline(logger, audio, cm.handleRelayFailure)

	logger.Debug("Created connection manager instance")

	return cm
}

func clampLatency(ms int) int {
	if ms < minTargetLatencyMs {
		return minTargetLatencyMs
	}

	if ms > maxTargetLatencyMs {
		return maxTargetLatencyMs
	}

	return ms
}

// UpdateOptions applies new buffer/output preferences. The buffer policy
// is immutable per relay session, so the change takes effect on the next
// session (re)creation, not on the one currently streaming
func (cm *ConnectionManager) UpdateOptions(targetLatencyMs int, preferredOutputID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.opts.TargetLatencyMs = clampLatency(targetLatencyMs)
	cm.opts.PreferredOutputID = preferredOutputID
}

// State returns the current connection state and the device id it applies to
func (cm *ConnectionManager) State() (ConnectionState, string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.state, cm.targetID
}

// SessionEndpoints returns the capture and render endpoint ids of the
// active relay session, or ok=false when nothing is streaming
func (cm *ConnectionManager) SessionEndpoints() (captureID, renderID string, ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != StateStreaming || cm.conn == nil {
		return "", "", false
	}

	return cm.conn.CaptureID(), cm.opts.PreferredOutputID, true
}

// SubscribeToStateChanges returns a buffered channel that receives a
// StateEvent on every transition. A consumer that falls behind loses the
// oldest events rather than stalling the engine
func (cm *ConnectionManager) SubscribeToStateChanges() chan StateEvent {
	ch := make(chan StateEvent, stateEventBuffer)

	cm.consumersMu.Lock()
	cm.stateConsumers = append(cm.stateConsumers, ch)
	cm.consumersMu.Unlock()

	return ch
}

// Connect opens a sink connection to deviceID and starts streaming. A
// duplicate call for a device that is already connecting or streaming is a
// no-op, guarding against double UI triggers. A failed first open settles
// in StateWaitingForSource and the monitor keeps retrying until success or
// an explicit Disconnect
func (cm *ConnectionManager) Connect(deviceID string) error {
	if deviceID == "" {
		return ErrNoTargetSelected
	}

	cm.opMu.Lock()
	defer cm.opMu.Unlock()

	state, target := cm.State()
	if (state == StateConnecting || state == StateStreaming) && target == deviceID {
		cm.logger.Debugw("Connection attempt already in flight, ignoring", "deviceID", deviceID)
		return nil
	}

	// never let two monitors race on the same device: cancel and await the
	// previous one before anything else happens
	cm.stopMonitor()
	cm.teardownSession()

	cm.setState(StateConnecting, deviceID)

	conn, err := cm.sink.TryOpen(deviceID)
	if err == nil {
		err = cm.startSession(conn, deviceID)
	}

	if err != nil {
		cm.logger.Warnw("Failed to open sink connection, waiting for source",
			"deviceID", deviceID,
			"error", err)

		cm.setState(StateWaitingForSource, deviceID)
		cm.startMonitor(deviceID, true)

		return fmt.Errorf("open sink connection to %q: %w", deviceID, err)
	}

	cm.setState(StateStreaming, deviceID)
	cm.startMonitor(deviceID, false)

	return nil
}

// Disconnect tears the connection down unconditionally. It always
// succeeds: a failed platform-level close is logged, never surfaced,
// because disconnecting must never get stuck. Idempotent
func (cm *ConnectionManager) Disconnect() {
	cm.opMu.Lock()
	defer cm.opMu.Unlock()

	state, target := cm.State()
	if state == StateDisconnected || state == StateIdle {
		cm.logger.Debug("Already disconnected, nothing to do")
		return
	}

	cm.stopMonitor()
	cm.teardownSession()

	cm.setState(StateDisconnected, target)

	cm.logger.Infow("Disconnected", "deviceID", target)
}

// setState is the single place ConnectionState changes. Events are emitted
// outside the state lock so a slow consumer can never deadlock a transition
func (cm *ConnectionManager) setState(state ConnectionState, deviceID string) {
	cm.mu.Lock()
	prev := cm.state
	cm.state = state
	cm.targetID = deviceID
	cm.mu.Unlock()

	cm.logger.Debugw("Connection state changed",
		"from", prev.String(),
		"to", state.String(),
		"deviceID", deviceID)

	event := StateEvent{State: state, DeviceID: deviceID}

	cm.consumersMu.Lock()
	consumers := make([]chan StateEvent, len(cm.stateConsumers))
	copy(consumers, cm.stateConsumers)
	cm.consumersMu.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- event:
		default:
			cm.logger.Debugw("State event consumer is behind, dropping event", "event", event)
		}
	}
}

// startSession starts a relay session over an open sink connection. On
// failure the connection is closed and the caller decides how to escalate
func (cm *ConnectionManager) startSession(conn SinkConnection, deviceID string) error {
	cm.mu.Lock()
	preferredOutput := cm.opts.PreferredOutputID
	targetLatency := cm.opts.TargetLatencyMs
	cm.mu.Unlock()

	err := cm.pipeline.Start(conn.CaptureID(), preferredOutput, targetLatency)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cm.logger.Warnw("Failed to close sink connection after pipeline start failure",
				"deviceID", deviceID,
				"error", closeErr)
		}

		return fmt.Errorf("start relay session: %w", err)
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()

	return nil
}

// teardownSession stops the relay session and closes the sink connection,
// best-effort. Safe to call when nothing is running
func (cm *ConnectionManager) teardownSession() {
	cm.pipeline.Stop()

	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		cm.logger.Warnw("Failed to close sink connection, continuing teardown", "error", err)
	}
}

func (cm *ConnectionManager) startMonitor(deviceID string, awaitingFirst bool) {
	monitor := newConnectionMonitor(cm.logger, cm, deviceID, awaitingFirst,
		cm.opts.LivenessInterval, cm.opts.RetryInterval)

	cm.mu.Lock()
	cm.monitor = monitor
	cm.mu.Unlock()

	monitor.start()
}

// stopMonitor cancels the monitor and waits for its loop to observe the
// cancellation, so no liveness or retry call can land after this returns
func (cm *ConnectionManager) stopMonitor() {
	cm.mu.Lock()
	monitor := cm.monitor
	cm.monitor = nil
	cm.mu.Unlock()

	if monitor != nil {
		monitor.stop()
	}
}

// sessionHealthy answers the monitor's liveness poll
func (cm *ConnectionManager) sessionHealthy(deviceID string) bool {
	state, target := cm.State()
	if state != StateStreaming || target != deviceID {
		return false
	}

	return cm.sink.IsConnected(deviceID)
}

// handleConnectionLoss is driven by the monitor when a liveness check
// fails. Also reached after a relay failure already flipped the state, in
// which case the session is long gone and this is a no-op
func (cm *ConnectionManager) handleConnectionLoss(deviceID string) {
	state, _ := cm.State()
	if state == StateReconnecting {
		return
	}

	cm.logger.Infow("Lost connection to source device, reconnecting", "deviceID", deviceID)

	cm.setState(StateReconnecting, deviceID)
	cm.teardownSession()
}

// tryReopen is a single monitor-driven reconnect attempt. Errors are
// swallowed: a failed attempt just means the next retry tick fires
func (cm *ConnectionManager) tryReopen(deviceID string) bool {
	conn, err := cm.sink.TryOpen(deviceID)
	if err != nil {
		cm.logger.Debugw("Reconnect attempt failed", "deviceID", deviceID, "error", err)
		return false
	}

	if err := cm.startSession(conn, deviceID); err != nil {
		cm.logger.Debugw("Reconnected but relay session failed to start, will retry",
			"deviceID", deviceID,
			"error", err)

		return false
	}

	cm.setState(StateStreaming, deviceID)

	cm.logger.Infow("Streaming resumed", "deviceID", deviceID)

	return true
}

// handleRelayFailure is reached when the relay session dies mid-stream,
// on a goroutine of its own (the pipeline hands failures off so the
// platform callback thread can be joined during teardown). Treated exactly
// like a failed liveness check: the session is torn down and the monitor's
// retry loop takes over. Taking the operation lock serializes this with
// Connect/Disconnect; a failure racing a disconnect finds the state
// already flipped and backs off
func (cm *ConnectionManager) handleRelayFailure(err error) {
	cm.opMu.Lock()
	defer cm.opMu.Unlock()

	cm.mu.Lock()
	if cm.state != StateStreaming {
		cm.mu.Unlock()
		return
	}
	deviceID := cm.targetID
	cm.mu.Unlock()

	cm.logger.Warnw("Relay session failed, reconnecting", "deviceID", deviceID, "error", err)

	cm.setState(StateReconnecting, deviceID)
	cm.teardownSession()
}
