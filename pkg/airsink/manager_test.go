package airsink

import (
	"errors"
	"testing"
	"time"
)

// fast poll cadences so monitor-driven recovery lands within test timeouts
func newTestManager(sink SinkPlatform, audio AudioPlatform) *ConnectionManager {
	return NewConnectionManager(testLogger(), sink, audio, ManagerOptions{
		LivenessInterval: 20 * time.Millisecond,
		RetryInterval:    10 * time.Millisecond,
	})
}

func waitForState(t *testing.T, cm *ConnectionManager, want ConnectionState) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if state, _ := cm.State(); state == want {
			return
		}

		time.Sleep(time.Millisecond)
	}

	state, _ := cm.State()
	t.Fatalf("timed out waiting for state %s, still in %s", want, state)
}

func nextEvent(t *testing.T, events chan StateEvent) StateEvent {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state event")
		return StateEvent{}
	}
}

func TestConnectEstablishesStreaming(t *testing.T) {
	sink := newFakeSink()
	audio := newFakeAudio()
	cm := newTestManager(sink, audio)
	defer cm.Disconnect()

	events := cm.SubscribeToStateChanges()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("expected connect to succeed, got %v", err)
	}

	if event := nextEvent(t, events); event.State != StateConnecting {
		t.Fatalf("expected first event Connecting, got %s", event.State)
	}

	if event := nextEvent(t, events); event.State != StateStreaming {
		t.Fatalf("expected second event Streaming, got %s", event.State)
	}

	if state, target := cm.State(); state != StateStreaming || target != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("expected Streaming on the requested device, got %s on %q", state, target)
	}

	if got := audio.openStreamCount(); got != 2 {
		t.Fatalf("expected one capture and one render stream open, got %d", got)
	}
}

func TestConnectWithoutTargetIsRejected(t *testing.T) {
	sink := newFakeSink()
	cm := newTestManager(sink, newFakeAudio())

	if err := cm.Connect(""); !errors.Is(err, ErrNoTargetSelected) {
		t.Fatalf("expected ErrNoTargetSelected, got %v", err)
	}

	if state, _ := cm.State(); state != StateIdle {
		t.Fatalf("expected state to stay Idle, got %s", state)
	}

	if sink.opens() != 0 {
		t.Fatal("expected no platform open attempt for an empty target")
	}
}

func TestDuplicateConnectIsNoOp(t *testing.T) {
	sink := newFakeSink()
	cm := newTestManager(sink, newFakeAudio())
	defer cm.Disconnect()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("duplicate connect should be a no-op, got %v", err)
	}

	if sink.opens() != 1 {
		t.Fatalf("expected a single open attempt, got %d", sink.opens())
	}
}

func TestConnectFailureWaitsForSourceThenRecovers(t *testing.T) {
	sink := newFakeSink()
	sink.script(errors.New("device out of range"))

	cm := newTestManager(sink, newFakeAudio())
	defer cm.Disconnect()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err == nil {
		t.Fatal("expected connect to report the failed open")
	}

	if state, _ := cm.State(); state != StateWaitingForSource {
		t.Fatalf("expected WaitingForSource after a failed first open, got %s", state)
	}

	// the monitor keeps retrying on its own and lands the second attempt
	waitForState(t, cm, StateStreaming)

	if sink.opens() != 2 {
		t.Fatalf("expected exactly 2 open attempts, got %d", sink.opens())
	}
}

func TestDisconnectTearsDownAndIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	audio := newFakeAudio()
	cm := newTestManager(sink, audio)

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn := sink.lastConn()

	cm.Disconnect()

	if state, _ := cm.State(); state != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", state)
	}

	if conn.closes() != 1 {
		t.Fatalf("expected the sink connection closed once, got %d", conn.closes())
	}

	if got := audio.openStreamCount(); got != 0 {
		t.Fatalf("expected all relay streams closed, got %d open", got)
	}

	cm.Disconnect()

	if conn.closes() != 1 {
		t.Fatalf("second disconnect must not close again, got %d closes", conn.closes())
	}
}

// Switching targets mid-stream must tear the old session down before the
// new one starts: never more than one relay session at a time.
func TestConnectToSecondDeviceReplacesSession(t *testing.T) {
	sink := newFakeSink()
	audio := newFakeAudio()
	cm := newTestManager(sink, audio)
	defer cm.Disconnect()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}

	first := sink.lastConn()

	if err := cm.Connect("11:22:33:44:55:66"); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	if first.closes() != 1 {
		t.Fatal("expected the first sink connection closed before the second session")
	}

	if state, target := cm.State(); state != StateStreaming || target != "11:22:33:44:55:66" {
		t.Fatalf("expected Streaming on the second device, got %s on %q", state, target)
	}

	if got := audio.openStreamCount(); got != 2 {
		t.Fatalf("expected only the second session's streams open, got %d", got)
	}
}

// Source walks out of range mid-stream: two reconnect attempts fail, the
// third succeeds. Streaming resumes and the failed attempts are counted.
func TestMonitorRecoversFromConnectionLoss(t *testing.T) {
	sink := newFakeSink()
	cm := newTestManager(sink, newFakeAudio())
	defer cm.Disconnect()

	events := cm.SubscribeToStateChanges()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	nextEvent(t, events) // Connecting
	nextEvent(t, events) // Streaming

	sink.script(errors.New("out of range"), errors.New("out of range"))
	sink.setConnected(false)

	if event := nextEvent(t, events); event.State != StateReconnecting {
		t.Fatalf("expected Reconnecting after the liveness check failed, got %s", event.State)
	}

	if event := nextEvent(t, events); event.State != StateStreaming {
		t.Fatalf("expected Streaming after the retries landed, got %s", event.State)
	}

	// initial connect plus two failed retries plus the successful one
	if sink.opens() != 4 {
		t.Fatalf("expected 4 open attempts in total, got %d", sink.opens())
	}
}

func TestMonitorSilentAfterDisconnect(t *testing.T) {
	sink := newFakeSink()
	cm := newTestManager(sink, newFakeAudio())

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	cm.Disconnect()

	opens := sink.opens()
	liveness := sink.livenessChecks()

	// several liveness and retry intervals worth of quiet
	time.Sleep(150 * time.Millisecond)

	if sink.opens() != opens {
		t.Fatal("monitor attempted an open after disconnect")
	}

	if sink.livenessChecks() != liveness {
		t.Fatal("monitor polled liveness after disconnect")
	}
}

// A mid-stream relay failure (capture endpoint invalidated) is handled like
// a lost connection: teardown, Reconnecting, monitor-driven recovery.
func TestRelayFailureTriggersReconnect(t *testing.T) {
	sink := newFakeSink()
	audio := newFakeAudio()
	cm := newTestManager(sink, audio)
	defer cm.Disconnect()

	events := cm.SubscribeToStateChanges()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	nextEvent(t, events) // Connecting
	nextEvent(t, events) // Streaming

	audio.failCapture(errors.New("endpoint invalidated"))

	if event := nextEvent(t, events); event.State != StateReconnecting {
		t.Fatalf("expected Reconnecting after the relay failure, got %s", event.State)
	}

	if event := nextEvent(t, events); event.State != StateStreaming {
		t.Fatalf("expected Streaming after recovery, got %s", event.State)
	}

	if got := audio.openStreamCount(); got != 2 {
		t.Fatalf("expected a fresh relay session only, got %d streams open", got)
	}
}

// The real bindings deliver failures from the stream's own goroutine and
// join it on close; handling the failure must not wedge teardown or any
// follow-up Connect/Disconnect.
func TestRelayFailureFromStreamGoroutineRecovers(t *testing.T) {
	sink := newFakeSink()
	audio := newJoiningAudio()
	cm := newTestManager(sink, audio)

	events := cm.SubscribeToStateChanges()

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	nextEvent(t, events) // Connecting
	nextEvent(t, events) // Streaming

	audio.failLastCapture(errors.New("endpoint invalidated"))

	if event := nextEvent(t, events); event.State != StateReconnecting {
		t.Fatalf("expected Reconnecting after the relay failure, got %s", event.State)
	}

	if event := nextEvent(t, events); event.State != StateStreaming {
		t.Fatalf("expected Streaming after recovery, got %s", event.State)
	}

	done := make(chan struct{})
	go func() {
		cm.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect blocked after a mid-stream relay failure")
	}

	if state, _ := cm.State(); state != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", state)
	}
}

// A relay failure racing an explicit Disconnect must settle in
// Disconnected with no monitor left running, regardless of which side
// wins the race.
func TestRelayFailureRacingDisconnect(t *testing.T) {
	sink := newFakeSink()
	audio := newJoiningAudio()
	cm := newTestManager(sink, audio)

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	audio.failLastCapture(errors.New("endpoint invalidated"))
	cm.Disconnect()

	// give the failure handler and any surviving monitor time to act
	time.Sleep(100 * time.Millisecond)

	if state, _ := cm.State(); state != StateDisconnected {
		t.Fatalf("expected the engine settled in Disconnected, got %s", state)
	}

	opens := sink.opens()
	liveness := sink.livenessChecks()

	time.Sleep(100 * time.Millisecond)

	if sink.opens() != opens || sink.livenessChecks() != liveness {
		t.Fatal("platform calls continued after disconnect")
	}
}

func TestLatencyOptionIsClamped(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{requested: 10, want: minTargetLatencyMs},
		{requested: 45, want: 45},
		{requested: 500, want: maxTargetLatencyMs},
	}

	for _, tc := range cases {
		cm := NewConnectionManager(testLogger(), newFakeSink(), newFakeAudio(), ManagerOptions{
			TargetLatencyMs: tc.requested,
		})

		if cm.opts.TargetLatencyMs != tc.want {
			t.Errorf("latency %d: expected clamp to %d, got %d",
				tc.requested, tc.want, cm.opts.TargetLatencyMs)
		}
	}
}

func TestSessionEndpointsOnlyWhileStreaming(t *testing.T) {
	sink := newFakeSink()
	cm := newTestManager(sink, newFakeAudio())

	if _, _, ok := cm.SessionEndpoints(); ok {
		t.Fatal("expected no session endpoints before connecting")
	}

	if err := cm.Connect("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	captureID, _, ok := cm.SessionEndpoints()
	if !ok || captureID != "Pixel 9" {
		t.Fatalf("expected the session's capture id, got %q ok=%v", captureID, ok)
	}

	cm.Disconnect()

	if _, _, ok := cm.SessionEndpoints(); ok {
		t.Fatal("expected no session endpoints after disconnect")
	}
}
