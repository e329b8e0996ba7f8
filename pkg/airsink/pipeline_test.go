package airsink

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestPipelineStartMatchesCaptureByDisplayName(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	// the phone's name is a substring of the endpoint's friendly name
	if err := pipeline.Start("pixel 9", "", defaultTargetLatencyMs); err != nil {
		t.Fatalf("expected fuzzy capture match to succeed, got %v", err)
	}
	defer pipeline.Stop()

	if !pipeline.Running() {
		t.Fatal("expected pipeline to be running after start")
	}

	if got := audio.openStreamCount(); got != 2 {
		t.Fatalf("expected one capture and one render stream, got %d open", got)
	}
}

func TestPipelineStartUnknownCaptureFails(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	err := pipeline.Start("no such device", "", defaultTargetLatencyMs)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	if pipeline.Running() {
		t.Fatal("pipeline must not be running after a failed start")
	}
}

func TestPipelineStartUnknownRenderClosesCapture(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	err := pipeline.Start("Pixel 9", "no such output", defaultTargetLatencyMs)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	if got := audio.openStreamCount(); got != 0 {
		t.Fatalf("expected no streams left open after a failed start, got %d", got)
	}
}

func TestPipelineRelaysAudioThroughRing(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	if err := pipeline.Start("Pixel 9", "out-1", defaultTargetLatencyMs); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer pipeline.Stop()

	frames := pattern(0, 10*relayBytesPerMs)
	audio.capturePush()(frames)

	out := make([]byte, len(frames))
	if n := audio.renderPull()(out); n != len(frames) {
		t.Fatalf("expected to pull %d bytes, got %d", len(frames), n)
	}

	if !bytes.Equal(out, frames) {
		t.Fatal("render side did not receive the captured audio")
	}
}

func TestPipelineStopIdempotent(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	// stopping before any start is harmless
	pipeline.Stop()

	if err := pipeline.Start("Pixel 9", "", defaultTargetLatencyMs); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}

	pipeline.Stop()
	pipeline.Stop()

	if pipeline.Running() {
		t.Fatal("expected pipeline stopped")
	}

	if got := audio.openStreamCount(); got != 0 {
		t.Fatalf("expected both streams closed, got %d open", got)
	}
}

func TestPipelineDoubleStartIgnored(t *testing.T) {
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, nil)

	if err := pipeline.Start("Pixel 9", "", defaultTargetLatencyMs); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer pipeline.Stop()

	if err := pipeline.Start("Pixel 9", "", defaultTargetLatencyMs); err != nil {
		t.Fatalf("expected second start to be a no-op, got %v", err)
	}

	if got := audio.openStreamCount(); got != 2 {
		t.Fatalf("expected the original two streams only, got %d open", got)
	}
}

func TestPipelineEscalatesStreamFailure(t *testing.T) {
	failed := make(chan error, 1)
	audio := newFakeAudio()
	pipeline := newRelayPipeline(testLogger(), audio, func(err error) { failed <- err })

	if err := pipeline.Start("Pixel 9", "", defaultTargetLatencyMs); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}

	audio.failCapture(errors.New("endpoint invalidated"))

	// escalation is handed off asynchronously so the platform callback
	// thread can return and be joined during teardown
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stream failure escalated")
	}

	pipeline.Stop()

	// late platform callbacks racing the stop are dropped
	audio.failCapture(errors.New("endpoint invalidated"))

	select {
	case <-failed:
		t.Fatal("expected no escalation after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
