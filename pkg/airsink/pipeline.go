package airsink

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// the relay carries interleaved 16-bit stereo PCM at 48kHz between the
// capture push and the render pull; both platform bindings convert to this
const (
	relaySampleRate = 48000
	relayChannels   = 2
	relayDepthBytes = 2

	relayBytesPerMs = relaySampleRate * relayChannels * relayDepthBytes / 1000

	// the ring holds four times the target latency, enough to ride out
	// scheduling jitter without perceptible extra delay
	ringCapacityFactor = 4
)

// relayPipeline owns a capture stream and a render stream and moves audio
// between them through a bounded ring. It never reconnects on its own; a
// hard mid-stream failure is escalated through onFailure and the owning
// ConnectionManager decides what happens next
type relayPipeline struct {
	logger *zap.SugaredLogger
	audio  AudioPlatform

	mu      sync.Mutex
	ring    *frameRing
	capture StreamHandle
	render  StreamHandle
	started bool

	onFailure func(error)
}

func newRelayPipeline(logger *zap.SugaredLogger, audio AudioPlatform, onFailure func(error)) *relayPipeline {
	return &relayPipeline{
		logger:    logger.Named("pipeline"),
		audio:     audio,
		onFailure: onFailure,
	}
}

// Start resolves both endpoints and wires capture into the ring and render
// out of it. An empty renderID selects the system default endpoint. If the
// expected capture endpoint is not yet enumerable this fails with
// ErrDeviceNotFound and the caller is expected to retry
func (p *relayPipeline) Start(captureID, renderID string, targetLatencyMs int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.logger.Warn("Relay pipeline already started, ignoring")
		return nil
	}

	resolvedCapture, err := resolveEndpoint(captureID, p.audio.ListCaptureEndpoints())
	if err != nil {
		return fmt.Errorf("resolve capture endpoint %q: %w", captureID, err)
	}

	resolvedRender := ""
	if renderID != "" {
		resolvedRender, err = resolveEndpoint(renderID, p.audio.ListOutputEndpoints())
		if err != nil {
			return fmt.Errorf("resolve render endpoint %q: %w", renderID, err)
		}
	}

	ring := newFrameRing(targetLatencyMs * ringCapacityFactor * relayBytesPerMs)

	capture, err := p.audio.OpenCapture(resolvedCapture, func(frames []byte) {
		if discarded := ring.Write(frames); discarded > 0 {
			p.logger.Debugw("Ring buffer full, discarded oldest audio",
				"discardedBytes", discarded,
				"capacityBytes", ring.Capacity())
		}
	}, p.streamFailed)
	if err != nil {
		return fmt.Errorf("open capture endpoint %q: %w", resolvedCapture, err)
	}

	render, err := p.audio.OpenRender(resolvedRender, ring.Read, p.streamFailed)
	if err != nil {
		if closeErr := capture.Close(); closeErr != nil {
			p.logger.Warnw("Failed to close capture stream after render open failure", "error", closeErr)
		}

		return fmt.Errorf("open render endpoint %q: %w", resolvedRender, err)
	}

	p.ring = ring
	p.capture = capture
	p.render = render
	p.started = true

	p.logger.Infow("Relay pipeline started",
		"captureEndpoint", resolvedCapture,
		"renderEndpoint", resolvedRender,
		"targetLatencyMs", targetLatencyMs)

	return nil
}

// Stop synchronously halts both streams and discards buffered audio.
// Idempotent: stopping twice or stopping a never-started pipeline is a
// no-op. The streams are closed outside the pipeline lock: closing joins
// the platform callback threads, and those threads take the same lock when
// reporting failures
func (p *relayPipeline) Stop() {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()
		return
	}

	p.started = false

	capture := p.capture
	render := p.render
	ring := p.ring

	p.capture = nil
	p.render = nil
	p.ring = nil

	p.mu.Unlock()

	if err := capture.Close(); err != nil {
		p.logger.Warnw("Failed to close capture stream", "error", err)
	}

	if err := render.Close(); err != nil {
		p.logger.Warnw("Failed to close render stream", "error", err)
	}

	ring.Clear()

	if dropped := ring.Dropped(); dropped > 0 {
		p.logger.Debugw("Relay session discarded audio to the overflow policy",
			"droppedBytes", dropped)
	}

	p.logger.Info("Relay pipeline stopped")
}

// Running reports whether a relay session currently exists
func (p *relayPipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// streamFailed runs on a platform callback thread when a capture or render
// endpoint dies mid-stream. Late failures racing a Stop are dropped. The
// escalation is handed off to a fresh goroutine: teardown closes the stream
// handles, and closing joins the platform thread this callback runs on, so
// escalating inline would deadlock the close against ourselves
func (p *relayPipeline) streamFailed(err error) {
	p.mu.Lock()
	running := p.started
	p.mu.Unlock()

	if !running {
		return
	}

	p.logger.Warnw("Relay stream failed mid-session", "error", err)

	if p.onFailure != nil {
		go p.onFailure(err)
	}
}

// resolveEndpoint matches an endpoint id against the enumerable endpoints:
// exact id match first, then a case-insensitive substring match on the
// display name (Bluetooth capture endpoints carry the phone's name inside
// their friendly name, e.g. "Headset (Pixel 9 Stereo)")
func resolveEndpoint(id string, candidates []OutputEndpoint) (string, error) {
	for _, candidate := range candidates {
		if candidate.ID == id {
			return candidate.ID, nil
		}
	}

	for _, candidate := range candidates {
		if strings.Contains(strings.ToLower(candidate.DisplayName), strings.ToLower(id)) {
			return candidate.ID, nil
		}
	}

	return "", ErrDeviceNotFound
}
