package airsink

import "errors"

// SourceDevice is an audio-capable Bluetooth peer reported by a scan.
// The engine never holds on to these; it only keeps the ID of the device
// it is currently targeting
type SourceDevice struct {
	ID            string
	DisplayName   string
	IsAudioSource bool
	LiveConnected bool
}

// OutputEndpoint is a local render device. An empty ID means
// "use the system default endpoint"
type OutputEndpoint struct {
	ID          string
	DisplayName string
}

var (
	// ErrNoTargetSelected is returned by Connect when called without a device id
	ErrNoTargetSelected = errors.New("no target device selected")

	// ErrDeviceNotFound means an endpoint could not be resolved on the platform
	ErrDeviceNotFound = errors.New("audio endpoint not found")

	// ErrFormatMismatch means an endpoint refused the relay stream format
	ErrFormatMismatch = errors.New("audio endpoint format mismatch")

	// ErrPlatformRejected means the platform refused to open a device or endpoint
	ErrPlatformRejected = errors.New("platform rejected open request")
)

// SinkConnection is an open audio-sink link to a single source device
type SinkConnection interface {
	// CaptureID names the local capture endpoint that carries the incoming
	// stream for this connection. The relay pipeline resolves it against the
	// enumerable capture endpoints by exact-then-fuzzy match
	CaptureID() string

	Close() error
}

// SinkPlatform is the narrow slice of the host Bluetooth stack the engine
// calls. The real implementation binds to the OS radio; tests inject a fake
type SinkPlatform interface {
	TryOpen(deviceID string) (SinkConnection, error)

	// IsConnected answers a liveness check. Platform errors are reported as
	// "not connected", never as an error
	IsConnected(deviceID string) bool
}

// SourceScanner lists nearby audio-capable peers. Pure query, no state
type SourceScanner interface {
	ScanSources() ([]SourceDevice, error)
}

// FramePush receives interleaved PCM from a capture callback thread
type FramePush func(frames []byte)

// FramePull fills buf with up to len(buf) bytes of interleaved PCM for a
// render callback thread and returns how many bytes were written
type FramePull func(buf []byte) int

// StreamHandle is an open capture or render stream. Close halts the
// platform callbacks and releases the device
type StreamHandle interface {
	Close() error
}

// AudioPlatform abstracts the host audio stack. The engine never schedules
// audio I/O itself; it only wires a bounded buffer between the capture push
// and the render pull, both of which run on platform threads.
//
// The fail callback passed to either Open reports a dead endpoint
// mid-stream; it is invoked at most once per handle and never after Close
// has returned
type AudioPlatform interface {
	OpenCapture(endpointID string, push FramePush, fail func(error)) (StreamHandle, error)
	OpenRender(endpointID string, pull FramePull, fail func(error)) (StreamHandle, error)

	ListCaptureEndpoints() []OutputEndpoint

	// ListOutputEndpoints returns an empty slice on platform failure rather
	// than an error; callers fall back to the default endpoint
	ListOutputEndpoints() []OutputEndpoint
}

// VolumeControl mirrors levels between the capture side and the render
// side. Best-effort only; the volume sync loop tolerates every error
type VolumeControl interface {
	SourceVolume(captureID string) (float32, error)
	SetRenderVolume(endpointID string, level float32) error
}
