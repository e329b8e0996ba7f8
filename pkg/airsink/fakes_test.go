package airsink

import (
	"sync"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// fakeAudio stands in for the host audio stack. It hands out the push/pull
// wires so tests can drive the ring from both ends
type fakeAudio struct {
	mu sync.Mutex

	captureEndpoints []OutputEndpoint
	outputEndpoints  []OutputEndpoint

	openCaptureErr error
	openRenderErr  error

	captures []*fakeStream
	renders  []*fakeStream

	push        FramePush
	pull        FramePull
	captureFail func(error)
	renderFail  func(error)
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{
		captureEndpoints: []OutputEndpoint{
			{ID: "cap-1", DisplayName: "Headset (Pixel 9 Stereo)"},
		},
		outputEndpoints: []OutputEndpoint{
			{ID: "out-1", DisplayName: "Speakers (Realtek Audio)"},
		},
	}
}

func (f *fakeAudio) OpenCapture(endpointID string, push FramePush, fail func(error)) (StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openCaptureErr != nil {
		return nil, f.openCaptureErr
	}

	stream := &fakeStream{}
	f.captures = append(f.captures, stream)
	f.push = push
	f.captureFail = fail

	return stream, nil
}

func (f *fakeAudio) OpenRender(endpointID string, pull FramePull, fail func(error)) (StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openRenderErr != nil {
		return nil, f.openRenderErr
	}

	stream := &fakeStream{}
	f.renders = append(f.renders, stream)
	f.pull = pull
	f.renderFail = fail

	return stream, nil
}

func (f *fakeAudio) ListCaptureEndpoints() []OutputEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.captureEndpoints
}

func (f *fakeAudio) ListOutputEndpoints() []OutputEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.outputEndpoints
}

func (f *fakeAudio) openStreamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, stream := range append(append([]*fakeStream{}, f.captures...), f.renders...) {
		if !stream.isClosed() {
			count++
		}
	}

	return count
}

func (f *fakeAudio) capturePush() FramePush {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.push
}

func (f *fakeAudio) renderPull() FramePull {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pull
}

func (f *fakeAudio) failCapture(err error) {
	f.mu.Lock()
	fail := f.captureFail
	f.mu.Unlock()

	if fail != nil {
		fail(err)
	}
}

// joiningStream delivers failures from its own goroutine and its Close
// joins that goroutine, matching the real bindings' contract that fail is
// never invoked after Close has returned
type joiningStream struct {
	fail    func(error)
	trigger chan error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newJoiningStream(fail func(error)) *joiningStream {
	s := &joiningStream{
		fail:    fail,
		trigger: make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)

		select {
		case err := <-s.trigger:
			if s.fail != nil {
				s.fail(err)
			}
		case <-s.stop:
		}
	}()

	return s
}

func (s *joiningStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	<-s.done

	return nil
}

// joiningAudio is the stricter audio double: streams behave like the
// platform bindings, so a failure handler that blocks stream teardown on
// its own goroutine will deadlock here just as it would on hardware
type joiningAudio struct {
	mu       sync.Mutex
	captures []*joiningStream
	renders  []*joiningStream
}

func newJoiningAudio() *joiningAudio {
	return &joiningAudio{}
}

func (a *joiningAudio) OpenCapture(endpointID string, push FramePush, fail func(error)) (StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stream := newJoiningStream(fail)
	a.captures = append(a.captures, stream)

	return stream, nil
}

func (a *joiningAudio) OpenRender(endpointID string, pull FramePull, fail func(error)) (StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stream := newJoiningStream(fail)
	a.renders = append(a.renders, stream)

	return stream, nil
}

func (a *joiningAudio) ListCaptureEndpoints() []OutputEndpoint {
	return []OutputEndpoint{{ID: "cap-1", DisplayName: "Headset (Pixel 9 Stereo)"}}
}

func (a *joiningAudio) ListOutputEndpoints() []OutputEndpoint {
	return []OutputEndpoint{{ID: "out-1", DisplayName: "Speakers (Realtek Audio)"}}
}

// failLastCapture injects a mid-stream failure on the newest capture
// stream, delivered from that stream's goroutine
func (a *joiningAudio) failLastCapture(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.captures) == 0 {
		return
	}

	a.captures[len(a.captures)-1].trigger <- err
}

type fakeConn struct {
	mu         sync.Mutex
	captureID  string
	closeCount int
}

func (c *fakeConn) CaptureID() string {
	return c.captureID
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCount++

	return nil
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCount
}

// fakeSink scripts the platform's open results: each TryOpen consumes the
// next entry of openScript (nil meaning success); past the end of the
// script every open succeeds
type fakeSink struct {
	mu sync.Mutex

	openScript []error
	openCalls  int

	livenessCalls int
	connected     bool

	conns []*fakeConn
}

func newFakeSink() *fakeSink {
	return &fakeSink{connected: true}
}

func (f *fakeSink) TryOpen(deviceID string) (SinkConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCalls++

	if len(f.openScript) > 0 {
		err := f.openScript[0]
		f.openScript = f.openScript[1:]

		if err != nil {
			return nil, err
		}
	}

	f.connected = true

	conn := &fakeConn{captureID: "Pixel 9"}
	f.conns = append(f.conns, conn)

	return conn, nil
}

func (f *fakeSink) IsConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.livenessCalls++

	return f.connected
}

func (f *fakeSink) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = connected
}

func (f *fakeSink) script(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openScript = errs
}

func (f *fakeSink) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.openCalls
}

func (f *fakeSink) livenessChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.livenessCalls
}

func (f *fakeSink) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		return nil
	}

	return f.conns[len(f.conns)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(title string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.titles = append(f.titles, title)
}

type fakeVolume struct {
	mu          sync.Mutex
	sourceLevel float32
	sourceErr   error
	setLevels   []float32
	setTargets  []string
}

func (f *fakeVolume) SourceVolume(captureID string) (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sourceLevel, f.sourceErr
}

func (f *fakeVolume) SetRenderVolume(endpointID string, level float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setLevels = append(f.setLevels, level)
	f.setTargets = append(f.setTargets, endpointID)

	return nil
}
