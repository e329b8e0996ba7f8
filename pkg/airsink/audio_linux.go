package airsink

import (
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/airsink/airsink/pkg/airsink/util"
)

// stream-side latency requested from the server; the relay ring is the
// real latency budget, this only bounds the transport hop
const paStreamLatency = 0.020

// paAudioPlatform binds AudioPlatform to PulseAudio. Streams go through
// the high-level client; volume control talks the native protocol directly
type paAudioPlatform struct {
	logger *zap.SugaredLogger
	client *pulse.Client
}

func newAudioPlatform(logger *zap.SugaredLogger) (AudioPlatform, VolumeControl, error) {
	logger = logger.Named("pulseaudio")

	client, err := pulse.NewClient(pulse.ClientApplicationName("airsink"))
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	volume, err := newPAVolumeControl(logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	p := &paAudioPlatform{
		logger: logger,
		client: client,
	}

	logger.Debug("Created PA audio platform instance")

	return p, volume, nil
}

func (p *paAudioPlatform) ListOutputEndpoints() []OutputEndpoint {
	sinks, err := p.client.ListSinks()
	if err != nil {
		p.logger.Warnw("Failed to list sinks", "error", err)
		return []OutputEndpoint{}
	}

	endpoints := make([]OutputEndpoint, 0, len(sinks))
	for _, sink := range sinks {
		endpoints = append(endpoints, OutputEndpoint{ID: sink.ID(), DisplayName: sink.Name()})
	}

	return endpoints
}

func (p *paAudioPlatform) ListCaptureEndpoints() []OutputEndpoint {
	sources, err := p.client.ListSources()
	if err != nil {
		p.logger.Warnw("Failed to list sources", "error", err)
		return []OutputEndpoint{}
	}

	endpoints := make([]OutputEndpoint, 0, len(sources))
	for _, source := range sources {
		endpoints = append(endpoints, OutputEndpoint{ID: source.ID(), DisplayName: source.Name()})
	}

	return endpoints
}

func (p *paAudioPlatform) OpenCapture(endpointID string, push FramePush, fail func(error)) (StreamHandle, error) {
	source, err := p.resolveSource(endpointID)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.NewRecord(pulse.Int16Writer(func(samples []int16) (int, error) {
		push(int16sToBytes(samples))
		return len(samples), nil
	}),
		pulse.RecordSource(source),
		pulse.RecordSampleRate(relaySampleRate),
		pulse.RecordStereo,
		pulse.RecordLatency(paStreamLatency),
	)
	if err != nil {
		return nil, fmt.Errorf("create record stream on %q: %w", endpointID, ErrPlatformRejected)
	}

	stream.Start()

	return newPAStream(p.logger, "capture", endpointID, fail,
		func() error { return stream.Error() },
		func() { stream.Stop(); stream.Close() }), nil
}

func (p *paAudioPlatform) OpenRender(endpointID string, pull FramePull, fail func(error)) (StreamHandle, error) {
	sink, err := p.resolveSink(endpointID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0)

	stream, err := p.client.NewPlayback(pulse.Int16Reader(func(samples []int16) (int, error) {
		if cap(buf) < len(samples)*relayDepthBytes {
			buf = make([]byte, len(samples)*relayDepthBytes)
		}
		buf = buf[:len(samples)*relayDepthBytes]

		n := pull(buf)

		// whole frames only; pad the tail with silence
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}

		bytesToInt16s(buf, samples)

		return len(samples), nil
	}),
		pulse.PlaybackSink(sink),
		pulse.PlaybackSampleRate(relaySampleRate),
		pulse.PlaybackStereo,
		pulse.PlaybackLatency(paStreamLatency),
	)
	if err != nil {
		return nil, fmt.Errorf("create playback stream on %q: %w", endpointID, ErrPlatformRejected)
	}

	stream.Start()

	return newPAStream(p.logger, "render", endpointID, fail,
		func() error { return stream.Error() },
		func() { stream.Stop(); stream.Close() }), nil
}

func (p *paAudioPlatform) resolveSource(endpointID string) (*pulse.Source, error) {
	if endpointID == "" {
		source, err := p.client.DefaultSource()
		if err != nil {
			return nil, fmt.Errorf("get default source: %w", ErrDeviceNotFound)
		}

		return source, nil
	}

	source, err := p.client.SourceByID(endpointID)
	if err != nil {
		return nil, fmt.Errorf("get source %q: %w", endpointID, ErrDeviceNotFound)
	}

	return source, nil
}

func (p *paAudioPlatform) resolveSink(endpointID string) (*pulse.Sink, error) {
	if endpointID == "" {
		sink, err := p.client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("get default sink: %w", ErrDeviceNotFound)
		}

		return sink, nil
	}

	sink, err := p.client.SinkByID(endpointID)
	if err != nil {
		return nil, fmt.Errorf("get sink %q: %w", endpointID, ErrDeviceNotFound)
	}

	return sink, nil
}

func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*relayDepthBytes)

	for i, sample := range samples {
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}

	return out
}

func bytesToInt16s(in []byte, out []int16) {
	for i := range out {
		out[i] = int16(in[2*i]) | int16(in[2*i+1])<<8
	}
}

// paStream wraps one pulse stream. The server doesn't push errors into our
// sample callbacks, so a small watchdog polls the stream's error state and
// escalates the first one it sees
type paStream struct {
	logger *zap.SugaredLogger
	kind   string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	close    func()
}

func newPAStream(logger *zap.SugaredLogger, kind, endpointID string, fail func(error),
	streamErr func() error, closeStream func()) *paStream {
	s := &paStream{
		logger: logger,
		kind:   kind,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		close:  closeStream,
	}

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := streamErr(); err != nil {
					if fail != nil {
						fail(fmt.Errorf("%s stream on %q: %w", kind, endpointID, err))
					}

					return
				}
			}
		}
	}()

	return s
}

func (s *paStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	<-s.done
	s.close()

	return nil
}

// paVolumeControl mirrors levels through the native protocol, the same
// connection style the session control plane uses
type paVolumeControl struct {
	logger *zap.SugaredLogger
	client *proto.Client
	mu     sync.Mutex
}

func newPAVolumeControl(logger *zap.SugaredLogger) (*paVolumeControl, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio volume connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio volume connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("airsink-volume"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	return &paVolumeControl{
		logger: logger.Named("volume"),
		client: client,
	}, nil
}

func (vc *paVolumeControl) SourceVolume(captureID string) (float32, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	request := proto.GetSourceInfo{
		SourceIndex: proto.Undefined,
		SourceName:  captureID,
	}
	reply := proto.GetSourceInfoReply{}

	if err := vc.client.Request(&request, &reply); err != nil {
		return 0, fmt.Errorf("get source info for %q: %w", captureID, err)
	}

	if len(reply.ChannelVolumes) == 0 {
		return 0, fmt.Errorf("source %q reported no channel volumes", captureID)
	}

	var total uint64
	for _, volume := range reply.ChannelVolumes {
		total += uint64(volume)
	}

	average := total / uint64(len(reply.ChannelVolumes))

	return float32(average) / float32(proto.VolumeNorm), nil
}

func (vc *paVolumeControl) SetRenderVolume(endpointID string, level float32) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	// an empty endpoint id targets the default sink, which the protocol
	// wants addressed by name
	if endpointID == "" {
		info := proto.GetSinkInfoReply{}
		if err := vc.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined}, &info); err != nil {
			return fmt.Errorf("get default sink info: %w", err)
		}

		endpointID = info.SinkName
	}

	level = util.NormalizeScalar(level)
	volume := uint32(level * float32(proto.VolumeNorm))

	request := proto.SetSinkVolume{
		SinkIndex:      proto.Undefined,
		SinkName:       endpointID,
		ChannelVolumes: proto.ChannelVolumes{volume, volume},
	}

	if err := vc.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink volume on %q: %w", endpointID, err)
	}

	return nil
}
