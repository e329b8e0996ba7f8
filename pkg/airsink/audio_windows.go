package airsink

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"

	"github.com/airsink/airsink/pkg/airsink/util"
)

const (
	// needed for volume actions to successfully notify other audio consumers
	eventCtxGUID = "{c42f91b1-2f4f-4a9e-bb9a-8e1a737f6d91}"

	// capture/render loops wake well below the smallest latency target
	audioPollInterval = 5 * time.Millisecond
)

// wcaAudioPlatform binds AudioPlatform and VolumeControl to Windows Core
// Audio. Each open stream owns its own COM objects; the platform itself
// only keeps the event context GUID
type wcaAudioPlatform struct {
	logger   *zap.SugaredLogger
	eventCtx *ole.GUID
}

func newAudioPlatform(logger *zap.SugaredLogger) (AudioPlatform, VolumeControl, error) {
	logger = logger.Named("wasapi")

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
		} else {
			logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	p := &wcaAudioPlatform{
		logger:   logger,
		eventCtx: ole.NewGUID(eventCtxGUID),
	}

	logger.Debug("Created WCA audio platform instance")

	return p, p, nil
}

func (p *wcaAudioPlatform) ListOutputEndpoints() []OutputEndpoint {
	return p.listEndpoints(wca.ERender)
}

func (p *wcaAudioPlatform) ListCaptureEndpoints() []OutputEndpoint {
	return p.listEndpoints(wca.ECapture)
}

// listEndpoints enumerates active endpoints of one data flow. Per-device
// failures are swallowed so a single misbehaving driver can't hide the
// rest; a wholesale failure yields an empty list, never an error
func (p *wcaAudioPlatform) listEndpoints(dataFlow uint32) []OutputEndpoint {
	var mmDeviceEnumerator *wca.IMMDeviceEnumerator

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&mmDeviceEnumerator,
	); err != nil {
		p.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return []OutputEndpoint{}
	}
	defer mmDeviceEnumerator.Release()

	var deviceCollection *wca.IMMDeviceCollection

	if err := mmDeviceEnumerator.EnumAudioEndpoints(dataFlow, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		p.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return []OutputEndpoint{}
	}

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		p.logger.Warnw("Failed to get device count from device collection", "error", err)
		return []OutputEndpoint{}
	}

	endpoints := []OutputEndpoint{}

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var endpoint *wca.IMMDevice

		if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
			p.logger.Warnw("Failed to get device from device collection",
				"deviceIdx", deviceIdx,
				"error", err)

			continue
		}

		var endpointID string
		if err := endpoint.GetId(&endpointID); err != nil {
			p.logger.Warnw("Failed to get endpoint id", "deviceIdx", deviceIdx, "error", err)
			endpoint.Release()
			continue
		}

		friendlyName, err := p.getEndpointFriendlyName(endpoint)
		if err != nil {
			// still report the endpoint, just without a pretty name
			p.logger.Debugw("Failed to get endpoint friendly name", "endpointID", endpointID, "error", err)
			friendlyName = endpointID
		}

		endpoints = append(endpoints, OutputEndpoint{ID: endpointID, DisplayName: friendlyName})

		endpoint.Release()
	}

	return endpoints
}

func (p *wcaAudioPlatform) getEndpointFriendlyName(endpoint *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	// device friendly name i.e. "Headphones (Realtek Audio)"
	return value.String(), nil
}

// getDevice resolves an endpoint id to an IMMDevice; an empty id selects
// the default endpoint of the given data flow. The caller releases both
func (p *wcaAudioPlatform) getDevice(endpointID string, dataFlow uint32) (*wca.IMMDevice, *wca.IMMDeviceEnumerator, error) {
	var mmDeviceEnumerator *wca.IMMDeviceEnumerator

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&mmDeviceEnumerator,
	); err != nil {
		return nil, nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	var mmDevice *wca.IMMDevice

	if endpointID == "" {
		if err := mmDeviceEnumerator.GetDefaultAudioEndpoint(dataFlow, wca.EConsole, &mmDevice); err != nil {
			mmDeviceEnumerator.Release()
			return nil, nil, fmt.Errorf("get default audio endpoint: %w", err)
		}
	} else {
		if err := mmDeviceEnumerator.GetDevice(endpointID, &mmDevice); err != nil {
			mmDeviceEnumerator.Release()
			return nil, nil, fmt.Errorf("get audio endpoint %q: %w", endpointID, ErrDeviceNotFound)
		}
	}

	return mmDevice, mmDeviceEnumerator, nil
}

// activateClient prepares an IAudioClient on the endpoint in shared mode
// with the relay's PCM format
func (p *wcaAudioPlatform) activateClient(mmDevice *wca.IMMDevice) (*wca.IAudioClient, uint32, error) {
	var audioClient *wca.IAudioClient

	if err := mmDevice.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &audioClient); err != nil {
		return nil, 0, fmt.Errorf("activate IAudioClient: %w", ErrPlatformRejected)
	}

	var wfx *wca.WAVEFORMATEX
	if err := audioClient.GetMixFormat(&wfx); err != nil {
		audioClient.Release()
		return nil, 0, fmt.Errorf("get mix format: %w", err)
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	wfx.WFormatTag = 1
	wfx.NChannels = relayChannels
	wfx.NSamplesPerSec = relaySampleRate
	wfx.WBitsPerSample = relayDepthBytes * 8
	wfx.NBlockAlign = relayChannels * relayDepthBytes
	wfx.NAvgBytesPerSec = wfx.NSamplesPerSec * uint32(wfx.NBlockAlign)
	wfx.CbSize = 0

	var defaultPeriod wca.REFERENCE_TIME
	var minimumPeriod wca.REFERENCE_TIME

	if err := audioClient.GetDevicePeriod(&defaultPeriod, &minimumPeriod); err != nil {
		audioClient.Release()
		return nil, 0, fmt.Errorf("get device period: %w", err)
	}

	if err := audioClient.Initialize(wca.AUDCLNT_SHAREMODE_SHARED, 0, defaultPeriod, 0, wfx, nil); err != nil {
		audioClient.Release()
		return nil, 0, fmt.Errorf("initialize audio client: %w", ErrFormatMismatch)
	}

	var bufferFrames uint32
	if err := audioClient.GetBufferSize(&bufferFrames); err != nil {
		audioClient.Release()
		return nil, 0, fmt.Errorf("get buffer size: %w", err)
	}

	return audioClient, bufferFrames, nil
}

func (p *wcaAudioPlatform) OpenCapture(endpointID string, push FramePush, fail func(error)) (StreamHandle, error) {
	mmDevice, mmDeviceEnumerator, err := p.getDevice(endpointID, wca.ECapture)
	if err != nil {
		return nil, err
	}
	defer mmDevice.Release()
	defer mmDeviceEnumerator.Release()

	audioClient, _, err := p.activateClient(mmDevice)
	if err != nil {
		return nil, err
	}

	var captureClient *wca.IAudioCaptureClient
	if err := audioClient.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		audioClient.Release()
		return nil, fmt.Errorf("get IAudioCaptureClient: %w", err)
	}

	if err := audioClient.Start(); err != nil {
		captureClient.Release()
		audioClient.Release()
		return nil, fmt.Errorf("start capture client: %w", ErrPlatformRejected)
	}

	stream := newWCAStream(p.logger, "capture", endpointID, audioClient, fail)

	go stream.captureLoop(captureClient, push)

	return stream, nil
}

func (p *wcaAudioPlatform) OpenRender(endpointID string, pull FramePull, fail func(error)) (StreamHandle, error) {
	mmDevice, mmDeviceEnumerator, err := p.getDevice(endpointID, wca.ERender)
	if err != nil {
		return nil, err
	}
	defer mmDevice.Release()
	defer mmDeviceEnumerator.Release()

	audioClient, bufferFrames, err := p.activateClient(mmDevice)
	if err != nil {
		return nil, err
	}

	var renderClient *wca.IAudioRenderClient
	if err := audioClient.GetService(wca.IID_IAudioRenderClient, &renderClient); err != nil {
		audioClient.Release()
		return nil, fmt.Errorf("get IAudioRenderClient: %w", err)
	}

	if err := audioClient.Start(); err != nil {
		renderClient.Release()
		audioClient.Release()
		return nil, fmt.Errorf("start render client: %w", ErrPlatformRejected)
	}

	stream := newWCAStream(p.logger, "render", endpointID, audioClient, fail)

	go stream.renderLoop(renderClient, pull, bufferFrames)

	return stream, nil
}

// SourceVolume reads the master level of the capture endpoint carrying the
// incoming stream; captureID may be a friendly-name fragment
func (p *wcaAudioPlatform) SourceVolume(captureID string) (float32, error) {
	resolved, err := resolveEndpoint(captureID, p.ListCaptureEndpoints())
	if err != nil {
		return 0, fmt.Errorf("resolve capture endpoint %q: %w", captureID, err)
	}

	var level float32

	err = p.withEndpointVolume(resolved, wca.ECapture, func(aev *wca.IAudioEndpointVolume) error {
		return aev.GetMasterVolumeLevelScalar(&level)
	})
	if err != nil {
		return 0, err
	}

	return level, nil
}

func (p *wcaAudioPlatform) SetRenderVolume(endpointID string, level float32) error {
	return p.withEndpointVolume(endpointID, wca.ERender, func(aev *wca.IAudioEndpointVolume) error {
		return aev.SetMasterVolumeLevelScalar(util.NormalizeScalar(level), p.eventCtx)
	})
}

func (p *wcaAudioPlatform) withEndpointVolume(endpointID string, dataFlow uint32, f func(*wca.IAudioEndpointVolume) error) error {
	mmDevice, mmDeviceEnumerator, err := p.getDevice(endpointID, dataFlow)
	if err != nil {
		return err
	}
	defer mmDevice.Release()
	defer mmDeviceEnumerator.Release()

	var audioEndpointVolume *wca.IAudioEndpointVolume

	if err := mmDevice.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &audioEndpointVolume); err != nil {
		return fmt.Errorf("activate IAudioEndpointVolume: %w", err)
	}
	defer audioEndpointVolume.Release()

	return f(audioEndpointVolume)
}

// wcaStream is one open capture or render stream and the goroutine feeding
// it. Close is idempotent and waits for the loop to exit before releasing
// the COM objects
type wcaStream struct {
	logger      *zap.SugaredLogger
	kind        string
	endpointID  string
	audioClient *wca.IAudioClient
	fail        func(error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newWCAStream(logger *zap.SugaredLogger, kind, endpointID string, audioClient *wca.IAudioClient, fail func(error)) *wcaStream {
	return &wcaStream{
		logger:      logger,
		kind:        kind,
		endpointID:  endpointID,
		audioClient: audioClient,
		fail:        fail,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *wcaStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	<-s.done

	if err := s.audioClient.Stop(); err != nil {
		s.logger.Debugw("Failed to stop audio client", "kind", s.kind, "error", err)
	}

	s.audioClient.Release()

	return nil
}

// failed reports a dead endpoint mid-stream, unless we are shutting down
func (s *wcaStream) failed(err error) {
	select {
	case <-s.stop:
		return
	default:
	}

	if s.fail != nil {
		s.fail(fmt.Errorf("%s stream on %q: %w", s.kind, s.endpointID, err))
	}
}

func (s *wcaStream) captureLoop(captureClient *wca.IAudioCaptureClient, push FramePush) {
	defer close(s.done)
	defer captureClient.Release()

	ticker := time.NewTicker(audioPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		var packetFrames uint32

		if err := captureClient.GetNextPacketSize(&packetFrames); err != nil {
			s.failed(fmt.Errorf("get next packet size: %w", err))
			return
		}

		for packetFrames > 0 {
			var data *byte
			var availableFrames uint32
			var flags uint32

			if err := captureClient.GetBuffer(&data, &availableFrames, &flags, nil, nil); err != nil {
				s.failed(fmt.Errorf("get capture buffer: %w", err))
				return
			}

			if availableFrames > 0 {
				// the ring copies under its own lock, so handing it the
				// shared-mode buffer directly is safe until ReleaseBuffer
				frames := unsafe.Slice(data, int(availableFrames)*relayChannels*relayDepthBytes)
				push(frames)
			}

			if err := captureClient.ReleaseBuffer(availableFrames); err != nil {
				s.failed(fmt.Errorf("release capture buffer: %w", err))
				return
			}

			if err := captureClient.GetNextPacketSize(&packetFrames); err != nil {
				s.failed(fmt.Errorf("get next packet size: %w", err))
				return
			}
		}
	}
}

func (s *wcaStream) renderLoop(renderClient *wca.IAudioRenderClient, pull FramePull, bufferFrames uint32) {
	defer close(s.done)
	defer renderClient.Release()

	ticker := time.NewTicker(audioPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		var padding uint32

		if err := s.audioClient.GetCurrentPadding(&padding); err != nil {
			s.failed(fmt.Errorf("get current padding: %w", err))
			return
		}

		freeFrames := bufferFrames - padding
		if freeFrames == 0 {
			continue
		}

		var data *byte

		if err := renderClient.GetBuffer(freeFrames, &data); err != nil {
			s.failed(fmt.Errorf("get render buffer: %w", err))
			return
		}

		buf := unsafe.Slice(data, int(freeFrames)*relayChannels*relayDepthBytes)

		n := pull(buf)

		// pad with silence when the ring runs dry
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}

		if err := renderClient.ReleaseBuffer(freeFrames, 0); err != nil {
			s.failed(fmt.Errorf("release render buffer: %w", err))
			return
		}
	}
}
