package airsink

import (
	"fmt"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// DeviceEnumerator lists candidate source devices and available render
// endpoints. Pure query; callers decide the re-scan cadence
type DeviceEnumerator struct {
	logger  *zap.SugaredLogger
	scanner SourceScanner
	audio   AudioPlatform
}

func NewDeviceEnumerator(logger *zap.SugaredLogger, scanner SourceScanner, audio AudioPlatform) *DeviceEnumerator {
	return &DeviceEnumerator{
		logger:  logger.Named("enumerator"),
		scanner: scanner,
		audio:   audio,
	}
}

// ListSourceDevices scans for audio-capable peers. A device whose property
// lookup failed is still reported with best-effort fields rather than
// aborting the whole scan; only a full scan failure returns an error
func (de *DeviceEnumerator) ListSourceDevices() ([]SourceDevice, error) {
	devices, err := de.scanner.ScanSources()
	if err != nil {
		de.logger.Warnw("Source device scan failed", "error", err)
		return nil, fmt.Errorf("scan source devices: %w", err)
	}

	seen := []string{}
	result := make([]SourceDevice, 0, len(devices))

	for _, device := range devices {
		if funk.ContainsString(seen, device.ID) {
			continue
		}

		seen = append(seen, device.ID)

		if device.DisplayName == "" {
			device.DisplayName = device.ID
		}

		result = append(result, device)
	}

	de.logger.Debugw("Enumerated source devices", "count", len(result))

	return result, nil
}

// ListOutputEndpoints returns the available render endpoints, or an empty
// list on platform failure - the caller falls back to the default endpoint
func (de *DeviceEnumerator) ListOutputEndpoints() []OutputEndpoint {
	endpoints := de.audio.ListOutputEndpoints()

	de.logger.Debugw("Enumerated output endpoints", "count", len(endpoints))

	return endpoints
}
