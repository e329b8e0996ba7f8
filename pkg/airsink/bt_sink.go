package airsink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tinygo.org/x/bluetooth"
)

const (
	scanWindow     = 4 * time.Second
	connectTimeout = 10 * time.Second
)

// advertised by devices that can act as an A2DP audio source
var audioSourceServiceUUID = bluetooth.New16BitUUID(0x110A)

// btPlatform binds SinkPlatform and SourceScanner to the host radio
// through the bluetooth adapter. Connection liveness is tracked via the
// adapter's connect handler; it's hard to query directly (at least on
// Windows), so we keep our own book
type btPlatform struct {
	logger  *zap.SugaredLogger
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	scanning  bool
	connected map[string]bool
	lastScan  map[string]bluetooth.ScanResult
}

func newBTPlatform(logger *zap.SugaredLogger) (*btPlatform, error) {
	bt := &btPlatform{
		logger:    logger.Named("bluetooth"),
		adapter:   bluetooth.DefaultAdapter,
		connected: make(map[string]bool),
		lastScan:  make(map[string]bluetooth.ScanResult),
	}

	if err := bt.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	bt.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()

		bt.mu.Lock()
		bt.connected[addr] = connected
		bt.mu.Unlock()

		bt.logger.Debugw("Device connection state changed", "address", addr, "connected", connected)
	})

	bt.logger.Debug("Created bluetooth platform instance")

	return bt, nil
}

// ScanSources runs a bounded scan and reports every peer seen, flagging
// the ones advertising an audio-source profile. A result whose name can't
// be read is still reported with best-effort fields
func (bt *btPlatform) ScanSources() ([]SourceDevice, error) {
	results, err := bt.scan(scanWindow, "")
	if err != nil {
		return nil, err
	}

	devices := make([]SourceDevice, 0, len(results))

	for addr, result := range results {
		devices = append(devices, SourceDevice{
			ID:            addr,
			DisplayName:   result.LocalName(),
			IsAudioSource: result.HasServiceUUID(audioSourceServiceUUID),
			LiveConnected: bt.IsConnected(addr),
		})
	}

	return devices, nil
}

// scan collects advertisements for at most window. A non-empty wantAddr
// ends the scan early once that device shows up
func (bt *btPlatform) scan(window time.Duration, wantAddr string) (map[string]bluetooth.ScanResult, error) {
	bt.mu.Lock()
	if bt.scanning {
		// hand back whatever the in-flight scan has seen so far
		snapshot := make(map[string]bluetooth.ScanResult, len(bt.lastScan))
		for addr, result := range bt.lastScan {
			snapshot[addr] = result
		}
		bt.mu.Unlock()

		return snapshot, nil
	}
	bt.scanning = true
	bt.lastScan = make(map[string]bluetooth.ScanResult)
	bt.mu.Unlock()

	defer func() {
		bt.mu.Lock()
		bt.scanning = false
		bt.mu.Unlock()
	}()

	stopTimer := time.AfterFunc(window, func() {
		_ = bt.adapter.StopScan()
	})
	defer stopTimer.Stop()

	err := bt.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()

		bt.mu.Lock()
		bt.lastScan[addr] = result
		bt.mu.Unlock()

		if wantAddr != "" && addr == wantAddr {
			_ = adapter.StopScan()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan for devices: %w", err)
	}

	bt.mu.Lock()
	results := make(map[string]bluetooth.ScanResult, len(bt.lastScan))
	for addr, result := range bt.lastScan {
		results[addr] = result
	}
	bt.mu.Unlock()

	return results, nil
}

// TryOpen connects to the device as an audio sink. The device must be
// advertising (or have advertised during the last scan window); a device
// that is out of range fails with ErrDeviceNotFound and the monitor keeps
// retrying
func (bt *btPlatform) TryOpen(deviceID string) (SinkConnection, error) {
	bt.mu.Lock()
	result, seen := bt.lastScan[deviceID]
	bt.mu.Unlock()

	if !seen {
		results, err := bt.scan(scanWindow, deviceID)
		if err != nil {
			return nil, fmt.Errorf("scan for %q: %w", deviceID, err)
		}

		result, seen = results[deviceID]
		if !seen {
			return nil, fmt.Errorf("device %q is not advertising: %w", deviceID, ErrDeviceNotFound)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	done := make(chan error, 1)
	var device bluetooth.Device

	go func() {
		var err error
		device, err = bt.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %q timed out: %w", deviceID, ErrPlatformRejected)
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("connect to %q: %w", deviceID, err)
		}
	}

	bt.mu.Lock()
	bt.connected[deviceID] = true
	bt.mu.Unlock()

	captureID := result.LocalName()
	if captureID == "" {
		captureID = deviceID
	}

	bt.logger.Infow("Sink connection established", "deviceID", deviceID, "captureID", captureID)

	return &btConnection{platform: bt, device: device, deviceID: deviceID, captureID: captureID}, nil
}

// IsConnected answers liveness checks from our own connection book
func (bt *btPlatform) IsConnected(deviceID string) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	return bt.connected[deviceID]
}

// Release stops any in-flight scan
func (bt *btPlatform) Release() {
	_ = bt.adapter.StopScan()

	bt.logger.Debug("Released bluetooth platform instance")
}

type btConnection struct {
	platform  *btPlatform
	device    bluetooth.Device
	deviceID  string
	captureID string
}

func (c *btConnection) CaptureID() string {
	return c.captureID
}

func (c *btConnection) Close() error {
	c.platform.mu.Lock()
	c.platform.connected[c.deviceID] = false
	c.platform.mu.Unlock()

	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect from %q: %w", c.deviceID, err)
	}

	return nil
}
