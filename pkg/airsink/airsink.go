// Package airsink turns the host into a Bluetooth audio sink: it discovers
// nearby source devices (phones, laptops), relays their audio to a local
// output device within a bounded latency budget, and keeps the session
// alive across transient disconnects without user intervention
package airsink

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/airsink/airsink/pkg/airsink/util"
)

const appName = "airsink"

// Airsink is the main entity managing all subcomponents
type Airsink struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	bt         *btPlatform
	audio      AudioPlatform
	manager    *ConnectionManager
	enumerator *DeviceEnumerator
	volumeSync *VolumeSync

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewAirsink(logger *zap.SugaredLogger, verbose bool) (*Airsink, error) {
	logger = logger.Named("airsink")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	a := &Airsink{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created airsink instance")

	return a, nil
}

func (a *Airsink) currConf() *Config {
	return &a.configMan.current
}

// Initialize sets up components and starts to run in the background
func (a *Airsink) Initialize() error {
	a.logger.Debug("Initializing")

	if err := util.EnsureSingleInstance(appName); err != nil {
		a.logger.Errorw("Another instance appears to be running", "error", err)
		a.notifier.Notify("airsink is already running",
			"Only one instance can run at a time.")

		return fmt.Errorf("ensure single instance: %w", err)
	}

	// load the config for the first time
	if err := a.configMan.Load(); err != nil {
		a.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := a.setupEngine(); err != nil {
		a.logger.Errorw("Failed to set up the relay engine", "error", err)
		return fmt.Errorf("set up relay engine: %w", err)
	}

	a.setupInterruptHandler()
	a.setupOnStateChanged()

	if a.currConf().DisableTray {
		a.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		a.run()
	} else {
		a.runningWithTray = true
		a.initializeTray(a.run)
	}

	return nil
}

// SetVersion causes airsink to add a version string to its tray menu if called before Initialize
func (a *Airsink) SetVersion(version string) {
	a.version = version
}

// Verbose returns a boolean indicating whether airsink is running in verbose mode
func (a *Airsink) Verbose() bool {
	return a.verbose
}

func (a *Airsink) setupEngine() error {
	bt, err := newBTPlatform(a.logger)
	if err != nil {
		return fmt.Errorf("create bluetooth platform: %w", err)
	}

	audio, volume, err := newAudioPlatform(a.logger)
	if err != nil {
		return fmt.Errorf("create audio platform: %w", err)
	}

	a.bt = bt
	a.audio = audio

	a.manager = NewConnectionManager(a.logger, bt, audio, ManagerOptions{
		TargetLatencyMs:   a.currConf().BufferLatencyMs,
		PreferredOutputID: a.currConf().PreferredOutput,
	})

	a.enumerator = NewDeviceEnumerator(a.logger, bt, audio)

	a.volumeSync = NewVolumeSync(a.logger, a.manager, volume)
	a.volumeSync.Start()

	return nil
}

// Connect asks the engine to open a sink connection to the given device
func (a *Airsink) Connect(deviceID string) error {
	if err := a.manager.Connect(deviceID); err != nil {
		return err
	}

	a.configMan.SetLastDevice(deviceID)

	return nil
}

// Disconnect tears down the active connection, if any
func (a *Airsink) Disconnect() {
	a.manager.Disconnect()
}

// ListSourceDevices exposes the enumerator to the presentation layer
func (a *Airsink) ListSourceDevices() ([]SourceDevice, error) {
	return a.enumerator.ListSourceDevices()
}

// ListOutputEndpoints exposes the enumerator to the presentation layer
func (a *Airsink) ListOutputEndpoints() []OutputEndpoint {
	return a.enumerator.ListOutputEndpoints()
}

func (a *Airsink) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		a.logger.Debugw("Interrupted", "signal", signal)
		a.signalStop()
	}()
}

// setupOnStateChanged forwards user-meaningful transitions to the notifier
func (a *Airsink) setupOnStateChanged() {
	events := a.manager.SubscribeToStateChanges()

	go func() {
		for event := range events {
			if !a.currConf().Notifications {
				continue
			}

			switch event.State {
			case StateStreaming:
				a.notifier.Notify("Audio streaming", fmt.Sprintf("Relaying audio from %s.", event.DeviceID))
			case StateReconnecting:
				a.notifier.Notify("Connection lost", "Trying to reconnect...")
			case StateWaitingForSource:
				a.notifier.Notify("Waiting for source",
					fmt.Sprintf("%s is not reachable yet, will keep trying.", event.DeviceID))
			}
		}
	}()
}

func (a *Airsink) run() {
	defer a.recoverFromPanic()

	a.logger.Info("Run loop starting")

	go a.configMan.WatchConfigFileChanges()

	a.setupOnConfigReload()

	if a.currConf().AutoConnect && a.currConf().TargetDevice != "" {
		go func() {
			target := a.currConf().TargetDevice
			a.logger.Infow("Auto-connecting to configured device", "deviceID", target)

			if err := a.Connect(target); err != nil {
				a.logger.Warnw("Auto-connect did not succeed immediately, monitor will keep retrying",
					"deviceID", target,
					"error", err)
			}
		}()
	}

	// wait until gracefully stopped
	<-a.stopChannel
	a.logger.Debug("Stop channel signaled, terminating")

	if err := a.stop(); err != nil {
		a.logger.Warnw("Failed to stop airsink", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (a *Airsink) setupOnConfigReload() {
	configReloadedChannel := a.configMan.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-configReloadedChannel:
				// buffer policy is immutable per session - a latency or output
				// change requires recreating the session, which happens on the
				// next (re)connect with fresh options
				a.manager.UpdateOptions(a.currConf().BufferLatencyMs, a.currConf().PreferredOutput)

				a.logger.Infow("Applied reloaded config to the engine",
					"bufferLatencyMs", a.currConf().BufferLatencyMs,
					"preferredOutput", a.currConf().PreferredOutput)
			}
		}
	}()
}

func (a *Airsink) signalStop() {
	a.logger.Debug("Signalling stop channel")
	a.stopChannel <- true
}

func (a *Airsink) stop() error {
	a.logger.Info("Stopping")

	a.configMan.StopWatchingConfigFile()

	a.manager.Disconnect()
	a.volumeSync.Stop()
	a.bt.Release()

	if a.runningWithTray {
		a.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = a.logger.Sync()

	return nil
}
