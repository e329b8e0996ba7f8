package airsink

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/airsink/airsink/pkg/airsink/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig     *viper.Viper
	internalConfig *viper.Viper

	current Config
}

type Config struct {
	// the source device to connect to, by opaque device id. When empty, the
	// last successfully connected device (remembered in the internal
	// preferences file) is used
	TargetDevice string `mapstructure:"target_device"`

	// preferred render endpoint id; empty means the system default
	PreferredOutput string `mapstructure:"preferred_output"`

	// relay buffer target latency, clamped to the valid range on load
	BufferLatencyMs int `mapstructure:"buffer_latency_ms"`

	AutoConnect bool `mapstructure:"auto_connect"`

	// accepted for compatibility but forced on: nothing disables automatic
	// reconnection
	AutoReconnect bool `mapstructure:"auto_reconnect"`

	DisableTray   bool `mapstructure:"disable_tray"`
	Notifications bool `mapstructure:"notifications"`
}

const (
	userConfigFilepath     = "config.yaml"
	internalConfigFilepath = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	userConfigPath = "."

	configType = "yaml"

	configKeyTargetDevice    = "target_device"
	configKeyPreferredOutput = "preferred_output"
	configKeyBufferLatencyMs = "buffer_latency_ms"
	configKeyAutoConnect     = "auto_connect"
	configKeyAutoReconnect   = "auto_reconnect"
	configKeyNotifications   = "notifications"

	configKeyLastDevice = "last_device"
)

var internalConfigPath = path.Join(".", logDirectory)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyTargetDevice, "")
	userConfig.SetDefault(configKeyPreferredOutput, "")
	userConfig.SetDefault(configKeyBufferLatencyMs, defaultTargetLatencyMs)
	userConfig.SetDefault(configKeyAutoConnect, false)
	userConfig.SetDefault(configKeyAutoReconnect, true)
	userConfig.SetDefault(configKeyNotifications, true)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is optional - defaults cover a first run where the
	// user picks a device from the tray
	if util.FileExists(userConfigFilepath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check airsink's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Debugw("No config file found, using defaults", "path", userConfigFilepath)
	}

	// load the internal config - this doesn't have to exist, so it can error
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"targetDevice", cc.current.TargetDevice,
		"preferredOutput", cc.current.PreferredOutput,
		"bufferLatencyMs", cc.current.BufferLatencyMs,
		"autoConnect", cc.current.AutoConnect)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// SetLastDevice persists the id of the most recently connected device in
// the internal preferences file, so the next launch can auto-connect to it
// without a user-maintained config entry
func (cc *ConfigManager) SetLastDevice(deviceID string) {
	cc.internalConfig.Set(configKeyLastDevice, deviceID)

	if err := util.EnsureDirExists(internalConfigPath); err != nil {
		cc.logger.Warnw("Failed to ensure internal config directory exists", "error", err)
		return
	}

	if err := cc.internalConfig.WriteConfigAs(path.Join(internalConfigPath, internalConfigFilepath)); err != nil {
		cc.logger.Warnw("Failed to persist last connected device", "error", err)
		return
	}

	cc.logger.Debugw("Persisted last connected device", "deviceID", deviceID)
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					if cc.current.Notifications {
						cc.notifier.Notify("Configuration reloaded!",
							"Changes apply the next time a connection is (re)established.")
					}

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if cc.current.BufferLatencyMs < minTargetLatencyMs || cc.current.BufferLatencyMs > maxTargetLatencyMs {
		clamped := clampLatency(cc.current.BufferLatencyMs)
		cc.logger.Warnw("Configured buffer latency out of range, clamping",
			"configuredMs", cc.current.BufferLatencyMs,
			"clampedMs", clamped)

		cc.current.BufferLatencyMs = clamped
	}

	// reconnection is not something users get to turn off
	if !cc.current.AutoReconnect {
		cc.logger.Warnw("Ignoring attempt to disable automatic reconnection",
			"key", configKeyAutoReconnect)

		cc.current.AutoReconnect = true
	}

	// fall back to the last remembered device when none is configured
	if cc.current.TargetDevice == "" {
		cc.current.TargetDevice = cc.internalConfig.GetString(configKeyLastDevice)
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
