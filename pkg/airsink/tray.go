package airsink

import (
	"fmt"

	"fyne.io/systray"

	"github.com/airsink/airsink/pkg/airsink/util"
)

func (a *Airsink) initializeTray(onDone func()) {
	logger := a.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(AirsinkLogoIconData, AirsinkLogoIconData)
		systray.SetTitle("airsink")
		systray.SetTooltip("airsink")

		status := systray.AddMenuItem("Not connected", "Current connection state")
		status.Disable()

		systray.AddSeparator()

		connect := systray.AddMenuItem("Connect", "Connect to the configured source device")
		disconnect := systray.AddMenuItem("Disconnect", "Tear down the active connection")
		disconnect.Disable()

		systray.AddSeparator()

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with an editor")

		addVolumeKeyItems(logger)

		if a.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(a.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop airsink and quit")

		// keep the status line and menu item enablement in step with the engine
		events := a.manager.SubscribeToStateChanges()

		go func() {
			for event := range events {
				switch event.State {
				case StateStreaming:
					status.SetTitle(fmt.Sprintf("Streaming from %s", event.DeviceID))
					connect.Disable()
					disconnect.Enable()
				case StateConnecting:
					status.SetTitle(fmt.Sprintf("Connecting to %s...", event.DeviceID))
					connect.Disable()
					disconnect.Enable()
				case StateReconnecting:
					status.SetTitle("Reconnecting...")
					disconnect.Enable()
				case StateWaitingForSource:
					status.SetTitle(fmt.Sprintf("Waiting for %s...", event.DeviceID))
					disconnect.Enable()
				case StateDisconnected, StateIdle:
					status.SetTitle("Not connected")
					connect.Enable()
					disconnect.Disable()
				}
			}
		}()

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					a.signalStop()

				case <-connect.ClickedCh:
					target := a.currConf().TargetDevice
					if target == "" {
						logger.Warn("Connect clicked but no target device is configured")
						a.notifier.Notify("No device configured",
							"Set target_device in the configuration file first.")
						continue
					}

					logger.Infow("Connect menu item clicked", "deviceID", target)

					go func() {
						if err := a.Connect(target); err != nil {
							logger.Warnw("Tray-initiated connect failed, monitor will keep retrying",
								"deviceID", target,
								"error", err)
						}
					}()

				case <-disconnect.ClickedCh:
					logger.Info("Disconnect menu item clicked")
					a.Disconnect()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "gedit"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (a *Airsink) stopTray() {
	a.logger.Debug("Quitting tray")
	systray.Quit()
}
