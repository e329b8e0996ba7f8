package airsink

import (
	"fmt"

	"fyne.io/systray"
	"github.com/lxn/win"
	"go.uber.org/zap"
)

// WM_APPCOMMAND payloads, shifted into lParam's high word on send
const (
	appCommandVolumeMute = 8
	appCommandVolumeDown = 9
	appCommandVolumeUp   = 10
)

// sendVolumeAppCommand nudges the system volume the same way a keyboard
// media key would, so the shell shows its native volume flyout
func sendVolumeAppCommand(command int) error {
	hwnd := win.GetForegroundWindow()
	if hwnd == 0 {
		hwnd = win.GetDesktopWindow()
	}

	if hwnd == 0 {
		return fmt.Errorf("no window available to receive APPCOMMAND %d", command)
	}

	win.SendMessage(hwnd, win.WM_APPCOMMAND, uintptr(hwnd), uintptr(command)<<16)

	return nil
}

// addVolumeKeyItems extends the tray menu with media-key volume controls
func addVolumeKeyItems(logger *zap.SugaredLogger) {
	systray.AddSeparator()

	volumeUp := systray.AddMenuItem("Volume up", "Raise the output volume")
	volumeDown := systray.AddMenuItem("Volume down", "Lower the output volume")
	volumeMute := systray.AddMenuItem("Mute", "Toggle output mute")

	go func() {
		for {
			var command int

			select {
			case <-volumeUp.ClickedCh:
				command = appCommandVolumeUp
			case <-volumeDown.ClickedCh:
				command = appCommandVolumeDown
			case <-volumeMute.ClickedCh:
				command = appCommandVolumeMute
			}

			if err := sendVolumeAppCommand(command); err != nil {
				logger.Warnw("Failed to send volume media key", "command", command, "error", err)
			}
		}
	}()
}
