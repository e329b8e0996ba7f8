package airsink

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier represents an entity that can show the user a brief,
// non-interactive notification
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications through the OS notification
// center
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	notifier := &ToastNotifier{logger: logger.Named("notifier")}

	notifier.logger.Debug("Created toast notifier instance")

	return notifier, nil
}

// Notify shows a toast. Failures are logged, never surfaced - a missed
// notification must not break anything
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Showing toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to show toast notification", "error", err)
	}
}
