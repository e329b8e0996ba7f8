//go:build !windows

package airsink

import "go.uber.org/zap"

// media-key volume items are a Windows nicety only
func addVolumeKeyItems(_ *zap.SugaredLogger) {}
