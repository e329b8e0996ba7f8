package airsink

import (
	"time"

	"go.uber.org/zap"
)

const volumeSyncInterval = time.Second

// VolumeSync mirrors the source device's reported volume onto the render
// endpoint while a relay session is streaming. Purely best-effort: it
// observes state events and never back-pressures the engine
type VolumeSync struct {
	logger  *zap.SugaredLogger
	manager *ConnectionManager
	volume  VolumeControl

	stopChannel chan struct{}
}

func NewVolumeSync(logger *zap.SugaredLogger, manager *ConnectionManager, volume VolumeControl) *VolumeSync {
	return &VolumeSync{
		logger:      logger.Named("volume_sync"),
		manager:     manager,
		volume:      volume,
		stopChannel: make(chan struct{}),
	}
}

func (vs *VolumeSync) Start() {
	events := vs.manager.SubscribeToStateChanges()

	go func() {
		mirroring := false

		ticker := time.NewTicker(volumeSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case event := <-events:
				mirroring = event.State == StateStreaming

			case <-ticker.C:
				if mirroring {
					vs.mirrorOnce()
				}

			case <-vs.stopChannel:
				return
			}
		}
	}()

	vs.logger.Debug("Volume sync started")
}

func (vs *VolumeSync) Stop() {
	close(vs.stopChannel)
	vs.logger.Debug("Volume sync stopped")
}

func (vs *VolumeSync) mirrorOnce() {
	captureID, renderID, ok := vs.manager.SessionEndpoints()
	if !ok {
		return
	}

	level, err := vs.volume.SourceVolume(captureID)
	if err != nil {
		vs.logger.Debugw("Failed to read source volume", "error", err)
		return
	}

	if err := vs.volume.SetRenderVolume(renderID, level); err != nil {
		vs.logger.Debugw("Failed to mirror volume onto render endpoint", "error", err)
	}
}
