package airsink

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/airsink/airsink/pkg/airsink/util"
)

const (
	logDirectory = "logs"
	logFilename  = "airsink.log"
)

// NewLogger provides a logger instance for the entire application.
// Release builds log structured JSON to a file only; any other build type
// gets a human-readable console logger alongside the file
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if err := util.EnsureDirExists(logDirectory); err != nil {
		return nil, fmt.Errorf("ensure log directory exists: %w", err)
	}

	logFilePath := filepath.Join(logDirectory, logFilename)

	if buildType == "release" {
		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{logFilePath}
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.OutputPaths = []string{"stdout", logFilePath}
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeCaller = nil

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
