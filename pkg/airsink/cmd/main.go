package main

import (
	"flag"
	"fmt"

	"github.com/airsink/airsink/pkg/airsink"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging connection issues)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {
	logger, err := airsink.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	a, err := airsink.NewAirsink(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create airsink object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		a.SetVersion(versionString)
	}

	if err = a.Initialize(); err != nil {
		named.Fatalw("Failed to initialize airsink", "error", err)
	}
}
