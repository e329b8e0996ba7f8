package airsink

import _ "embed"

// AirsinkLogoIconData holds the tray icon bytes
//
//go:embed assets/airsink.png
var AirsinkLogoIconData []byte
