package llm

import (
	"fmt"
	"strings"
)

const (
	AppName = "apiai"
	Version = "2.0.0"
)

// AppID builds the X-APP-ID value "<name>-v<major>" from a semantic version.
// A missing or non numeric major falls back to 1.
func AppID(name, version string) string {
	major := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if idx := strings.Index(major, "."); idx >= 0 {
		major = major[:idx]
	}
	if major == "" || strings.Trim(major, "0123456789") != "" {
		major = "1"
	}
	return fmt.Sprintf("%s-v%s", name, major)
}

// DefaultAppID identifies this build to the relay.
func DefaultAppID() string {
	return AppID(AppName, Version)
}
