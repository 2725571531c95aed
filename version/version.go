package version

import (
	"fmt"
	"runtime"
)

var (
	// NAME is the service name.
	NAME = "Vessel"
	// VERSION is set at build time.
	VERSION = "unknown"
	// REVISION is the git hash, set at build time.
	REVISION = "HEAD"
	// BUILTAT is the build timestamp, set at build time.
	BUILTAT = "now"
)

// String renders the full version banner.
func String() string {
	version := fmt.Sprintf("%s\n", NAME)
	version += fmt.Sprintf("Version:        %s\n", VERSION)
	version += fmt.Sprintf("Git hash:       %s\n", REVISION)
	version += fmt.Sprintf("Built:          %s\n", BUILTAT)
	version += fmt.Sprintf("Golang version: %s\n", runtime.Version())
	version += fmt.Sprintf("OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return version
}
