package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/parley/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/parley/internal/version.Commit=abc123
//	  -X github.com/soyeahso/parley/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ProtocolVersion is the signaling protocol revision advertised in the hello frame.
const ProtocolVersion = 1

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("parley %s (commit: %s, protocol: v%d, built: %s, %s/%s)",
		Version, short(Commit), ProtocolVersion, Date, runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies parley in outbound requests to brokers and blob stores.
func UserAgent() string {
	return "parley/" + Version
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
