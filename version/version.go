// Package version holds build identification injected at link time, read
// by the AP firmware on startup and reported in the boot banner, the debug
// console and telemetry resource attributes. The OTA record's firmware
// triple comparison does not use it.
package version

// Build information (injected via ldflags - must NOT have default values).
var (
	Version   string
	GitSHA    string
	BuildDate string
)
