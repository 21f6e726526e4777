// Package config exposes the small set of deployment-specific values this
// firmware needs that aren't persisted in the on-NAND registry: where the
// cloud broker and telemetry collector live, and the wake-lifetime budget
// defaults (§4.7 "Lifetime budget").
package config

import (
	_ "embed"
	"net/netip"
	"strings"
	"time"
)

// Default wake-lifetime budgets; see internal/eventcore for how these are
// applied (regular vs. OTA-active wake cycles).
const (
	DefaultWakeBudget = 11 * time.Minute
	OtaWakeBudget     = 15 * time.Minute
	DefaultNTPServer  = "time.cloudflare.com"
)

// Environment-specific configuration (must be provided via embedded text
// files at build time; see the corresponding .text placeholders).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed wake_budget.text
	wakeBudgetOverride string

	//go:embed ntp_server.text
	ntpServerOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text.
// Format: "host:port", e.g. "192.168.1.100:1883".
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns this device's MQTT client ID from clientid.text.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// TelemetryCollectorAddr returns the OTLP collector address from
// telemetry_collector.text. Format: "host:port", e.g. "192.168.1.100:4318".
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(telemetryCollector)
	return netip.ParseAddrPort(addr)
}

// WakeBudget returns the normal (non-OTA) wake-lifetime budget. Returns
// DefaultWakeBudget unless overridden via wake_budget.text.
func WakeBudget() time.Duration {
	if override := strings.TrimSpace(wakeBudgetOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultWakeBudget
}

// NTPServer returns the NTP server hostname used for time synchronization.
// Returns DefaultNTPServer unless overridden via ntp_server.text.
func NTPServer() string {
	if override := strings.TrimSpace(ntpServerOverride); override != "" {
		return override
	}
	return DefaultNTPServer
}
