// Package credentials holds the secrets that must never be committed to
// source control: the WiFi credentials that back the cellular-substitute
// bring-up path (SPEC_FULL.md DOMAIN STACK, `github.com/soypat/cyw43439`)
// and the debug console password.
package credentials

import (
	_ "embed"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the contents of ssid.text, predefined by the deployer.
// This repo's cellular link is modeled as a WiFi bring-up underneath
// (real modem AT dialogue is out of scope, §1); ssid.text/password.text
// play the role the cellular APN credentials would in production
// hardware.
//
// Deprecated: define this outside of the repo for a real deployment.
func SSID() string {
	return ssid
}

// Password returns the contents of password.text, predefined by the
// deployer.
//
// Deprecated: define this outside of the repo for a real deployment.
func Password() string {
	return pass
}

// ConsolePassword returns the contents of console_password.text, used to
// gate the debug console (console.go).
//
// Deprecated: define this outside of the repo for a real deployment.
func ConsolePassword() string {
	return consolePass
}
