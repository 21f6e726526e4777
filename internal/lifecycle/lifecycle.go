// Package lifecycle implements the registry-mediated boot bookkeeping of
// §4.8 (C8): the resets_since_lp_mode circuit breaker that forces an SM
// reflash when the AP keeps crashing before reaching standby, and the
// unexpected_reset_count audit trail.
package lifecycle

import "openenterprise/pumpguard/internal/registry"

// Registry is the narrow subset of registry.Store this package needs,
// kept as an interface so this package has no hard dependency on NAND
// wiring in its tests.
type Registry interface {
	GetResetsSinceLPMode() (uint8, error)
	SetResetsSinceLPMode(v uint8) error
	IncrUnexpectedReset(ts uint32) error
}

// SMFlasher is the forced-reflash action (shared contract with
// internal/bootloader/internal/eventcore).
type SMFlasher interface {
	FlashFromSlot(slot registry.Slot) error
}

// lpModeForceReflashThreshold mirrors internal/bootloader's circuit
// breaker value: it is compared with the count *after* OnBoot's own
// increment, so a reflash is forced starting with the boot that pushes
// the counter to 4 (§4.8 "On exceeding 3").
const lpModeForceReflashThreshold = 3

// OnBoot runs at the very start of application startup, before anything
// else: increments resets_since_lp_mode, records an unexpected-reset
// audit entry if the AP did not go through a planned power-down since the
// last boot, and forces an SM reflash from primary if the breaker has
// tripped.
//
// nowUnixSec is the boot-time timestamp to persist with the audit entry.
func OnBoot(reg Registry, primary registry.Slot, flasher SMFlasher, nowUnixSec uint32) error {
	prior, err := reg.GetResetsSinceLPMode()
	if err != nil {
		return err
	}
	next := prior + 1

	// unexpected_reset_count: incremented when prior > 1, i.e. we did not
	// go through a single planned power-down cycle between boots (§4.8).
	if prior > 1 {
		if err := reg.IncrUnexpectedReset(nowUnixSec); err != nil {
			return err
		}
	}

	if err := reg.SetResetsSinceLPMode(next); err != nil {
		return err
	}

	if next > lpModeForceReflashThreshold {
		return flasher.FlashFromSlot(primary)
	}
	return nil
}

// OnStandbyEntered zeroes the circuit breaker (§4.8 "zeroed at the moment
// standby is entered", P6).
func OnStandbyEntered(reg Registry) error {
	return reg.SetResetsSinceLPMode(0)
}
