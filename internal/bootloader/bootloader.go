// Package bootloader implements the boot-time slot-selection policy and
// the application's one-time handoff-cache consumption (§4.3, C3). It sits
// between the registry, the handoff cache, and a staging-area check for the
// manufacturing path; it does not itself touch NAND beyond what the
// registry exposes.
package bootloader

import (
	"errors"

	"openenterprise/pumpguard/internal/bootcache"
	"openenterprise/pumpguard/internal/registry"
)

// lpModeFallbackThreshold is the resets_since_lp_mode value that forces a
// Fallback decision regardless of registry state (§4.3 step 3).
const lpModeFallbackThreshold = 3

// StagingChecker reports whether the internal-flash manufacturing staging
// area holds a valid, not-yet-applied image package (§4.3 step 4, §6
// "Manufacturing image package"). Implemented by internal/ota's package
// validator; kept as a narrow interface here so bootloader has no import
// dependency on the OTA wire format.
type StagingChecker interface {
	HasValidStagedPackage() bool
}

// ErrBothSlotsFailed is returned by Select when neither slot can be
// chosen; the caller must halt in a safe idle (§4.3 step 5, §7).
var ErrBothSlotsFailed = errors.New("bootloader: both slots failed")

// Decision is the outcome of Select: which slot to jump to and why.
type Decision struct {
	Reason bootcache.Reason
	Slot   registry.Slot
}

// Select runs the boot-time policy of §4.3 steps 1-5.
func Select(reg registry.Registry, staging StagingChecker) (Decision, error) {
	if reg.ResetsSinceLPMode >= lpModeFallbackThreshold {
		slot, err := fallbackSlot(reg)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Reason: bootcache.ReasonFallback, Slot: slot}, nil
	}

	if !reg.MfgComplete && staging != nil && staging.HasValidStagedPackage() {
		return Decision{Reason: bootcache.ReasonManufacturing, Slot: registry.SlotA}, nil
	}

	primary := reg.Primary
	primaryState := slotState(reg, primary)
	if primaryState != registry.StateFailed {
		return Decision{Reason: bootcache.ReasonNominal, Slot: primary}, nil
	}

	alt := primary.Other()
	altState := slotState(reg, alt)
	if altState != registry.StateFailed {
		return Decision{Reason: bootcache.ReasonFallback, Slot: alt}, nil
	}

	return Decision{}, ErrBothSlotsFailed
}

// fallbackSlot picks whichever slot is not Failed when resets_since_lp_mode
// has tripped the circuit breaker, preferring the current primary.
func fallbackSlot(reg registry.Registry) (registry.Slot, error) {
	if slotState(reg, reg.Primary) != registry.StateFailed {
		return reg.Primary, nil
	}
	alt := reg.Primary.Other()
	if slotState(reg, alt) != registry.StateFailed {
		return alt, nil
	}
	return registry.SlotUnknown, ErrBothSlotsFailed
}

func slotState(reg registry.Registry, slot registry.Slot) registry.OpState {
	if slot == registry.SlotA {
		return reg.SlotA.OpState
	}
	return reg.SlotB.OpState
}

// SMFlasher is the narrow capability the application-side handoff handler
// needs from C4 to re-flash the SM, kept as an interface so this package
// never imports internal/smprog directly.
type SMFlasher interface {
	FlashFromSlot(slot registry.Slot) error
}

// HandoffOutcome tells the caller what ConsumeHandoff decided, so the
// application main loop knows whether to proceed normally or enter
// standby immediately (§4.3 "enter standby to let the SM re-flash on the
// next nominal boot cycle").
type HandoffOutcome struct {
	EnterStandby bool
}

// ConsumeHandoff implements the application's one-time read of the
// handoff cache (§4.3, the four bulleted branches after step 6). It must
// be called at most once per boot; cell.Take() enforces that at the
// storage layer.
func ConsumeHandoff(cell *bootcache.Cell, reg *registry.Store, sm SMFlasher, ota StagingApplier) (HandoffOutcome, error) {
	entry, ok := cell.Take()
	if !ok {
		return HandoffOutcome{}, nil
	}

	switch entry.ReasonLastLoaded {
	case bootcache.ReasonFallback:
		other := entry.LastLoaded.Other()
		if err := reg.SetOpState(other, registry.StateFailed); err != nil {
			return HandoffOutcome{}, err
		}
		if err := reg.SetPrimary(entry.LastLoaded); err != nil {
			return HandoffOutcome{}, err
		}
		if err := flashWithOneRetry(sm, entry.LastLoaded); err != nil {
			return HandoffOutcome{}, err
		}
		return HandoffOutcome{}, nil

	case bootcache.ReasonUpgrade:
		st, err := reg.GetOpState(entry.LastLoaded)
		if err != nil {
			return HandoffOutcome{}, err
		}
		if st == registry.StateUnknown || st == registry.StateFailed {
			if err := reg.SetOpState(entry.LastLoaded, registry.StatePartial); err != nil {
				return HandoffOutcome{}, err
			}
			return HandoffOutcome{EnterStandby: true}, nil
		}
		return HandoffOutcome{}, nil

	case bootcache.ReasonManufacturing:
		if ota != nil {
			if err := ota.ApplyStagedPackage(registry.SlotA); err != nil {
				return HandoffOutcome{}, err
			}
		}
		if err := reg.SetOpState(registry.SlotA, registry.StatePartial); err != nil {
			return HandoffOutcome{}, err
		}
		if err := flashWithOneRetry(sm, registry.SlotA); err != nil {
			return HandoffOutcome{}, err
		}
		return HandoffOutcome{}, nil

	case bootcache.ReasonNominal:
		// §4.7 promotes Partial -> Full on first MqttReady; nothing to do here.
		return HandoffOutcome{}, nil

	default:
		return HandoffOutcome{}, nil
	}
}

// StagingApplier is the narrow capability needed for the Manufacturing
// handoff branch: copying the staged package into slot A of the NAND
// (§4.3 step "copy the staged package from internal flash to slot A").
type StagingApplier interface {
	ApplyStagedPackage(slot registry.Slot) error
}

func flashWithOneRetry(sm SMFlasher, slot registry.Slot) error {
	if sm == nil {
		return nil
	}
	if err := sm.FlashFromSlot(slot); err != nil {
		return sm.FlashFromSlot(slot)
	}
	return nil
}
