package lifecycle

import (
	"errors"
	"testing"

	"openenterprise/pumpguard/internal/registry"
)

type fakeRegistry struct {
	resets         uint8
	unexpectedSeen []uint32
}

func (f *fakeRegistry) GetResetsSinceLPMode() (uint8, error) { return f.resets, nil }
func (f *fakeRegistry) SetResetsSinceLPMode(v uint8) error    { f.resets = v; return nil }
func (f *fakeRegistry) IncrUnexpectedReset(ts uint32) error {
	f.unexpectedSeen = append(f.unexpectedSeen, ts)
	return nil
}

type fakeFlasher struct {
	calls    int
	lastSlot registry.Slot
	fail     bool
}

func (f *fakeFlasher) FlashFromSlot(slot registry.Slot) error {
	f.calls++
	f.lastSlot = slot
	if f.fail {
		return errors.New("flash failed")
	}
	return nil
}

func TestOnBootIncrementsCounter(t *testing.T) {
	reg := &fakeRegistry{resets: 0}
	flasher := &fakeFlasher{}
	if err := OnBoot(reg, registry.SlotA, flasher, 1000); err != nil {
		t.Fatalf("OnBoot: %v", err)
	}
	if reg.resets != 1 {
		t.Fatalf("resets = %d, want 1", reg.resets)
	}
	if flasher.calls != 0 {
		t.Fatal("should not force reflash below threshold")
	}
}

func TestOnBootNoUnexpectedResetOnPlannedPowerDown(t *testing.T) {
	reg := &fakeRegistry{resets: 0} // 0 or 1 prior = planned power-down happened
	flasher := &fakeFlasher{}
	if err := OnBoot(reg, registry.SlotA, flasher, 1000); err != nil {
		t.Fatalf("OnBoot: %v", err)
	}
	if len(reg.unexpectedSeen) != 0 {
		t.Fatalf("unexpectedSeen = %+v, want none", reg.unexpectedSeen)
	}
}

func TestOnBootRecordsUnexpectedResetWhenNoPlannedPowerDown(t *testing.T) {
	reg := &fakeRegistry{resets: 2} // prior > 1: no planned power-down since last boot
	flasher := &fakeFlasher{}
	if err := OnBoot(reg, registry.SlotA, flasher, 42); err != nil {
		t.Fatalf("OnBoot: %v", err)
	}
	if len(reg.unexpectedSeen) != 1 || reg.unexpectedSeen[0] != 42 {
		t.Fatalf("unexpectedSeen = %+v, want [42]", reg.unexpectedSeen)
	}
}

func TestOnBootForcesReflashPastThreshold(t *testing.T) {
	reg := &fakeRegistry{resets: 3} // next = 4, past the threshold of 3
	flasher := &fakeFlasher{}
	if err := OnBoot(reg, registry.SlotB, flasher, 1); err != nil {
		t.Fatalf("OnBoot: %v", err)
	}
	if flasher.calls != 1 || flasher.lastSlot != registry.SlotB {
		t.Fatalf("flasher calls=%d lastSlot=%v, want one call against SlotB", flasher.calls, flasher.lastSlot)
	}
}

func TestOnStandbyEnteredZeroesCounter(t *testing.T) {
	reg := &fakeRegistry{resets: 5}
	if err := OnStandbyEntered(reg); err != nil {
		t.Fatalf("OnStandbyEntered: %v", err)
	}
	if reg.resets != 0 {
		t.Fatalf("resets = %d, want 0", reg.resets)
	}
}
