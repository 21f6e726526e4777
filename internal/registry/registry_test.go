package registry

import (
	"testing"

	"openenterprise/pumpguard/internal/nand"
)

type memBus struct {
	pages       [nand.BlockCount * nand.PagesPerBlock][nand.PageDataSize]byte
	erased      [nand.BlockCount * nand.PagesPerBlock]bool
	pendingData []byte
	readRow     uint32
}

func newMemBus() *memBus {
	b := &memBus{}
	for i := range b.erased {
		b.erased[i] = true
	}
	return b
}

// Transfer is a simplified full NAND emulation sufficient for registry
// tests: it tracks per-page erase state and commits PROGRAM_LOAD payloads
// immediately against the addressed row carried in the surrounding
// PROGRAM_EXEC, since registry writes are always a single full-page
// program with no randomized sub-page loads.
func (b *memBus) Transfer(tx []byte, rx []byte) error {
	const (
		cmdWriteEnable = 0x06
		cmdGetFeature  = 0x0F
		cmdSetFeature  = 0x1F
		cmdBlockErase  = 0xD8
		cmdProgramLoad = 0x02
		cmdProgramExec = 0x10
		cmdPageRead    = 0x13
		cmdReadCache   = 0x03
	)
	switch tx[0] {
	case cmdWriteEnable, cmdSetFeature:
	case cmdGetFeature:
		if rx != nil {
			rx[2] = 0
		}
	case cmdBlockErase:
		row := rowAddr(tx[1:4])
		block := row / nand.PagesPerBlock
		for p := block * nand.PagesPerBlock; p < (block+1)*nand.PagesPerBlock; p++ {
			b.erased[p] = true
			b.pages[p] = [nand.PageDataSize]byte{}
		}
	case cmdProgramLoad:
		b.pendingData = append([]byte(nil), tx[3:]...)
	case cmdProgramExec:
		row := rowAddr(tx[1:4])
		copy(b.pages[row][:], b.pendingData)
		b.erased[row] = false
	case cmdPageRead:
		b.readRow = rowAddr(tx[1:4])
	case cmdReadCache:
		if rx != nil {
			copy(rx[4:], b.pages[b.readRow][:])
		}
	}
	return nil
}

func rowAddr(p []byte) uint32 {
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bus := newMemBus()
	bs := nand.New(bus)
	return New(bs)
}

func TestLoadEmptyIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(); err != ErrCorrupt {
		t.Fatalf("Load of blank page = %v, want ErrCorrupt", err)
	}
}

func TestSetPrimaryRoundTrips(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	if err := s.SetPrimary(SlotA); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
	s.Reload()
	got, err := s.GetPrimary()
	if err != nil {
		t.Fatalf("GetPrimary: %v", err)
	}
	if got != SlotA {
		t.Fatalf("GetPrimary = %v, want A", got)
	}
}

func TestSetPrimaryRefusesFailedSlot(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	if err := s.SetOpState(SlotA, StateFailed); err != nil {
		t.Fatalf("SetOpState: %v", err)
	}
	if err := s.SetPrimary(SlotA); err != ErrFailedSlot {
		t.Fatalf("SetPrimary(Failed) = %v, want ErrFailedSlot", err)
	}
}

func TestOpStateTransitionTable(t *testing.T) {
	s := newTestStore(t)
	s.Load()

	if err := s.SetOpState(SlotA, StatePartial); err != nil {
		t.Fatalf("Unknown->Partial: %v", err)
	}
	if err := s.SetOpState(SlotA, StateFull); err != nil {
		t.Fatalf("Partial->Full: %v", err)
	}
	if err := s.SetOpState(SlotA, StatePartial); err != ErrInvalidTransition {
		t.Fatalf("Full->Partial = %v, want ErrInvalidTransition", err)
	}
	if err := s.SetOpState(SlotA, StateFailed); err != nil {
		t.Fatalf("Full->Failed: %v", err)
	}
	if err := s.SetOpState(SlotA, StateUnknown); err != ErrInvalidTransition {
		t.Fatalf("Failed->Unknown via SetOpState = %v, want ErrInvalidTransition", err)
	}
	if err := s.SetOpStateForOTA(SlotA, Version{1, 2, 3}); err != nil {
		t.Fatalf("SetOpStateForOTA: %v", err)
	}
	st, _ := s.GetOpState(SlotA)
	if st != StateUnknown {
		t.Fatalf("after SetOpStateForOTA state = %v, want Unknown", st)
	}
}

func TestGetSlotWithVersion(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	v := Version{4, 5, 6}
	if err := s.SetOpStateForOTA(SlotB, v); err != nil {
		t.Fatalf("SetOpStateForOTA: %v", err)
	}
	got, err := s.GetSlotWithVersion(v)
	if err != nil {
		t.Fatalf("GetSlotWithVersion: %v", err)
	}
	if got != SlotB {
		t.Fatalf("GetSlotWithVersion = %v, want B", got)
	}
}

func TestResetsSinceLPModeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	if err := s.SetResetsSinceLPMode(3); err != nil {
		t.Fatalf("SetResetsSinceLPMode: %v", err)
	}
	got, err := s.GetResetsSinceLPMode()
	if err != nil {
		t.Fatalf("GetResetsSinceLPMode: %v", err)
	}
	if got != 3 {
		t.Fatalf("GetResetsSinceLPMode = %d, want 3", got)
	}
}

func TestAdvanceMsgNumber(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	for i := uint64(1); i <= 3; i++ {
		got, err := s.AdvanceMsgNumber()
		if err != nil {
			t.Fatalf("AdvanceMsgNumber: %v", err)
		}
		if got != i {
			t.Fatalf("AdvanceMsgNumber = %d, want %d", got, i)
		}
	}
}

func TestFieldWritersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.Load()
	if err := s.SetAntenna(AntennaSecondary); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRedFlagThresholds(RedFlagThresholds{Low: 10, High: 90}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStrokeDetectionEnabled(true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetApWakeRateDays(7); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMfgComplete(true); err != nil {
		t.Fatal(err)
	}

	s.Reload()
	r, _ := s.Load()
	if r.Antenna != AntennaSecondary {
		t.Errorf("Antenna = %v", r.Antenna)
	}
	if r.RedFlagThresholds != (RedFlagThresholds{Low: 10, High: 90}) {
		t.Errorf("RedFlagThresholds = %+v", r.RedFlagThresholds)
	}
	if !r.StrokeDetectionOn {
		t.Errorf("StrokeDetectionOn = false")
	}
	if r.ApWakeRateDays != 7 {
		t.Errorf("ApWakeRateDays = %d", r.ApWakeRateDays)
	}
	if !r.MfgComplete {
		t.Errorf("MfgComplete = false")
	}
}

func TestFormatBootstrapsBlankDevice(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(); err != ErrCorrupt {
		t.Fatalf("Load of blank page = %v, want ErrCorrupt", err)
	}
	if err := s.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	r, err := s.Load()
	if err != nil {
		t.Fatalf("Load after Format: %v", err)
	}
	if r != (Registry{}) {
		t.Fatalf("Load after Format = %+v, want zero value", r)
	}
}

func TestMutateBootstrapsBlankDeviceImplicitly(t *testing.T) {
	s := newTestStore(t)
	// No explicit Format call: a mutator reaching a virgin registry must
	// seed one itself rather than returning ErrCorrupt forever.
	if err := s.SetPrimary(SlotA); err != nil {
		t.Fatalf("SetPrimary on blank device: %v", err)
	}
	s.Reload()
	got, err := s.GetPrimary()
	if err != nil {
		t.Fatalf("GetPrimary: %v", err)
	}
	if got != SlotA {
		t.Fatalf("GetPrimary = %v, want A", got)
	}
}
