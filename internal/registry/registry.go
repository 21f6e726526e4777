// Package registry implements the on-NAND image registry (§3, §4.2, C2): a
// single structured page describing slots A and B, which one is primary,
// per-slot operational state, and the persisted counters and configuration
// fields the rest of the firmware reads and writes. There is exactly one
// process-wide cached copy; every mutation is serialized through this
// package and coalesced into a single page rewrite.
package registry

import (
	"encoding/binary"
	"errors"
	"math"

	"openenterprise/pumpguard/internal/crc16"
	"openenterprise/pumpguard/internal/nand"
)

// Slot identifies one of the two firmware slots, or the absence of one.
type Slot uint8

const (
	SlotUnknown Slot = iota
	SlotA
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return "unknown"
	}
}

// Other returns the slot that is not s; SlotUnknown maps to SlotUnknown.
func (s Slot) Other() Slot {
	switch s {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	default:
		return SlotUnknown
	}
}

// OpState is a slot's operational confidence level (§3).
type OpState uint8

const (
	StateUnknown OpState = iota
	StatePartial
	StateFull
	StateFailed
)

func (s OpState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePartial:
		return "partial"
	case StateFull:
		return "full"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// AntennaChoice selects which antenna path is in use.
type AntennaChoice uint8

const (
	AntennaPrimary AntennaChoice = iota
	AntennaSecondary
)

// Version is the (major, minor, build) firmware triple stored per slot.
type Version struct {
	Major, Minor, Build uint32
}

// GpsFix is an optional cached fix; Valid reports whether one has been
// recorded.
type GpsFix struct {
	Valid     bool
	Latitude  float64
	Longitude float64
}

// GpsConfig holds the persisted GPS behavior configuration.
type GpsConfig struct {
	MaxRetries    uint8
	FixTimeoutSec uint16
}

// SlotInfo is the per-slot record: version triple and operational state.
type SlotInfo struct {
	Version Version
	OpState OpState
}

// RedFlagThresholds is the (low, high) pair used by the pump-health
// algorithms (out of scope here; the registry only persists the values).
type RedFlagThresholds struct {
	Low, High uint16
}

// Registry is the full persisted record (§3 "Image registry").
type Registry struct {
	Primary Slot
	Loaded  Slot

	SlotA SlotInfo
	SlotB SlotInfo

	MfgComplete bool

	Antenna           AntennaChoice
	GpsFix            GpsFix
	GpsRetries        uint8
	GpsSent           bool
	ResetCounter      uint16
	LastResetTs       uint32
	MsgNumber         uint64
	ApWakeRateDays    uint16
	StrokeDetectionOn bool
	GpsCfg            GpsConfig
	RedFlagThresholds RedFlagThresholds
	ResetsSinceLPMode uint8
	SecondsToWaitMfg  uint32
	AntRssiPrimary    uint8
	AntRssiSecondary  uint8
	LastAntennaSwitch uint32
}

var (
	// ErrCorrupt is returned by Load when the stored CRC does not match.
	ErrCorrupt = errors.New("registry: corrupt (crc mismatch)")
	// ErrFailedSlot is returned by SetPrimary when asked to make a Failed slot primary.
	ErrFailedSlot = errors.New("registry: cannot set a Failed slot primary")
	// ErrInvalidSlot is returned by operations given SlotUnknown where a concrete slot is required.
	ErrInvalidSlot = errors.New("registry: invalid slot")
)

// registryRowAddr is the NAND row address of the single registry page.
// Placed in the region documented in §6 as "separate region for the
// registry and persisted configuration pages", immediately past Slot B's
// SM record.
const registryRowAddr = 0x400000 / nand.PageDataSize

// Store is the single process-wide registry cache, backed by a NAND
// BlockStore. All reads after the first Load are served from the cache;
// all writes go through Store so callers never race each other.
type Store struct {
	nand   *nand.BlockStore
	loaded bool
	cache  Registry
}

// New returns a registry Store over the given NAND block store. Call Load
// before using any accessor.
func New(bs *nand.BlockStore) *Store {
	return &Store{nand: bs}
}

// Load reads and verifies the registry page, populating the process-wide
// cache. Subsequent calls are no-ops that return the cached copy unless
// forced with Reload.
func (s *Store) Load() (Registry, error) {
	if s.loaded {
		return s.cache, nil
	}
	return s.Reload()
}

// Reload forces a re-read from NAND, discarding the cache.
func (s *Store) Reload() (Registry, error) {
	buf, err := s.readRawPage()
	if err != nil {
		return Registry{}, err
	}
	storedCRC := crc16.Uint16BE(buf[0:2])
	body := buf[2 : 2+encodedLen]
	if crc16.Checksum(body) != storedCRC {
		return Registry{}, ErrCorrupt
	}
	reg := decode(body)
	s.cache = reg
	s.loaded = true
	return reg, nil
}

func (s *Store) readRawPage() ([]byte, error) {
	buf := make([]byte, nand.PageDataSize)
	if err := s.nand.ReadPage(registryRowAddr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// isBlankPage reports whether buf is either all-zero or all-0xFF, the two
// patterns a NAND page reads back as before a registry has ever been
// programmed to it (a freshly erased device, or one never written since
// manufacture).
func isBlankPage(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	first := buf[0]
	if first != 0x00 && first != 0xFF {
		return false
	}
	for _, b := range buf[1:] {
		if b != first {
			return false
		}
	}
	return true
}

// Format seeds a zero-value Registry and programs it as the first valid
// registry page, for the first-boot/manufacturing path where no registry
// has ever been written. It overwrites whatever is currently on the
// registry page, blank or not, so callers must only reach for it once
// Load/Reload has confirmed there is nothing worth preserving.
func (s *Store) Format() error {
	return s.writePage(Registry{})
}

// ensureLoaded is Load, except that on a blank (never-programmed) page it
// seeds a zero Registry into the cache instead of propagating ErrCorrupt.
// mutate, and any mutator that needs to inspect the current registry
// before deciding how to change it, call this rather than Load so a virgin
// device bootstraps on its first write instead of bricking on every one.
// Load and Reload themselves keep reporting ErrCorrupt for a blank page: a
// bare read has no mutation to apply and must not silently invent state.
func (s *Store) ensureLoaded() (Registry, error) {
	if s.loaded {
		return s.cache, nil
	}
	reg, err := s.Reload()
	if err == nil {
		return reg, nil
	}
	if err != ErrCorrupt {
		return Registry{}, err
	}
	buf, rerr := s.readRawPage()
	if rerr != nil {
		return Registry{}, rerr
	}
	if !isBlankPage(buf) {
		return Registry{}, err
	}
	s.cache = Registry{}
	s.loaded = true
	return s.cache, nil
}

// mutate applies fn to a copy of the cached registry, persists the result,
// and on success updates the cache. This is the single choke point every
// writer in this package funnels through, so each logical mutation costs
// exactly one page rewrite (erase the registry block, re-encode, program).
func (s *Store) mutate(fn func(*Registry)) error {
	cur, err := s.ensureLoaded()
	if err != nil {
		return err
	}
	next := cur
	fn(&next)
	return s.writePage(next)
}

// writePage encodes reg, erases the registry block and programs the fresh
// page, updating the cache only once the program succeeds.
func (s *Store) writePage(reg Registry) error {
	body := encode(reg)
	page := make([]byte, 0, nand.PageDataSize)
	crc := crc16.Checksum(body)
	page = crc16.PutUint16BE(page, crc)
	page = append(page, body...)
	if len(page) < nand.PageDataSize {
		page = append(page, make([]byte, nand.PageDataSize-len(page))...)
	}

	block := uint32(registryRowAddr / nand.PagesPerBlock)
	if err := s.nand.Erase(block); err != nil {
		return err
	}
	if err := s.nand.ProgramPage(registryRowAddr, page); err != nil {
		return err
	}
	s.cache = reg
	s.loaded = true
	return nil
}

// GetPrimary returns the current primary slot.
func (s *Store) GetPrimary() (Slot, error) {
	r, err := s.Load()
	if err != nil {
		return SlotUnknown, err
	}
	return r.Primary, nil
}

// SetPrimary marks slot as primary. It refuses to promote a Failed slot.
func (s *Store) SetPrimary(slot Slot) error {
	r, err := s.ensureLoaded()
	if err != nil {
		return err
	}
	if r.infoFor(slot).OpState == StateFailed {
		return ErrFailedSlot
	}
	return s.mutate(func(reg *Registry) {
		reg.Primary = slot
	})
}

// GetOpState returns the operational state of slot.
func (s *Store) GetOpState(slot Slot) (OpState, error) {
	r, err := s.Load()
	if err != nil {
		return StateUnknown, err
	}
	return r.infoFor(slot).OpState, nil
}

// transition table for §4.2: Unknown -> Partial -> Full, any -> Failed,
// Failed -> Unknown only via an explicit OTA rewrite (SetOpStateForOTA).
// Same-state writes are idempotent.
func validTransition(from, to OpState) bool {
	if from == to {
		return true
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StateUnknown:
		return to == StatePartial
	case StatePartial:
		return to == StateFull
	default:
		return false
	}
}

// ErrInvalidTransition is returned by SetOpState for a disallowed state change.
var ErrInvalidTransition = errors.New("registry: invalid op_state transition")

// SetOpState transitions slot's operational state, enforcing the table in
// §4.2. Failed -> Unknown is rejected here; use SetOpStateForOTA for that
// path, which is the only legitimate way to clear a Failed state.
func (s *Store) SetOpState(slot Slot, to OpState) error {
	if slot == SlotUnknown {
		return ErrInvalidSlot
	}
	r, err := s.ensureLoaded()
	if err != nil {
		return err
	}
	from := r.infoFor(slot).OpState
	if from == StateFailed && to == StateUnknown {
		return ErrInvalidTransition
	}
	if !validTransition(from, to) {
		return ErrInvalidTransition
	}
	return s.mutate(func(reg *Registry) {
		reg.setInfoFor(slot, func(si *SlotInfo) { si.OpState = to })
	})
}

// SetOpStateForOTA sets slot's state to Unknown and records a new version
// triple, the one path by which a Failed slot is returned to service
// (§4.2: "Failed -> Unknown only via explicit OTA write of new bytes").
func (s *Store) SetOpStateForOTA(slot Slot, v Version) error {
	if slot == SlotUnknown {
		return ErrInvalidSlot
	}
	if _, err := s.ensureLoaded(); err != nil {
		return err
	}
	return s.mutate(func(reg *Registry) {
		reg.setInfoFor(slot, func(si *SlotInfo) {
			si.OpState = StateUnknown
			si.Version = v
		})
	})
}

// GetSlotWithVersion returns the slot whose recorded version equals v, used
// by the running AP to identify which slot it booted from.
func (s *Store) GetSlotWithVersion(v Version) (Slot, error) {
	r, err := s.Load()
	if err != nil {
		return SlotUnknown, err
	}
	if r.SlotA.Version == v {
		return SlotA, nil
	}
	if r.SlotB.Version == v {
		return SlotB, nil
	}
	return SlotUnknown, nil
}

// IncrUnexpectedReset increments the reset counter and records the reset
// timestamp (C8, §4.8 "unexpected_reset_count").
func (s *Store) IncrUnexpectedReset(ts uint32) error {
	return s.mutate(func(reg *Registry) {
		reg.ResetCounter++
		reg.LastResetTs = ts
	})
}

// GetResetsSinceLPMode returns the current circuit-breaker counter (§4.8).
func (s *Store) GetResetsSinceLPMode() (uint8, error) {
	r, err := s.Load()
	if err != nil {
		return 0, err
	}
	return r.ResetsSinceLPMode, nil
}

// SetResetsSinceLPMode overwrites the counter, used both to increment it at
// boot and to zero it on entering standby (P6).
func (s *Store) SetResetsSinceLPMode(v uint8) error {
	return s.mutate(func(reg *Registry) {
		reg.ResetsSinceLPMode = v
	})
}

// MsgNumber returns the current outbound message sequence number.
func (s *Store) MsgNumber() (uint64, error) {
	r, err := s.Load()
	if err != nil {
		return 0, err
	}
	return r.MsgNumber, nil
}

// AdvanceMsgNumber increments and persists the message sequence number,
// returning the new value.
func (s *Store) AdvanceMsgNumber() (uint64, error) {
	var next uint64
	err := s.mutate(func(reg *Registry) {
		reg.MsgNumber++
		next = reg.MsgNumber
	})
	return next, err
}

// SetAntenna persists the active antenna choice.
func (s *Store) SetAntenna(a AntennaChoice) error {
	return s.mutate(func(reg *Registry) { reg.Antenna = a })
}

// SetGpsConfig persists the GPS behavior configuration.
func (s *Store) SetGpsConfig(cfg GpsConfig) error {
	return s.mutate(func(reg *Registry) { reg.GpsCfg = cfg })
}

// SetMfgComplete persists the manufacturing-complete flag.
func (s *Store) SetMfgComplete(v bool) error {
	return s.mutate(func(reg *Registry) { reg.MfgComplete = v })
}

// SetApWakeRateDays persists the AP's transmission-rate configuration.
func (s *Store) SetApWakeRateDays(days uint16) error {
	return s.mutate(func(reg *Registry) { reg.ApWakeRateDays = days })
}

// SetStrokeDetectionEnabled persists the stroke-detection toggle.
func (s *Store) SetStrokeDetectionEnabled(on bool) error {
	return s.mutate(func(reg *Registry) { reg.StrokeDetectionOn = on })
}

// SetRedFlagThresholds persists the (low, high) red-flag threshold pair.
func (s *Store) SetRedFlagThresholds(t RedFlagThresholds) error {
	return s.mutate(func(reg *Registry) { reg.RedFlagThresholds = t })
}

// SetLoaded records which slot the currently executing image was booted
// from: the running code must call this before any non-trivial state
// change if it disagrees with the cached value.
func (s *Store) SetLoaded(slot Slot) error {
	return s.mutate(func(reg *Registry) { reg.Loaded = slot })
}

func (r *Registry) infoFor(slot Slot) SlotInfo {
	if slot == SlotA {
		return r.SlotA
	}
	return r.SlotB
}

func (r *Registry) setInfoFor(slot Slot, fn func(*SlotInfo)) {
	if slot == SlotA {
		fn(&r.SlotA)
	} else {
		fn(&r.SlotB)
	}
}

// encodedLen is the number of body bytes encode/decode produce, fixed size
// so the registry always occupies exactly one page regardless of field
// values.
const encodedLen = 96

// slotInfoLen is 4+4+4 bytes for the version triple plus one trailing byte
// for OpState.
const slotInfoLen = 13

func encode(r Registry) []byte {
	buf := make([]byte, encodedLen)
	buf[0] = byte(r.Primary)
	buf[1] = byte(r.Loaded)
	putSlotInfo(buf[2:2+slotInfoLen], r.SlotA)
	putSlotInfo(buf[15:15+slotInfoLen], r.SlotB)
	putBool(buf, 28, r.MfgComplete)
	buf[29] = byte(r.Antenna)
	putBool(buf, 30, r.GpsFix.Valid)
	binary.BigEndian.PutUint64(buf[31:39], math.Float64bits(r.GpsFix.Latitude))
	binary.BigEndian.PutUint64(buf[39:47], math.Float64bits(r.GpsFix.Longitude))
	buf[47] = r.GpsRetries
	putBool(buf, 48, r.GpsSent)
	binary.BigEndian.PutUint16(buf[49:51], r.ResetCounter)
	binary.BigEndian.PutUint32(buf[51:55], r.LastResetTs)
	binary.BigEndian.PutUint64(buf[55:63], r.MsgNumber)
	binary.BigEndian.PutUint16(buf[63:65], r.ApWakeRateDays)
	putBool(buf, 65, r.StrokeDetectionOn)
	buf[66] = r.GpsCfg.MaxRetries
	binary.BigEndian.PutUint16(buf[67:69], r.GpsCfg.FixTimeoutSec)
	binary.BigEndian.PutUint16(buf[69:71], r.RedFlagThresholds.Low)
	binary.BigEndian.PutUint16(buf[71:73], r.RedFlagThresholds.High)
	buf[73] = r.ResetsSinceLPMode
	binary.BigEndian.PutUint32(buf[74:78], r.SecondsToWaitMfg)
	buf[78] = r.AntRssiPrimary
	buf[79] = r.AntRssiSecondary
	binary.BigEndian.PutUint32(buf[80:84], r.LastAntennaSwitch)
	return buf
}

func decode(buf []byte) Registry {
	var r Registry
	r.Primary = Slot(buf[0])
	r.Loaded = Slot(buf[1])
	r.SlotA = getSlotInfo(buf[2 : 2+slotInfoLen])
	r.SlotB = getSlotInfo(buf[15 : 15+slotInfoLen])
	r.MfgComplete = getBool(buf, 28)
	r.Antenna = AntennaChoice(buf[29])
	r.GpsFix.Valid = getBool(buf, 30)
	r.GpsFix.Latitude = math.Float64frombits(binary.BigEndian.Uint64(buf[31:39]))
	r.GpsFix.Longitude = math.Float64frombits(binary.BigEndian.Uint64(buf[39:47]))
	r.GpsRetries = buf[47]
	r.GpsSent = getBool(buf, 48)
	r.ResetCounter = binary.BigEndian.Uint16(buf[49:51])
	r.LastResetTs = binary.BigEndian.Uint32(buf[51:55])
	r.MsgNumber = binary.BigEndian.Uint64(buf[55:63])
	r.ApWakeRateDays = binary.BigEndian.Uint16(buf[63:65])
	r.StrokeDetectionOn = getBool(buf, 65)
	r.GpsCfg.MaxRetries = buf[66]
	r.GpsCfg.FixTimeoutSec = binary.BigEndian.Uint16(buf[67:69])
	r.RedFlagThresholds.Low = binary.BigEndian.Uint16(buf[69:71])
	r.RedFlagThresholds.High = binary.BigEndian.Uint16(buf[71:73])
	r.ResetsSinceLPMode = buf[73]
	r.SecondsToWaitMfg = binary.BigEndian.Uint32(buf[74:78])
	r.AntRssiPrimary = buf[78]
	r.AntRssiSecondary = buf[79]
	r.LastAntennaSwitch = binary.BigEndian.Uint32(buf[80:84])
	return r
}

func putSlotInfo(buf []byte, si SlotInfo) {
	binary.BigEndian.PutUint32(buf[0:4], si.Version.Major)
	binary.BigEndian.PutUint32(buf[4:8], si.Version.Minor)
	binary.BigEndian.PutUint32(buf[8:12], si.Version.Build)
	buf[12] = byte(si.OpState)
}

func getSlotInfo(buf []byte) SlotInfo {
	var si SlotInfo
	si.Version.Major = binary.BigEndian.Uint32(buf[0:4])
	si.Version.Minor = binary.BigEndian.Uint32(buf[4:8])
	si.Version.Build = binary.BigEndian.Uint32(buf[8:12])
	si.OpState = OpState(buf[12])
	return si
}

func putBool(buf []byte, i int, v bool) {
	if v {
		buf[i] = 1
	} else {
		buf[i] = 0
	}
}

func getBool(buf []byte, i int) bool {
	return buf[i] != 0
}
