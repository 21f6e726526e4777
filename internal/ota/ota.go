// Package ota implements the OTA download pipeline (§4.5, C5): a streaming
// parser over an arbitrarily-chunked byte stream (mirroring TCP segment
// boundaries, §9 "chain-of-buffers") that writes a two-record AP+SM
// package into the alternate NAND slot and CRC-verifies both images once
// landed.
package ota

import (
	"errors"

	"openenterprise/pumpguard/internal/crc16"
	"openenterprise/pumpguard/internal/nand"
	"openenterprise/pumpguard/internal/registry"
)

// RecordType tags an OTA record (§3 "OTA record").
type RecordType uint8

const (
	RecordAP  RecordType = 0x01
	RecordSSM RecordType = 0x02
)

// Errors (§7 "OTA").
var (
	ErrFirstPacketNotAP = errors.New("ota: first record is not AP")
	ErrAPRecordTooLong  = errors.New("ota: AP record exceeds the manufacturing length cap")
	ErrSSMRecordTooLong = errors.New("ota: SM record exceeds the manufacturing length cap")
	ErrCrcMismatch      = errors.New("ota: crc mismatch")
	ErrWrongRecordType  = errors.New("ota: unexpected record type")
)

// Manufacturing length caps (§6 "Package is validated by... length <=").
const (
	MaxAPRecordLen  = 0x1DC130
	MaxSSMRecordLen = 0xFF80
)

const (
	headerLen      = 5 // type(1) + length(4 BE)
	fwTripleOffset = 12
	fwTripleLen    = 12
	flushWindow    = 40 * nand.PageDataSize
)

type phase uint8

const (
	phaseFirstPacket phase = iota
	phaseDownloadingAP
	phaseWaitingSsmHeader
	phaseDownloadingSsm
	phaseDone
	phaseFailed
)

// apRowForSlot and smRowForSlot compute the NAND page-row base address for
// a slot's AP/SM regions from the byte layout in §6.
func apRowForSlot(slot registry.Slot) uint32 {
	if slot == registry.SlotA {
		return 0x000000 / nand.PageDataSize
	}
	return 0x200000 / nand.PageDataSize
}

func smRowForSlot(slot registry.Slot) uint32 {
	if slot == registry.SlotA {
		return 0x100000 / nand.PageDataSize
	}
	return 0x300000 / nand.PageDataSize
}

// Pipeline drives one OTA session into the slot other than the registry's
// currently-loaded slot. It is owned by a single task: Write must be
// called with successive chunks of the HTTP body in order, and it is the
// only goroutine touching NAND through this Pipeline (§4.5 "Concurrency").
type Pipeline struct {
	nand *nand.BlockStore
	reg  *registry.Store

	altSlot registry.Slot
	apRow   uint32
	smRow   uint32

	phase phase
	pre   []byte // accumulator used only in FirstPacket/WaitingSsmHeader

	apTotalLen uint32
	apConsumed uint32
	apCRCWant  uint16
	apFw       registry.Version

	smTotalLen uint32
	smConsumed uint32
	smCRCWant  uint16
	smCrcBuf   []byte

	buf       []byte
	cursorRow uint32
}

// New starts a Pipeline targeting the slot other than loaded.
func New(bs *nand.BlockStore, reg *registry.Store, loaded registry.Slot) *Pipeline {
	alt := loaded.Other()
	if alt == registry.SlotUnknown {
		alt = registry.SlotB
		if loaded == registry.SlotB {
			alt = registry.SlotA
		}
	}
	return &Pipeline{
		nand:    bs,
		reg:     reg,
		altSlot: alt,
		apRow:   apRowForSlot(alt),
		smRow:   smRowForSlot(alt),
		phase:   phaseFirstPacket,
	}
}

// Done reports whether the pipeline has finished (successfully or not).
func (p *Pipeline) Done() bool {
	return p.phase == phaseDone || p.phase == phaseFailed
}

// Write feeds the next chunk of the HTTP body into the pipeline. It may be
// called with any chunking of the underlying byte stream, including
// one-byte-at-a-time, and must produce the same sequence of NAND writes
// regardless of how the caller chose to split it (P3).
func (p *Pipeline) Write(chunk []byte) error {
	for len(chunk) > 0 && !p.Done() {
		var n int
		var err error
		switch p.phase {
		case phaseFirstPacket:
			n, err = p.stepFirstPacket(chunk)
		case phaseDownloadingAP:
			n, err = p.stepDownloadingAP(chunk)
		case phaseWaitingSsmHeader:
			n, err = p.stepWaitingSsmHeader(chunk)
		case phaseDownloadingSsm:
			n, err = p.stepDownloadingSsm(chunk)
		}
		if err != nil {
			p.phase = phaseFailed
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}

func (p *Pipeline) stepFirstPacket(chunk []byte) (int, error) {
	need := headerLen + fwTripleOffset + fwTripleLen
	take := need - len(p.pre)
	if take > len(chunk) {
		take = len(chunk)
	}
	p.pre = append(p.pre, chunk[:take]...)
	if RecordType(p.pre[0]) != RecordAP {
		return take, ErrFirstPacketNotAP
	}
	if len(p.pre) < need {
		return take, nil
	}

	length := beUint32(p.pre[1:5])
	if length > MaxAPRecordLen {
		return take, ErrAPRecordTooLong
	}
	p.apTotalLen = length
	p.apCRCWant = crc16.Uint16BE(p.pre[5:7])
	triple := p.pre[headerLen+fwTripleOffset : headerLen+fwTripleOffset+fwTripleLen]
	p.apFw = registry.Version{
		Major: beUint32(triple[0:4]),
		Minor: beUint32(triple[4:8]),
		Build: beUint32(triple[8:12]),
	}

	body := p.pre[headerLen:]
	p.pre = nil
	p.cursorRow = p.apRow
	p.phase = phaseDownloadingAP
	if err := p.appendAP(body); err != nil {
		return take, err
	}
	return take, nil
}

// appendAP feeds body bytes into the AP record, splitting at the AP/SM
// boundary if body runs past the end of the AP record. Note this always
// transitions to the SM phase once the AP record's length is reached,
// even when the boundary lands exactly at the end of body with nothing
// left over: otherwise a caller whose chunking happens to end precisely
// on the AP/SM boundary would leave the pipeline stuck in the AP phase.
func (p *Pipeline) appendAP(body []byte) error {
	remaining := p.apTotalLen - p.apConsumed
	apPart := body
	var rest []byte
	if uint32(len(body)) > remaining {
		apPart = body[:remaining]
		rest = body[remaining:]
	}

	p.buf = append(p.buf, apPart...)
	p.apConsumed += uint32(len(apPart))
	p.maybeFlush(false)

	if p.apConsumed == p.apTotalLen {
		if err := p.finishAP(); err != nil {
			return err
		}
		return p.beginSsm(rest)
	}
	return nil
}

func (p *Pipeline) finishAP() error {
	p.maybeFlush(true)
	p.cursorRow = p.smRow
	return nil
}

func (p *Pipeline) beginSsm(rest []byte) error {
	p.phase = phaseWaitingSsmHeader
	p.pre = nil
	return p.feedSsmHeader(rest)
}

func (p *Pipeline) stepDownloadingAP(chunk []byte) (int, error) {
	if err := p.appendAP(chunk); err != nil {
		return len(chunk), err
	}
	return len(chunk), nil
}

func (p *Pipeline) feedSsmHeader(chunk []byte) error {
	need := headerLen - len(p.pre)
	take := chunk
	if len(take) > need {
		take = take[:need]
	}
	p.pre = append(p.pre, take...)
	if len(p.pre) < headerLen {
		return nil
	}
	if RecordType(p.pre[0]) != RecordSSM {
		return ErrWrongRecordType
	}
	length := beUint32(p.pre[1:5])
	if length > MaxSSMRecordLen {
		return ErrSSMRecordTooLong
	}
	p.smTotalLen = length
	p.pre = nil
	p.phase = phaseDownloadingSsm

	rest := chunk[len(take):]
	if len(rest) > 0 {
		return p.appendSsm(rest)
	}
	return nil
}

func (p *Pipeline) stepWaitingSsmHeader(chunk []byte) (int, error) {
	consumed := len(chunk)
	err := p.feedSsmHeader(chunk)
	return consumed, err
}

func (p *Pipeline) stepDownloadingSsm(chunk []byte) (int, error) {
	remaining := p.smTotalLen - p.smConsumed
	take := chunk
	if uint32(len(take)) > remaining {
		take = take[:remaining]
	}
	if err := p.appendSsm(take); err != nil {
		return len(take), err
	}
	return len(take), nil
}

func (p *Pipeline) appendSsm(body []byte) error {
	if len(body) == 0 && p.smConsumed == 0 && p.smTotalLen == 0 {
		return p.finishSsm()
	}

	// The SM record's leading 2 CRC bytes are peeked into smCrcBuf for
	// smCRCWant, but land on NAND like every other body byte (symmetric
	// with the AP record, whose CRC is part of the body appendAP writes
	// unconditionally) so checkCRC's readback covers smTotalLen bytes with
	// the same 2-byte skip on both records.
	if len(p.smCrcBuf) < 2 {
		need := 2 - len(p.smCrcBuf)
		take := body
		if len(take) > need {
			take = take[:need]
		}
		p.smCrcBuf = append(p.smCrcBuf, take...)
		if len(p.smCrcBuf) == 2 {
			p.smCRCWant = crc16.Uint16BE(p.smCrcBuf)
		}
	}

	p.buf = append(p.buf, body...)
	p.smConsumed += uint32(len(body))
	p.maybeFlush(false)
	if p.smConsumed >= p.smTotalLen {
		return p.finishSsm()
	}
	return nil
}

func (p *Pipeline) finishSsm() error {
	p.maybeFlush(true)
	return p.verify()
}

// maybeFlush writes whole pages out of buf once it holds at least the
// 40-page window, or at the end of a record when final is true; then the
// remainder (zero-padded to a full page) is flushed too (§4.5 "flush to
// NAND" on reaching the 40-page window or the end of a record).
func (p *Pipeline) maybeFlush(final bool) {
	if !final && len(p.buf) < flushWindow {
		return
	}
	for len(p.buf) >= nand.PageDataSize {
		p.nand.ProgramPage(p.cursorRow, p.buf[:nand.PageDataSize])
		p.buf = p.buf[nand.PageDataSize:]
		p.cursorRow++
	}
	if final && len(p.buf) > 0 {
		page := make([]byte, nand.PageDataSize)
		copy(page, p.buf)
		p.nand.ProgramPage(p.cursorRow, page)
		p.cursorRow++
		p.buf = nil
	}
}

// verify streams both landed records back from NAND through a running
// CRC and, on success, promotes the alternate slot; on failure it
// invalidates the alternate slot's SM metadata page (§4.5 "Done").
func (p *Pipeline) verify() error {
	apOK, err := p.checkCRC(p.apRow, p.apTotalLen, p.apCRCWant)
	if err != nil {
		return err
	}
	smOK, err := p.checkCRC(p.smRow, p.smTotalLen, p.smCRCWant)
	if err != nil {
		return err
	}
	if !apOK || !smOK {
		p.invalidateAlternate()
		p.phase = phaseFailed
		return ErrCrcMismatch
	}

	if err := p.reg.SetOpStateForOTA(p.altSlot, p.apFw); err != nil {
		return err
	}
	if err := p.reg.SetPrimary(p.altSlot); err != nil {
		return err
	}
	p.phase = phaseDone
	return nil
}

// checkCRC reads back length bytes from rowAddr and compares the CRC-16
// over body[2:] against the 2-byte CRC stored at body[0:2].
func (p *Pipeline) checkCRC(rowAddr uint32, length uint32, want uint16) (bool, error) {
	running := crc16.NewRunning()
	pages := (length + nand.PageDataSize - 1) / nand.PageDataSize
	var gotFirst bool
	remaining := length
	for i := uint32(0); i < pages; i++ {
		buf := make([]byte, nand.PageDataSize)
		if err := p.nand.ReadPage(rowAddr+i, buf); err != nil {
			return false, err
		}
		n := uint32(nand.PageDataSize)
		if remaining < n {
			n = remaining
		}
		page := buf[:n]
		if !gotFirst {
			gotFirst = true
			page = page[2:]
		}
		running.Write(page)
		remaining -= n
	}
	return running.Sum16() == want, nil
}

func (p *Pipeline) invalidateAlternate() {
	block := p.smRow / nand.PagesPerBlock
	p.nand.Erase(block)
	ff := make([]byte, nand.PageDataSize)
	for i := range ff {
		ff[i] = 0xFF
	}
	p.nand.ProgramPage(p.smRow, ff)
}

// ReadSMImage reads the SM image bytes staged for slot back out of NAND,
// for handing to internal/smprog when re-flashing the SM MCU. The
// on-NAND record leads with its 2-byte CRC (checkCRC's verification
// target, not flashable image content), which this strips before
// returning. The pipeline itself does not persist the record's exact
// length once verification finishes, so this always reads the full
// reserved SM region (MaxSSMRecordLen, rounded up to a page); any bytes
// past the real image are the zero padding of its last page followed by
// whatever the later, unwritten pages of the region hold.
func ReadSMImage(bs *nand.BlockStore, slot registry.Slot) ([]byte, error) {
	row := smRowForSlot(slot)
	pages := (uint32(MaxSSMRecordLen) + nand.PageDataSize - 1) / nand.PageDataSize
	out := make([]byte, 0, pages*nand.PageDataSize)
	buf := make([]byte, nand.PageDataSize)
	for i := uint32(0); i < pages; i++ {
		if err := bs.ReadPage(row+i, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out[2:], nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
