package ota

import (
	"bytes"
	"testing"

	"openenterprise/pumpguard/internal/crc16"
	"openenterprise/pumpguard/internal/nand"
	"openenterprise/pumpguard/internal/registry"
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

func newTestRegistry(t *testing.T, loaded registry.Slot) *registry.Store {
	t.Helper()
	s := registry.New(nand.New(newMemBus()))
	if err := s.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	s.Load()
	s.SetLoaded(loaded)
	if err := s.SetPrimary(loaded); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
	return s
}

// buildRecord assembles one OTA record: type(1) + length(4 BE) + body,
// where body begins with its 2-byte CRC-16 and, for AP, carries the fw
// triple at body[fwTripleOffset:fwTripleOffset+fwTripleLen] (body[12:24]),
// matching stepFirstPacket's own offsets. The AP body's 22-byte metadata
// region runs body[2:24]; the triple occupies only its last 12 bytes
// (meta[10:22]), leaving body[2:12] as unused filler, same as the real
// wire format.
func buildRecord(t RecordType, payload []byte, fw registry.Version) []byte {
	body := make([]byte, 0, len(payload)+24)
	body = append(body, 0, 0) // crc placeholder
	if t == RecordAP {
		meta := make([]byte, 22)
		putU32(meta[10:14], fw.Major)
		putU32(meta[14:18], fw.Minor)
		putU32(meta[18:22], fw.Build)
		body = append(body, meta...)
	}
	body = append(body, payload...)
	crc := crc16.Checksum(body[2:])
	body[0] = byte(crc >> 8)
	body[1] = byte(crc)

	rec := make([]byte, 0, headerLen+len(body))
	rec = append(rec, byte(t))
	rec = append(rec, beBytes(uint32(len(body)))...)
	rec = append(rec, body...)
	return rec
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func beBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func fullBody(apPayload, smPayload []byte, fw registry.Version) []byte {
	ap := buildRecord(RecordAP, apPayload, fw)
	sm := buildRecord(RecordSSM, smPayload, registry.Version{})
	return append(ap, sm...)
}

func TestOtaHappyPathSingleWrite(t *testing.T) {
	reg := newTestRegistry(t, registry.SlotA)
	bs := nand.New(newMemBus())

	apPayload := bytes.Repeat([]byte{0xAB}, 100)
	smPayload := bytes.Repeat([]byte{0xCD}, 50)
	fw := registry.Version{Major: 1, Minor: 2, Build: 3}
	body := fullBody(apPayload, smPayload, fw)

	p := New(bs, reg, registry.SlotA)
	if err := p.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !p.Done() {
		t.Fatal("pipeline did not finish")
	}

	r, _ := reg.Load()
	if r.Primary != registry.SlotB {
		t.Fatalf("Primary = %v, want B", r.Primary)
	}
	if r.SlotB.OpState != registry.StateUnknown {
		t.Fatalf("SlotB.OpState = %v, want Unknown", r.SlotB.OpState)
	}
	if r.SlotB.Version != fw {
		t.Fatalf("SlotB.Version = %+v, want %+v", r.SlotB.Version, fw)
	}

	img, err := ReadSMImage(bs, registry.SlotB)
	if err != nil {
		t.Fatalf("ReadSMImage: %v", err)
	}
	if !bytes.Equal(img[:len(smPayload)], smPayload) {
		t.Fatalf("ReadSMImage = %x, want %x", img[:len(smPayload)], smPayload)
	}
}

func TestOtaByteAtATimeMatchesSingleWrite(t *testing.T) {
	apPayload := bytes.Repeat([]byte{0x11}, 4200) // spans several pages
	smPayload := bytes.Repeat([]byte{0x22}, 3000)
	fw := registry.Version{Major: 9, Minor: 9, Build: 9}
	body := fullBody(apPayload, smPayload, fw)

	busA := newMemBus()
	regA := newTestRegistry(t, registry.SlotA)
	pA := New(nand.New(busA), regA, registry.SlotA)
	if err := pA.Write(body); err != nil {
		t.Fatalf("single write: %v", err)
	}

	busB := newMemBus()
	regB := newTestRegistry(t, registry.SlotA)
	pB := New(nand.New(busB), regB, registry.SlotA)
	for i := 0; i < len(body); i++ {
		if err := pB.Write(body[i : i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}

	if busA.pages != busB.pages {
		t.Fatal("byte-at-a-time landed different NAND bytes than a single write (P3 violated)")
	}
}

func TestOtaCrcMismatchInvalidatesAlternate(t *testing.T) {
	reg := newTestRegistry(t, registry.SlotA)
	bs := nand.New(newMemBus())

	body := fullBody(bytes.Repeat([]byte{0xAB}, 100), bytes.Repeat([]byte{0xCD}, 50), registry.Version{Major: 1})
	// Corrupt a payload byte after CRC was computed over the original.
	body[len(body)-1] ^= 0xFF

	p := New(bs, reg, registry.SlotA)
	err := p.Write(body)
	if err != ErrCrcMismatch {
		t.Fatalf("Write with corrupted SM payload = %v, want ErrCrcMismatch", err)
	}
	r, _ := reg.Load()
	if r.Primary != registry.SlotA {
		t.Fatalf("Primary changed to %v after CRC failure, want unchanged A", r.Primary)
	}
}

func TestOtaFirstRecordMustBeAP(t *testing.T) {
	reg := newTestRegistry(t, registry.SlotA)
	bs := nand.New(newMemBus())

	bad := buildRecord(RecordSSM, []byte("x"), registry.Version{})
	p := New(bs, reg, registry.SlotA)
	if err := p.Write(bad); err != ErrFirstPacketNotAP {
		t.Fatalf("Write(non-AP first) = %v, want ErrFirstPacketNotAP", err)
	}
}

func TestOtaSsmHeaderSplitAcrossPackets(t *testing.T) {
	reg := newTestRegistry(t, registry.SlotA)
	bs := nand.New(newMemBus())

	apPayload := bytes.Repeat([]byte{0xAB}, 40)
	smPayload := bytes.Repeat([]byte{0xCD}, 40)
	fw := registry.Version{Major: 2}
	body := fullBody(apPayload, smPayload, fw)

	apRecLen := headerLen + 2 + 22 + len(apPayload)
	// Split so the SM record's 5-byte header lands 4 bytes in one packet,
	// 1 byte in the next (§4.5 WaitingOnSsmHeader).
	split := apRecLen + 4
	p := New(bs, reg, registry.SlotA)
	if err := p.Write(body[:split]); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	if err := p.Write(body[split:]); err != nil {
		t.Fatalf("second packet: %v", err)
	}
	if !p.Done() {
		t.Fatal("pipeline did not finish after split SM header")
	}
}
