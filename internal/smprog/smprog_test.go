package smprog

import (
	"errors"
	"testing"
	"time"

	"openenterprise/pumpguard/internal/crc16"
)

type fakeGPIO struct {
	rstHistory, testHistory []bool
}

func (g *fakeGPIO) SetRST(high bool)  { g.rstHistory = append(g.rstHistory, high) }
func (g *fakeGPIO) SetTEST(high bool) { g.testHistory = append(g.testHistory, high) }

type fakeMux struct {
	routedToSM bool
}

func (m *fakeMux) RouteToSM()    { m.routedToSM = true }
func (m *fakeMux) RouteToDebug() { m.routedToSM = false }

type fakeClock struct{ slept []time.Duration }

func (c *fakeClock) Sleep(d time.Duration) { c.slept = append(c.slept, d) }

// fakeSerial implements the bootloader wire protocol described in §4.4: it
// decodes each framed command and queues a matching framed response for
// the next Read, so Programmer's retry/verify logic can be exercised
// without real hardware.
type fakeSerial struct {
	pending        []byte
	passwordSends  int
	chunks         [][]byte
	failFirstChunk bool
	chunkFailures  int
}

func buildResponse(respCmd byte, data []byte) []byte {
	length := uint16(1 + 1 + len(data))
	out := []byte{0x00, frameStart, byte(length), byte(length >> 8), respCmd, 0x00}
	out = append(out, data...)
	crc := crc16.Checksum(append([]byte{respCmd, 0x00}, data...))
	out = crc16.PutUint16LE(out, crc)
	return out
}

func (s *fakeSerial) Write(p []byte) (int, error) {
	cmd := p[3]
	payload := p[4 : len(p)-2]

	switch cmd {
	case opRxPassword:
		s.passwordSends++
		s.pending = append(s.pending, buildResponse(respACK, nil)...)
	case opRxData:
		if s.failFirstChunk && s.chunkFailures == 0 {
			s.chunkFailures++
			// Wrong response_cmd triggers a retry per §4.4.
			s.pending = append(s.pending, buildResponse(respData, nil)...)
			return len(p), nil
		}
		s.chunks = append(s.chunks, append([]byte(nil), payload...))
		s.pending = append(s.pending, buildResponse(respACK, nil)...)
	}
	return len(p), nil
}

func (s *fakeSerial) Read(p []byte) (int, error) {
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	if n < len(p) {
		return n, errors.New("fakeSerial: short read")
	}
	return n, nil
}

type fakeVerifier struct{ fail bool }

func (v *fakeVerifier) GetStatus() error {
	if v.fail {
		return errors.New("status check failed")
	}
	return nil
}

func TestFlashHappyPath(t *testing.T) {
	serial := &fakeSerial{}
	gpio := &fakeGPIO{}
	mux := &fakeMux{}
	clk := &fakeClock{}
	p := NewWithClock(serial, gpio, mux, clk)

	rec := Record{
		Sections: [][]byte{[]byte("hello world")},
		FramAddr: []uint32{0x1000},
	}
	if err := p.Flash(rec, &fakeVerifier{}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if serial.passwordSends != 3 {
		t.Fatalf("passwordSends = %d, want 3 (two throwaway + one that must succeed)", serial.passwordSends)
	}
	if len(serial.chunks) != 1 || string(serial.chunks[0][4:]) != "hello world" {
		t.Fatalf("chunks = %+v", serial.chunks)
	}
	if mux.routedToSM {
		t.Fatal("mux should be routed back to debug after Flash returns")
	}
}

func TestFlashRetriesChunkOnBadResponse(t *testing.T) {
	serial := &fakeSerial{failFirstChunk: true}
	p := NewWithClock(serial, &fakeGPIO{}, &fakeMux{}, &fakeClock{})

	rec := Record{Sections: [][]byte{[]byte("x")}, FramAddr: []uint32{0}}
	if err := p.Flash(rec, &fakeVerifier{}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if len(serial.chunks) != 1 {
		t.Fatalf("expected the chunk to land after retry, got %d chunks", len(serial.chunks))
	}
}

func TestFlashVerifyFailure(t *testing.T) {
	serial := &fakeSerial{}
	p := NewWithClock(serial, &fakeGPIO{}, &fakeMux{}, &fakeClock{})

	rec := Record{Sections: [][]byte{[]byte("x")}, FramAddr: []uint32{0}}
	err := p.Flash(rec, &fakeVerifier{fail: true})
	if err != ErrVerifyFailed {
		t.Fatalf("Flash with failing verifier = %v, want ErrVerifyFailed", err)
	}
}

func TestFlashSplitsLargeSectionIntoChunks(t *testing.T) {
	serial := &fakeSerial{}
	p := NewWithClock(serial, &fakeGPIO{}, &fakeMux{}, &fakeClock{})

	data := make([]byte, maxChunk+10)
	rec := Record{Sections: [][]byte{data}, FramAddr: []uint32{0x2000}}
	if err := p.Flash(rec, nil); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if len(serial.chunks) != 2 {
		t.Fatalf("expected 2 chunks for a %d-byte section, got %d", len(data), len(serial.chunks))
	}
}
