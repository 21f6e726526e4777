// Package smprog drives the SM's factory serial bootloader to re-flash it
// from a record already staged on NAND (§4.4, C4): entry sequencing,
// password-triggered erase, chunked page writes, reset, and a final
// verification round trip over the AP<->SM SPI link.
package smprog

import (
	"errors"
	"time"

	"openenterprise/pumpguard/internal/crc16"
)

// Serial is the UART the SM's bootloader listens on once the mux is
// routed to it.
type Serial interface {
	Write(p []byte) (int, error)
	// Read blocks for up to the implementation's own timeout and returns
	// what it has; smprog supplies its own higher-level retry/timeout
	// policy on top.
	Read(p []byte) (int, error)
}

// GPIO drives the two lines that sequence the SM into its bootloader.
type GPIO interface {
	SetRST(high bool)
	SetTEST(high bool)
}

// UartMux routes the shared UART between the AP debug console and the SM
// bootloader line (§5 "UART mux").
type UartMux interface {
	RouteToSM()
	RouteToDebug()
}

// Clock abstracts sleeps so tests don't pay the real entry-sequence and
// boot-settle delays.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Verifier performs the post-flash GetStatus round trip over the AP<->SM
// SPI link (§4.4 step 6). Implemented by internal/spiproto; kept as an
// interface here so smprog has no import edge to the SPI protocol layer.
type Verifier interface {
	GetStatus() error
}

// Record is one SM image's up-to-nine (fram_addr, fram_len) sections, read
// from NAND, to be streamed into SM FRAM (§3 "SM image region").
type Record struct {
	Sections [][]byte // each section's bytes, already read from NAND
	FramAddr []uint32 // matching FRAM destination address per section
}

const (
	opRxPassword = 0x11
	opRxData     = 0x10
	opTxData     = 0x18
	opMassErase  = 0x15
	opLoadPC     = 0x17
	opCrcCheck   = 0x16

	respACK  = 0x3B
	respData = 0x3A

	frameStart = 0x80

	maxChunk = 254
)

var defaultPassword = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

// Errors returned by Programmer.Flash.
var (
	ErrPasswordRejected = errors.New("smprog: password send did not succeed")
	ErrChunkFailed      = errors.New("smprog: chunk write failed")
	ErrVerifyFailed     = errors.New("smprog: post-flash verification failed")
)

// Programmer drives one SM re-flash.
type Programmer struct {
	serial Serial
	gpio   GPIO
	mux    UartMux
	clock  Clock
}

// New returns a Programmer using the real wall clock.
func New(serial Serial, gpio GPIO, mux UartMux) *Programmer {
	return &Programmer{serial: serial, gpio: gpio, mux: mux, clock: realClock{}}
}

// NewWithClock is New with an injectable Clock, for tests.
func NewWithClock(serial Serial, gpio GPIO, mux UartMux, clock Clock) *Programmer {
	return &Programmer{serial: serial, gpio: gpio, mux: mux, clock: clock}
}

// edgeHold is the minimum time each entry-sequence edge must be held
// (§4.4 step 1: "each edge held >= 2 ms").
const edgeHold = 2 * time.Millisecond

// enterBootloader drives the documented RST/TEST edge sequence.
func (p *Programmer) enterBootloader() {
	p.gpio.SetRST(false)
	p.clock.Sleep(edgeHold)
	p.gpio.SetTEST(true)
	p.clock.Sleep(200 * time.Millisecond)
	p.gpio.SetTEST(false)
	p.clock.Sleep(edgeHold)
	p.gpio.SetTEST(true)
	p.clock.Sleep(edgeHold)
	p.gpio.SetTEST(false)
	p.clock.Sleep(edgeHold)
	p.gpio.SetTEST(true)
	p.clock.Sleep(edgeHold)
	p.gpio.SetRST(true)
	p.clock.Sleep(edgeHold)
	p.gpio.SetTEST(false)
	p.clock.Sleep(edgeHold)
}

func (p *Programmer) frame(cmd byte, payload []byte) []byte {
	length := uint16(1 + len(payload)) // cmd byte + payload, per the response's own cmd+data framing
	out := []byte{frameStart, byte(length), byte(length >> 8), cmd}
	out = append(out, payload...)
	crc := crc16.Checksum(out[1:])
	out = crc16.PutUint16LE(out, crc)
	return out
}

// sendCommand writes a framed command and reads back the ACK-with-status
// or data response, validating the response_cmd and CRC. A bad frame,
// wrong response_cmd, or non-ACK status byte is reported as an error for
// the caller to retry.
func (p *Programmer) sendCommand(cmd byte, payload []byte, wantResp byte) ([]byte, error) {
	req := p.frame(cmd, payload)
	if _, err := p.serial.Write(req); err != nil {
		return nil, err
	}

	head := make([]byte, 5)
	if _, err := p.serial.Read(head); err != nil {
		return nil, err
	}
	if head[0] != 0x00 || head[1] != frameStart {
		return nil, errors.New("smprog: bad response ack/start")
	}
	// length counts response_cmd + the reserved status byte + data.
	length := uint16(head[2]) | uint16(head[3])<<8
	respCmd := head[4]
	if length < 1 {
		return nil, errors.New("smprog: short response length")
	}

	// The rest of the frame is read before response_cmd is judged, so a
	// wrong response leaves no stale bytes behind for the caller's retry.
	rest := make([]byte, int(length-1)+2) // status+data, then trailing crc
	if _, err := p.serial.Read(rest); err != nil {
		return nil, err
	}
	if respCmd != wantResp {
		return nil, errors.New("smprog: unexpected response_cmd")
	}
	if len(rest) < 3 {
		return nil, errors.New("smprog: short response")
	}

	crcBody := append([]byte{respCmd}, rest[:len(rest)-2]...)
	wantCRC := crc16.Uint16LE(rest[len(rest)-2:])
	if crc16.Checksum(crcBody) != wantCRC {
		return nil, errors.New("smprog: response crc mismatch")
	}

	data := rest[1 : len(rest)-2]
	return data, nil
}

func (p *Programmer) sendPassword() error {
	_, err := p.sendCommand(opRxPassword, defaultPassword[:], respACK)
	return err
}

// Flash runs the full §4.4 sequence for rec, retrying the chunk writes on
// ACK mismatch and verifying with verifier afterward.
func (p *Programmer) Flash(rec Record, verifier Verifier) error {
	p.enterBootloader()
	p.mux.RouteToSM()
	defer p.mux.RouteToDebug()

	// §4.4 step 3: the first send is expected to fail and mass-erase by
	// design; retry twice for reliability, then a subsequent send must
	// succeed.
	for i := 0; i < 2; i++ {
		p.sendPassword()
	}
	if err := p.sendPassword(); err != nil {
		return ErrPasswordRejected
	}

	for i, section := range rec.Sections {
		addr := rec.FramAddr[i]
		if err := p.writeSection(addr, section); err != nil {
			return err
		}
	}

	p.gpio.SetRST(false)
	p.clock.Sleep(edgeHold)
	p.gpio.SetRST(true)
	p.clock.Sleep(5 * time.Second)

	if verifier != nil {
		if err := verifier.GetStatus(); err != nil {
			return ErrVerifyFailed
		}
	}
	return nil
}

// writeSection streams one FRAM section in <=254-byte chunks, retrying a
// chunk once on ACK mismatch before giving up on the whole Flash attempt.
func (p *Programmer) writeSection(addr uint32, data []byte) error {
	offset := uint32(0)
	for offset < uint32(len(data)) {
		end := offset + maxChunk
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		chunk := data[offset:end]
		payload := make([]byte, 0, 4+len(chunk))
		dest := addr + offset
		payload = append(payload,
			byte(dest>>24), byte(dest>>16), byte(dest>>8), byte(dest))
		payload = append(payload, chunk...)

		var err error
		for attempt := 0; attempt < 2; attempt++ {
			_, err = p.sendCommand(opRxData, payload, respACK)
			if err == nil {
				break
			}
		}
		if err != nil {
			return ErrChunkFailed
		}
		offset = end
	}
	return nil
}
