//go:build tinygo

package spiproto

import (
	"machine"
	"time"
)

// HwBus is the real SPI link to the sensor MCU: machine.SPI0 plus the two
// GPIO handshake lines described in §4.6 (wake, driven by the SM to signal
// it has data; ready, driven by the AP to gate the exchange). It satisfies
// Bus so Client never touches the machine package directly.
type HwBus struct {
	spi    *machine.SPI
	wake   machine.Pin
	ready  machine.Pin
	csel   machine.Pin
}

// NewHwBus configures the SPI peripheral and GPIO lines for AP/SM
// communication.
func NewHwBus(spi *machine.SPI, wake, ready, csel machine.Pin) *HwBus {
	wake.Configure(machine.PinConfig{Mode: machine.PinInput})
	ready.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csel.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csel.High()
	return &HwBus{spi: spi, wake: wake, ready: ready, csel: csel}
}

// WakeHigh implements Bus.
func (b *HwBus) WakeHigh() bool {
	return b.wake.Get()
}

// Exchange implements Bus: asserts ready, holds chip-select low for the
// duration of the transfer, and reports a timeout if the SM never
// responds within the deadline.
func (b *HwBus) Exchange(frame []byte, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	b.ready.High()
	defer b.ready.Low()

	for !b.wake.Get() {
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(time.Millisecond)
	}

	resp := make([]byte, len(frame))
	b.csel.Low()
	err := b.spi.Tx(frame, resp)
	b.csel.High()
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}
