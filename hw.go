//go:build tinygo

package main

import (
	"machine"
	"time"

	"openenterprise/pumpguard/internal/nand"
	"openenterprise/pumpguard/internal/ota"
	"openenterprise/pumpguard/internal/registry"
	"openenterprise/pumpguard/internal/smprog"
)

// Pin assignments for the NAND flash and the SM re-flash link (§4.4, §4.6):
// plain GPx constants, configured once at boot.
var (
	pinNandCS    = machine.GP5
	pinSmWake    = machine.GP6
	pinSmReady   = machine.GP7
	pinSmCS      = machine.GP8
	pinSmRST     = machine.GP9
	pinSmTEST    = machine.GP10
	pinUartMuxSM = machine.GP11
)

// spiNandBus adapts machine.SPI to internal/nand.Bus.
type spiNandBus struct {
	spi *machine.SPI
	cs  machine.Pin
}

func newSpiNandBus(spi *machine.SPI, cs machine.Pin) *spiNandBus {
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()
	return &spiNandBus{spi: spi, cs: cs}
}

// Transfer implements internal/nand.Bus.
func (b *spiNandBus) Transfer(tx []byte, rx []byte) error {
	b.cs.Low()
	err := b.spi.Tx(tx, rx)
	b.cs.High()
	return err
}

// smGPIO adapts two machine.Pin lines to internal/smprog.GPIO.
type smGPIO struct {
	rst, test machine.Pin
}

func newSmGPIO(rst, test machine.Pin) *smGPIO {
	rst.Configure(machine.PinConfig{Mode: machine.PinOutput})
	test.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return &smGPIO{rst: rst, test: test}
}

func (g *smGPIO) SetRST(high bool)  { g.rst.Set(high) }
func (g *smGPIO) SetTEST(high bool) { g.test.Set(high) }

// smUartMux adapts a single select line to internal/smprog.UartMux: high
// routes the shared UART to the SM bootloader, low routes it back to the
// debug console (§5 "UART mux").
type smUartMux struct {
	sel machine.Pin
}

func newSmUartMux(sel machine.Pin) *smUartMux {
	sel.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return &smUartMux{sel: sel}
}

func (m *smUartMux) RouteToSM()    { m.sel.High() }
func (m *smUartMux) RouteToDebug() { m.sel.Low() }

// smFlasherAdapter implements both internal/bootloader.SMFlasher and
// internal/eventcore.SMFlasher: re-flashing the SM from whatever record
// is staged on NAND for a slot, using internal/smprog to drive the
// bootloader and internal/spiproto to verify the result came back up.
type smFlasherAdapter struct {
	bs       *nand.BlockStore
	prog     *smprog.Programmer
	verifier smprog.Verifier
}

func (f *smFlasherAdapter) FlashFromSlot(slot registry.Slot) error {
	img, err := ota.ReadSMImage(f.bs, slot)
	if err != nil {
		return err
	}
	record := smprog.Record{
		Sections: [][]byte{img},
		FramAddr: []uint32{0},
	}
	return f.prog.Flash(record, f.verifier)
}

// manufacturingStaging reports that no manufacturing package is staged in
// internal flash. This device's manufacturing flow provisions slot A
// directly at factory flash time rather than staging a package for the
// bootloader to copy in on first boot (§4.3's Manufacturing branch is
// wired but never observed in the field); see DESIGN.md.
type manufacturingStaging struct{}

func (manufacturingStaging) HasValidStagedPackage() bool { return false }

func (manufacturingStaging) ApplyStagedPackage(slot registry.Slot) error { return nil }

// standbyController implements internal/eventcore.Standby. Real low-power
// standby (deep sleep to a GPIO/RTC wake source) is board-specific and out
// of scope for this repo (§1); Enter stops feeding the watchdog so the
// device resets and re-runs the boot sequence on its next scheduled wake,
// the same recovery path a watchdog timeout takes.
type standbyController struct{}

func (s *standbyController) Enter() {
	println("standby:entering")
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	rebootDevice()
}
