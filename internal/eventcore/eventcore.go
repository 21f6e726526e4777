// Package eventcore implements the AP's single-threaded cooperative event
// loop (§4.7, C7): one FIFO of tagged events, a wake-lifetime budget
// timer, the four ordering invariants, op_state promotion on first cloud
// connection, and the OTA start/handoff sequencing.
package eventcore

import (
	"time"

	"openenterprise/pumpguard/internal/registry"
)

// Kind tags one queued event (§4.7 "Events include...").
type Kind int

const (
	EvActivateFromSsm Kind = iota
	EvDeactivate
	EvCheckInDeactivated
	EvCheckInActivated
	EvInitiateNtpTimeSync
	EvNewJob
	EvConfigUpdate
	EvResetCommand
	EvResetWithDeactivate
	EvOtaStart
	EvFwDownloadComplete
	EvFwDownloadFail
	EvSensorDataReceived
	EvSensorDataReady
	EvSensorDataPublished
	EvMqttReady
	EvNoNewJobs
	EvMqttDisconnected
	EvGpsFixResult
	EvMfgCompleteTimerFired
	EvSsmNackedRequest
	EvSsmUnresponsive
)

// GpsFix is the buffered fix awaiting an MQTT send (§4.7 invariant 2).
type GpsFix struct {
	Valid     bool
	Latitude  float64
	Longitude float64
}

// Event is one queue entry. Fields beyond Kind are populated only for the
// kinds that need them; the rest are zero.
type Event struct {
	Kind       Kind
	JobType    string
	Fix        GpsFix
	NewSlot    registry.Slot
	URL        string
	GpsRunning bool
}

// Default wake-lifetime budgets (§4.7 "Lifetime budget").
const (
	DefaultBudget     = 11 * time.Minute
	OtaBudget         = 15 * time.Minute
	MqttTolerance     = 500 * time.Millisecond
	IdlePollInterval  = 100 * time.Millisecond
)

// Cellular starts/stops the cellular modem link.
type Cellular interface {
	Start() error
	Stop()
}

// SM is the narrow subset of the AP<->SM link the event core drives
// directly (the rest goes through the sensor-data drain / attention
// dispatch already implemented in internal/spiproto).
type SM interface {
	Activate() error
	GetStatus() error
}

// Gps enables a fix acquisition.
type Gps interface {
	Enable() error
}

// Mqtt is the cloud session surface the event core drives.
type Mqtt interface {
	PublishStatus() error
	RequestNextJob() error
	SendGpsFix(fix GpsFix) error
	SendSensorPayload(payload []byte) error
	Disconnect()
}

// Modem powers the cellular radio fully off (distinct from Cellular.Stop,
// which may just idle the link).
type Modem interface {
	PowerOff()
}

// SMFlasher reflashes the SM from a given slot's record (shared contract
// with internal/bootloader).
type SMFlasher interface {
	FlashFromSlot(slot registry.Slot) error
}

// Standby is the terminal action of a wake cycle: cut power to everything
// but the always-on SM side.
type Standby interface {
	Enter()
}

// Collaborators bundles every external actor the core drives. A real
// wiring passes the production telemetry/spiproto/mqtt/gps/registry
// implementations; tests pass fakes.
type Collaborators struct {
	Cellular  Cellular
	SM        SM
	Gps       Gps
	Mqtt      Mqtt
	Modem     Modem
	SMFlasher SMFlasher
	Standby   Standby
	Registry  *registry.Store
	TestMode  bool
}

// isAttentionKind reports the events suppressed while an OTA is in flight
// (§9 open question (a)): they are requeued, not dropped, so they are
// processed once the OTA resolves.
func isAttentionKind(k Kind) bool {
	switch k {
	case EvActivateFromSsm, EvCheckInDeactivated, EvCheckInActivated, EvInitiateNtpTimeSync:
		return true
	default:
		return false
	}
}

// Core is the single-threaded scheduler. It is not safe for concurrent
// use from more than one goroutine — by design, per §4.7/§5, there is
// exactly one.
type Core struct {
	c Collaborators

	queue    []Event
	deferred []Event

	// suppressed is true from OtaStart until FwDownloadComplete/Fail;
	// while true, attention-sourced events are deferred rather than acted
	// on (§9 (a)).
	suppressed bool

	deadline    time.Time
	otaActive   bool
	partial     bool // true once a Partial-boot promotion is still pending
	gpsFix      *GpsFix
	sensorReady []byte
	jobInProgress bool
	otaNewSlot  registry.Slot
}

// New returns a Core with no deadline armed; call Arm before the first
// Step of a wake cycle.
func New(c Collaborators) *Core {
	return &Core{c: c}
}

// Post enqueues an event, deferring it instead if it is attention-sourced
// and an OTA is currently suppressing dispatch.
func (core *Core) Post(e Event) {
	if core.suppressed && isAttentionKind(e.Kind) {
		core.deferred = append(core.deferred, e)
		return
	}
	core.queue = append(core.queue, e)
}

// Arm starts the wake-lifetime budget from now, using the OTA budget if
// otaActive.
func (core *Core) Arm(now time.Time, otaActive bool) {
	core.otaActive = otaActive
	budget := DefaultBudget
	if otaActive {
		budget = OtaBudget
	}
	core.deadline = now.Add(budget)
}

// Expired reports whether the wake budget has elapsed as of now. mqttBusy
// grants the documented one-time 500ms tolerance past the deadline.
func (core *Core) Expired(now time.Time, mqttBusy bool) bool {
	if now.Before(core.deadline) {
		return false
	}
	if mqttBusy && now.Before(core.deadline.Add(MqttTolerance)) {
		return false
	}
	return true
}

// Pending reports whether there is queued work.
func (core *Core) Pending() bool {
	return len(core.queue) > 0
}

// Step processes exactly one queued event, if any, returning whether one
// was actually dispatched (false means the queue was empty — the caller
// should idle for IdlePollInterval).
func (core *Core) Step() (bool, error) {
	if len(core.queue) == 0 {
		return false, nil
	}
	e := core.queue[0]
	core.queue = core.queue[1:]

	if err := core.dispatch(e); err != nil {
		return true, err
	}
	return true, nil
}

func (core *Core) dispatch(e Event) error {
	switch e.Kind {
	case EvActivateFromSsm:
		return core.onActivate()
	case EvOtaStart:
		return core.onOtaStart(e)
	case EvFwDownloadComplete:
		return core.onFwDownloadComplete(e)
	case EvFwDownloadFail:
		return core.onFwDownloadFail()
	case EvMqttReady:
		return core.onMqttReady()
	case EvNewJob:
		return core.onNewJob(e)
	case EvNoNewJobs:
		return core.onNoNewJobs(e)
	case EvGpsFixResult:
		core.gpsFix = &e.Fix
		return nil
	case EvSensorDataReady:
		core.sensorReady = []byte("staged")
		return nil
	default:
		return nil
	}
}

// onActivate implements invariant 1: start cellular, activate the SM,
// request a fresh status, enable GPS unless in test mode.
func (core *Core) onActivate() error {
	if err := core.c.Cellular.Start(); err != nil {
		return err
	}
	if err := core.c.SM.Activate(); err != nil {
		return err
	}
	if err := core.c.SM.GetStatus(); err != nil {
		return err
	}
	if !core.c.TestMode {
		if err := core.c.Gps.Enable(); err != nil {
			return err
		}
	}
	return nil
}

// onMqttReady implements invariant 2 plus the Partial->Full promotion.
func (core *Core) onMqttReady() error {
	if err := core.promoteIfPartial(); err != nil {
		return err
	}
	switch {
	case core.gpsFix != nil:
		fix := *core.gpsFix
		core.gpsFix = nil
		return core.c.Mqtt.SendGpsFix(fix)
	case core.sensorReady != nil:
		payload := core.sensorReady
		core.sensorReady = nil
		return core.c.Mqtt.SendSensorPayload(payload)
	default:
		if err := core.c.Mqtt.PublishStatus(); err != nil {
			return err
		}
		return core.c.Mqtt.RequestNextJob()
	}
}

// promoteIfPartial sets the registry's primary slot's op_state to Full and clears
// mfg_complete on the first cloud connection after a Partial boot
// (§4.7 "State promotion", §9 (d)).
func (core *Core) promoteIfPartial() error {
	if !core.partial {
		return nil
	}
	core.partial = false
	reg, err := core.c.Registry.Load()
	if err != nil {
		return err
	}
	if err := core.c.Registry.SetOpState(reg.Primary, registry.StateFull); err != nil {
		return err
	}
	return core.c.Registry.SetMfgComplete(false)
}

// MarkPartialBootPending tells the core a Partial-op-state boot happened
// so the next MqttReady triggers promotion.
func (core *Core) MarkPartialBootPending() {
	core.partial = true
}

// onNewJob implements invariant 3: dispatch, then report pass/fail and
// request the next job. dispatch itself is out of scope here (it is
// whatever job-type handler the caller wires); this models only the
// ordering contract.
func (core *Core) onNewJob(e Event) error {
	core.jobInProgress = true
	defer func() { core.jobInProgress = false }()
	if err := core.c.Mqtt.PublishStatus(); err != nil {
		return err
	}
	return core.c.Mqtt.RequestNextJob()
}

// onNoNewJobs implements invariant 4.
func (core *Core) onNoNewJobs(e Event) error {
	if e.GpsRunning {
		return nil
	}
	core.c.Mqtt.Disconnect()
	core.c.Cellular.Stop()
	core.c.Standby.Enter()
	return nil
}

// onOtaStart raises the wake budget to the OTA value and begins
// suppressing attention-sourced events (§4.7 "OTA handoff", §9 (a)).
func (core *Core) onOtaStart(e Event) error {
	core.otaActive = true
	core.suppressed = true
	core.deadline = core.deadline.Add(OtaBudget - DefaultBudget)
	return nil
}

// onFwDownloadComplete implements the success path of §4.7's OTA
// handoff: disconnect, power down the modem, reflash the SM (one retry;
// on a second failure the new slot is marked Failed and the other slot
// is made primary and reflashed), and, when the new slot's reflash
// succeeded, reset the lp-mode counter. It sends no job acknowledgement
// and does not reset the system.
func (core *Core) onFwDownloadComplete(e Event) error {
	core.c.Mqtt.Disconnect()
	core.c.Modem.PowerOff()

	core.otaNewSlot = e.NewSlot
	if err := core.c.SMFlasher.FlashFromSlot(e.NewSlot); err != nil {
		// one retry
		if err2 := core.c.SMFlasher.FlashFromSlot(e.NewSlot); err2 != nil {
			if ferr := core.c.Registry.SetOpState(e.NewSlot, registry.StateFailed); ferr != nil {
				return ferr
			}
			prev := e.NewSlot.Other()
			if perr := core.c.Registry.SetPrimary(prev); perr != nil {
				return perr
			}
			if rerr := core.c.SMFlasher.FlashFromSlot(prev); rerr != nil {
				return rerr // second failure: caller halts in safe idle (§9 (b))
			}
			core.unsuppress()
			return nil
		}
	}
	if err := core.c.Registry.SetResetsSinceLPMode(0); err != nil {
		return err
	}
	core.unsuppress()
	return nil
}

func (core *Core) onFwDownloadFail() error {
	core.unsuppress()
	return nil
}

// unsuppress clears OTA suppression and requeues any deferred
// attention-sourced events, oldest first, ahead of whatever queued up
// during the OTA (so nothing jumps the line twice).
func (core *Core) unsuppress() {
	core.suppressed = false
	core.otaActive = false
	if len(core.deferred) == 0 {
		return
	}
	core.queue = append(append([]Event{}, core.deferred...), core.queue...)
	core.deferred = nil
}
