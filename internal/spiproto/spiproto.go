// Package spiproto implements the AP<->SM typed SPI message protocol
// (§3, §4.6, C6): frame encode/decode, a request/response client with the
// documented retry budget, attention-source bitmask dispatch, and the
// sensor-data drain client built on top of the same request primitive.
package spiproto

import (
	"errors"
	"time"
)

// startFrame is the magic byte every valid frame begins with (§3, §9 open
// question (c): fixed here so both sides of this repo agree bit for bit).
const startFrame = 0xA5

// MsgID enumerates the message identifiers carried in a frame's msg_id /
// response_id fields (§4.6 "Framing").
type MsgID uint8

const (
	MsgCommand MsgID = iota + 1
	MsgAck
	MsgNack
	MsgStatus
	MsgAttnSource
	MsgAttnSourceAck
	MsgGetSensorDataEntries
	MsgSensorData
	MsgNumDataEntries
	MsgSetRtc
	MsgConfig
)

// Command is the small command set carried as a MsgCommand payload's
// first byte.
type Command uint8

const (
	CmdGetStatus Command = iota + 1
	CmdGetAttnSrc
	CmdActivate
	CmdDeactivate
	CmdSwReset
	CmdHwReset
	CmdGetEntriesInLog
	CmdIncrementSensorDataTail
	CmdResetAlarms
)

// Attention-source bitmask bits (§3 "Attention-source bitmask").
const (
	AttnActivate            byte = 1 << 0
	AttnTimeRequest         byte = 1 << 1
	AttnCheckInDeactivated  byte = 1 << 2
	AttnCheckInActivated    byte = 1 << 3
)

// Outcome is the taxonomy the transport maps every request to (§4.6
// "Request/response").
type Outcome uint8

const (
	SuccessfulRequest Outcome = iota
	NackedMsg
	Timeout
	InvalidMsgId
	BadRequest
)

func (o Outcome) String() string {
	switch o {
	case SuccessfulRequest:
		return "successful_request"
	case NackedMsg:
		return "nacked_msg"
	case Timeout:
		return "timeout"
	case InvalidMsgId:
		return "invalid_msg_id"
	case BadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// readyTimeout is the maximum time to poll the ready line between a
// command write and the response read (§4.6, §5 "SPI read timeout").
const readyTimeout = 600 * time.Millisecond

// maxRetries is the per-request retry budget (§4.6 "Retries").
const maxRetries = 3

// ErrBusError is returned when the Bus itself fails (distinct from a
// protocol-level Nack/Timeout, which are reported as Outcome values).
var ErrBusError = errors.New("spiproto: spi bus error")

// Bus is the single injected hardware collaborator: wake-line read,
// ready-line poll, and the framed command/response exchange itself. A
// real implementation serializes this behind the one SPI-bus mutex (§5).
type Bus interface {
	// WakeHigh reports whether the SM's wake line is currently asserted.
	WakeHigh() bool
	// Exchange writes frame, then polls the ready line for up to timeout
	// before clocking in the response frame. ok=false with no error means
	// the ready-line wait expired (maps to Outcome Timeout).
	Exchange(frame []byte, timeout time.Duration) (resp []byte, ok bool, err error)
}

// Frame is one decoded AP<->SM SPI frame (§3).
type Frame struct {
	MsgID      MsgID
	ResponseID MsgID
	Payload    []byte
}

// Encode serializes f into wire bytes with the start-frame magic and
// trailing byte-sum-mod-256 checksum (§3, §9 (c)).
func Encode(f Frame) []byte {
	out := make([]byte, 0, 4+len(f.Payload)+1)
	out = append(out, startFrame, byte(len(f.Payload)), byte(f.MsgID), byte(f.ResponseID))
	out = append(out, f.Payload...)
	out = append(out, checksum(out))
	return out
}

// Decode parses wire bytes into a Frame, validating the start byte and
// checksum.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 5 {
		return Frame{}, errors.New("spiproto: frame too short")
	}
	if buf[0] != startFrame {
		return Frame{}, errors.New("spiproto: bad start frame")
	}
	payloadLen := int(buf[1])
	if len(buf) != 4+payloadLen+1 {
		return Frame{}, errors.New("spiproto: length mismatch")
	}
	if checksum(buf[:len(buf)-1]) != buf[len(buf)-1] {
		return Frame{}, errors.New("spiproto: checksum mismatch")
	}
	return Frame{
		MsgID:      MsgID(buf[2]),
		ResponseID: MsgID(buf[3]),
		Payload:    append([]byte(nil), buf[4:4+payloadLen]...),
	}, nil
}

// checksum is the 8-bit sum over the given bytes modulo 256 (§3).
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Client drives request/response exchanges over a Bus with the documented
// retry policy.
type Client struct {
	bus Bus
}

// NewClient returns a Client over bus.
func NewClient(bus Bus) *Client {
	return &Client{bus: bus}
}

// RetryObserver is called once per failed attempt, before a retry, so a
// caller (the event core) can raise the matching event without this
// package importing the event queue (§4.6 "NackedMsg raises an event...
// and retries").
type RetryObserver func(attempt int, outcome Outcome)

// Request sends msgID with payload, expecting a response framed with
// responseID, retrying up to maxRetries times on any outcome other than
// SuccessfulRequest or NackedMsg terminating the whole budget (§4.6
// "Retry triggers: non-SuccessfulRequest and non-NackedMsg outcomes").
// NackedMsg itself retries too, per §4.6, but is reported to onRetry
// first.
func (c *Client) Request(msgID MsgID, payload []byte, responseID MsgID, onRetry RetryObserver) (Outcome, []byte, error) {
	req := Encode(Frame{MsgID: msgID, ResponseID: responseID, Payload: payload})

	var lastOutcome Outcome
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, ready, err := c.bus.Exchange(req, readyTimeout)
		if err != nil {
			return BadRequest, nil, err
		}
		if !ready {
			lastOutcome = Timeout
			if onRetry != nil {
				onRetry(attempt, Timeout)
			}
			continue
		}

		frame, err := Decode(resp)
		if err != nil {
			lastOutcome = BadRequest
			if onRetry != nil {
				onRetry(attempt, BadRequest)
			}
			continue
		}

		switch frame.MsgID {
		case MsgNack:
			lastOutcome = NackedMsg
			if onRetry != nil {
				onRetry(attempt, NackedMsg)
			}
			continue
		case responseID:
			return SuccessfulRequest, frame.Payload, nil
		default:
			lastOutcome = InvalidMsgId
			if onRetry != nil {
				onRetry(attempt, InvalidMsgId)
			}
			continue
		}
	}
	return lastOutcome, nil, nil
}

// AttentionEvent is one application-level event raised per set bit in an
// attention-source mask, in bit order (§4.6 "Attention handling").
type AttentionEvent uint8

const (
	EventActivateFromSsm AttentionEvent = iota
	EventInitiateNtpTimeSync
	EventCheckInDeactivated
	EventCheckInActivated
)

// DecodeAttention returns the application-level events for each set bit
// in mask, in the fixed bit order Activate, TimeRequest,
// CheckInDeactivated, CheckInActivated (reserved bits are ignored). The
// returned mask is the subset of bits this call recognized and therefore
// will be acknowledged; unrecognized bits are never included so the SM
// never clears a reserved bit it set for a future firmware (§4.6
// "Unacknowledged bits remain set in the SM").
func DecodeAttention(mask byte) (events []AttentionEvent, handledMask byte) {
	if mask&AttnActivate != 0 {
		events = append(events, EventActivateFromSsm)
		handledMask |= AttnActivate
	}
	if mask&AttnTimeRequest != 0 {
		events = append(events, EventInitiateNtpTimeSync)
		handledMask |= AttnTimeRequest
	}
	if mask&AttnCheckInDeactivated != 0 {
		events = append(events, EventCheckInDeactivated)
		handledMask |= AttnCheckInDeactivated
	}
	if mask&AttnCheckInActivated != 0 {
		events = append(events, EventCheckInActivated)
		handledMask |= AttnCheckInActivated
	}
	return events, handledMask
}

// GetStatus issues a GetStatus command and reports only whether it
// succeeded; the status payload itself is discarded.
func (c *Client) GetStatus() error {
	outcome, _, err := c.Request(MsgCommand, []byte{byte(CmdGetStatus)}, MsgStatus, nil)
	if err != nil {
		return err
	}
	if outcome != SuccessfulRequest {
		return errors.New("spiproto: GetStatus " + outcome.String())
	}
	return nil
}

// Activate issues the Activate command, moving the SM from Deactivated to
// Activated (§4.1 lifecycle).
func (c *Client) Activate() error {
	outcome, _, err := c.Request(MsgCommand, []byte{byte(CmdActivate)}, MsgAck, nil)
	if err != nil {
		return err
	}
	if outcome != SuccessfulRequest {
		return errors.New("spiproto: Activate " + outcome.String())
	}
	return nil
}

// GetAttnSrc fetches the current attention-source bitmask.
func (c *Client) GetAttnSrc(onRetry RetryObserver) (byte, Outcome, error) {
	outcome, payload, err := c.Request(MsgCommand, []byte{byte(CmdGetAttnSrc)}, MsgAttnSource, onRetry)
	if err != nil || outcome != SuccessfulRequest || len(payload) < 1 {
		return 0, outcome, err
	}
	return payload[0], outcome, nil
}

// AckAttention sends AttnSourceAck with the mask of bits the caller
// handled (§4.6).
func (c *Client) AckAttention(handledMask byte, onRetry RetryObserver) (Outcome, error) {
	outcome, _, err := c.Request(MsgAttnSourceAck, []byte{handledMask}, MsgAttnSourceAck, onRetry)
	return outcome, err
}

// Persister is the AP-local sink for a drained sensor-data entry (§4.6
// "Sensor-data drain"). Returning an error means persistence failed and
// the entry must not be acked, leaving it available on the next boot.
type Persister interface {
	Persist(entry []byte) error
}

// DrainSensorData implements §4.6's drain loop: GetEntriesInLog ->
// NumDataEntries(n); n times: GetSensorDataEntries(0), the entry at the
// SM's tail -> SensorData(entry); on persist success, IncrementSensorDataTail. No
// other ordering is valid, and a persist failure stops the drain without
// acking that entry.
func (c *Client) DrainSensorData(p Persister, onRetry RetryObserver) (int, error) {
	outcome, payload, err := c.Request(MsgCommand, []byte{byte(CmdGetEntriesInLog)}, MsgNumDataEntries, onRetry)
	if err != nil {
		return 0, err
	}
	if outcome != SuccessfulRequest || len(payload) < 1 {
		return 0, errors.New("spiproto: GetEntriesInLog " + outcome.String())
	}
	n := int(payload[0])

	drained := 0
	for i := 0; i < n; i++ {
		// Always ask for the entry now at the tail: each successful
		// IncrementSensorDataTail below shifts the SM's own indexing, so
		// position 0 is always "the next entry we haven't drained yet".
		outcome, entry, err := c.Request(MsgGetSensorDataEntries, []byte{0}, MsgSensorData, onRetry)
		if err != nil {
			return drained, err
		}
		if outcome != SuccessfulRequest {
			return drained, errors.New("spiproto: GetSensorDataEntries " + outcome.String())
		}
		if err := p.Persist(entry); err != nil {
			return drained, err
		}
		ackOutcome, _, err := c.Request(MsgCommand, []byte{byte(CmdIncrementSensorDataTail)}, MsgAck, onRetry)
		if err != nil {
			return drained, err
		}
		if ackOutcome != SuccessfulRequest {
			return drained, errors.New("spiproto: IncrementSensorDataTail " + ackOutcome.String())
		}
		drained++
	}
	return drained, nil
}
