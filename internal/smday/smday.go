// Package smday is a reference in-memory model of the SM side of the
// AP<->SM SPI protocol (§4.6, SUPPLEMENTED FEATURES #3): a day-closer
// ring buffer of sensor-data entries plus enough of the framed request
// handling to drive internal/spiproto's client end to end in tests,
// standing in for real SM firmware neither side of this repo can flash.
package smday

import (
	"time"

	"openenterprise/pumpguard/internal/spiproto"
)

// Entry is one closed day's worth of sensor data, opaque to this package
// beyond its byte length (§3 "SM daily sensor-data entry").
type Entry []byte

// Log is the SM-side ring buffer: entries accumulate at the head and are
// only ever removed from the tail, and only in response to an explicit
// IncrementSensorDataTail command; the tail never advances on a mere
// read.
type Log struct {
	entries []Entry
	tail    int
}

// Close appends a closed day's entry to the log.
func (l *Log) Close(e Entry) {
	l.entries = append(l.entries, e)
}

// Pending returns the entries from the tail onward, oldest first.
func (l *Log) Pending() []Entry {
	return l.entries[l.tail:]
}

// Ack advances the tail by one, permanently discarding the oldest pending
// entry. Calling Ack with nothing pending is a no-op.
func (l *Log) Ack() {
	if l.tail < len(l.entries) {
		l.tail++
	}
}

// SM models the handful of SM-side state this repo needs to answer AP
// requests: attention-source bits, activation state, and the day log.
type SM struct {
	Log       Log
	AttnMask  byte
	Activated bool
	// Nacks causes the next N requests (after decrementing) to come back
	// as a MsgNack instead of being handled, modeling a busy/unready SM.
	Nacks int
}

// Handle decodes one request frame and returns the matching response
// frame, implementing just enough of §4.6's message set to exercise the
// drain client and attention dispatch: GetStatus, GetAttnSrc,
// AttnSourceAck, GetEntriesInLog, GetSensorDataEntries, and
// IncrementSensorDataTail.
func (s *SM) Handle(req []byte) []byte {
	frame, err := spiproto.Decode(req)
	if err != nil {
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
	}
	if s.Nacks > 0 {
		s.Nacks--
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
	}

	switch frame.MsgID {
	case spiproto.MsgAttnSourceAck:
		if len(frame.Payload) > 0 {
			s.AttnMask &^= frame.Payload[0]
		}
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAttnSourceAck})
	case spiproto.MsgCommand:
		if len(frame.Payload) == 0 {
			return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
		}
		return s.handleCommand(spiproto.Command(frame.Payload[0]), frame.Payload[1:])
	case spiproto.MsgGetSensorDataEntries:
		idx := 0
		if len(frame.Payload) > 0 {
			idx = int(frame.Payload[0])
		}
		pending := s.Log.Pending()
		if idx < 0 || idx >= len(pending) {
			return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
		}
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgSensorData, Payload: pending[idx]})
	default:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
	}
}

func (s *SM) handleCommand(cmd spiproto.Command, _ []byte) []byte {
	switch cmd {
	case spiproto.CmdGetStatus:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgStatus, Payload: []byte{0x01}})
	case spiproto.CmdGetAttnSrc:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAttnSource, Payload: []byte{s.AttnMask}})
	case spiproto.CmdActivate:
		s.Activated = true
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAck})
	case spiproto.CmdDeactivate:
		s.Activated = false
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAck})
	case spiproto.CmdGetEntriesInLog:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNumDataEntries, Payload: []byte{byte(len(s.Log.Pending()))}})
	case spiproto.CmdIncrementSensorDataTail:
		s.Log.Ack()
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAck})
	case spiproto.CmdResetAlarms:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgAck})
	default:
		return spiproto.Encode(spiproto.Frame{MsgID: spiproto.MsgNack})
	}
}

// Link wires an *SM up as an internal/spiproto.Bus, standing in for the
// real SPI wake/ready/transfer hardware so the drain client and
// attention-dispatch logic in internal/spiproto can be exercised without
// a bus or hardware of any kind.
type Link struct {
	SM *SM
	// DropNext, when > 0, makes the next N Exchange calls time out
	// (decrementing once per call) instead of reaching the SM.
	DropNext int
}

// WakeHigh always reports true; smday has no separate wake line model.
func (l *Link) WakeHigh() bool { return true }

// Exchange hands req straight to the simulated SM, unless DropNext asks
// this call to simulate a ready-line timeout instead.
func (l *Link) Exchange(req []byte, _ time.Duration) ([]byte, bool, error) {
	if l.DropNext > 0 {
		l.DropNext--
		return nil, false, nil
	}
	return l.SM.Handle(req), true, nil
}
