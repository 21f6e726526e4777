package main

import "openenterprise/pumpguard/internal/eventcore"

// parseJobResponse decodes the payload published on pumpguard/job/response
// into an event-core Event, allocation-free. The wire format is a leading
// command token, optionally followed by ':' and an argument:
//
//	NONE                   -> EvNoNewJobs
//	JOB:<jobtype>           -> EvNewJob{JobType}
//	CONFIG                 -> EvConfigUpdate
//	RESET                  -> EvResetCommand
//	RESET_DEACTIVATE       -> EvResetWithDeactivate
//	OTA:<url>              -> EvOtaStart{URL}
//
// An empty or unrecognized payload is treated as EvNoNewJobs so a
// malformed response never stalls the wake cycle.
func parseJobResponse(data []byte) eventcore.Event {
	if len(data) == 0 {
		return eventcore.Event{Kind: eventcore.EvNoNewJobs}
	}

	cmd, arg := splitToken(data)

	switch {
	case bytesEqualStr(cmd, "NONE"):
		return eventcore.Event{Kind: eventcore.EvNoNewJobs}
	case bytesEqualStr(cmd, "JOB"):
		return eventcore.Event{Kind: eventcore.EvNewJob, JobType: string(arg)}
	case bytesEqualStr(cmd, "CONFIG"):
		return eventcore.Event{Kind: eventcore.EvConfigUpdate}
	case bytesEqualStr(cmd, "RESET"):
		return eventcore.Event{Kind: eventcore.EvResetCommand}
	case bytesEqualStr(cmd, "RESET_DEACTIVATE"):
		return eventcore.Event{Kind: eventcore.EvResetWithDeactivate}
	case bytesEqualStr(cmd, "OTA"):
		return eventcore.Event{Kind: eventcore.EvOtaStart, URL: string(arg)}
	default:
		return eventcore.Event{Kind: eventcore.EvNoNewJobs}
	}
}

// splitToken splits data on the first ':' into a command and its
// argument; if there is no ':' the whole input is the command.
func splitToken(data []byte) (cmd, arg []byte) {
	for i := 0; i < len(data); i++ {
		if data[i] == ':' {
			return data[:i], data[i+1:]
		}
	}
	return data, nil
}

// bytesEqualStr compares a byte slice against a string without allocating.
func bytesEqualStr(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if b[i] != s[i] {
			return false
		}
	}
	return true
}
