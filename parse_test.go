package main

import (
	"testing"

	"openenterprise/pumpguard/internal/eventcore"
)

func TestParseJobResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  eventcore.Event
	}{
		{"empty", "", eventcore.Event{Kind: eventcore.EvNoNewJobs}},
		{"none", "NONE", eventcore.Event{Kind: eventcore.EvNoNewJobs}},
		{"job", "JOB:calibrate", eventcore.Event{Kind: eventcore.EvNewJob, JobType: "calibrate"}},
		{"job no arg", "JOB:", eventcore.Event{Kind: eventcore.EvNewJob, JobType: ""}},
		{"config", "CONFIG", eventcore.Event{Kind: eventcore.EvConfigUpdate}},
		{"reset", "RESET", eventcore.Event{Kind: eventcore.EvResetCommand}},
		{"reset deactivate", "RESET_DEACTIVATE", eventcore.Event{Kind: eventcore.EvResetWithDeactivate}},
		{"ota", "OTA:https://fw.example/v2", eventcore.Event{Kind: eventcore.EvOtaStart, URL: "https://fw.example/v2"}},
		{"unknown", "BOGUS", eventcore.Event{Kind: eventcore.EvNoNewJobs}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseJobResponse([]byte(tc.input))
			if got != tc.want {
				t.Errorf("parseJobResponse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}

func TestSplitToken(t *testing.T) {
	cmd, arg := splitToken([]byte("JOB:calibrate"))
	if string(cmd) != "JOB" || string(arg) != "calibrate" {
		t.Errorf("splitToken = %q, %q", cmd, arg)
	}

	cmd, arg = splitToken([]byte("NONE"))
	if string(cmd) != "NONE" || arg != nil {
		t.Errorf("splitToken(no colon) = %q, %q", cmd, arg)
	}
}
