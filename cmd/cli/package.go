package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"openenterprise/pumpguard/internal/crc16"
	"openenterprise/pumpguard/internal/ota"
)

// recordHeaderLen is internal/ota's per-record header: type(1) +
// length(4 BE), kept in sync with that package's own unexported
// headerLen since this tool has no other way to validate a package
// before it reaches the device. The record's CRC (2 bytes BE) and, for
// the AP record, the firmware triple (3x4 bytes BE) immediately follow
// inside the body internal/ota treats as opaque payload.
const recordHeaderLen = 5

// apFwTripleOffset is the AP record body offset (relative to the end of
// recordHeaderLen) of the firmware triple, mirroring internal/ota's
// fwTripleOffset.
const apFwTripleOffset = 12

// validatePackageHeader checks that data starts with a well-formed AP
// record header so otaPush fails fast on a malformed file instead of
// burning a device-side OTA session on it.
func validatePackageHeader(data []byte) error {
	need := recordHeaderLen + apFwTripleOffset + 12
	if len(data) < need {
		return fmt.Errorf("package too small for an AP record header")
	}
	if ota.RecordType(data[0]) != ota.RecordAP {
		return fmt.Errorf("first record type 0x%02x is not AP (0x%02x)", data[0], ota.RecordAP)
	}
	length := binary.BigEndian.Uint32(data[1:5])
	if length > ota.MaxAPRecordLen {
		return fmt.Errorf("AP record length %d exceeds cap %d", length, ota.MaxAPRecordLen)
	}
	return nil
}

// inspectPackageFile prints the AP record header of an OTA package file
// without pushing it to a device.
func inspectPackageFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validatePackageHeader(data); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(data[1:5])
	crcWant := crc16.Uint16BE(data[recordHeaderLen : recordHeaderLen+2])
	tripleStart := recordHeaderLen + apFwTripleOffset
	triple := data[tripleStart : tripleStart+12]
	major := binary.BigEndian.Uint32(triple[0:4])
	minor := binary.BigEndian.Uint32(triple[4:8])
	build := binary.BigEndian.Uint32(triple[8:12])

	fmt.Printf("Package: %s\n", path)
	fmt.Printf("  File size: %d bytes (%d KB)\n", len(data), len(data)/1024)
	fmt.Printf("  AP record length: %d bytes\n", length)
	fmt.Printf("  AP record CRC: 0x%04x\n", crcWant)
	fmt.Printf("  AP firmware version: %d.%d.%d\n", major, minor, build)
	return nil
}
