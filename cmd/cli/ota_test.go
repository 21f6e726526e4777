package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"openenterprise/pumpguard/internal/crc16"
	"openenterprise/pumpguard/internal/ota"
)

// buildTestPackage constructs a minimal valid AP-record header followed
// by payloadLen bytes of filler, matching the wire format
// internal/ota.Pipeline expects: type(1) length(4 BE) crc(2 BE) ...
// fwTripleOffset bytes in, the firmware triple (3x4 BE).
func buildTestPackage(t *testing.T, payloadLen int, major, minor, build uint32) string {
	t.Helper()

	body := make([]byte, apFwTripleOffset+12+payloadLen)
	binary.BigEndian.PutUint32(body[apFwTripleOffset:], major)
	binary.BigEndian.PutUint32(body[apFwTripleOffset+4:], minor)
	binary.BigEndian.PutUint32(body[apFwTripleOffset+8:], build)

	data := make([]byte, 0, recordHeaderLen+len(body))
	data = append(data, byte(ota.RecordAP))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	data = append(data, lenBuf...)
	data = append(data, body...)
	crcBuf := crc16.PutUint16BE(nil, crc16.Checksum(body[2:]))
	copy(data[recordHeaderLen:recordHeaderLen+2], crcBuf)

	dir := t.TempDir()
	path := filepath.Join(dir, "package.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInspectPackageFile_Valid(t *testing.T) {
	path := buildTestPackage(t, 64, 1, 2, 3)

	if err := inspectPackageFile(path); err != nil {
		t.Errorf("inspectPackageFile failed: %v", err)
	}
}

func TestInspectPackageFile_InvalidRecordType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")

	data := make([]byte, recordHeaderLen+apFwTripleOffset+12)
	data[0] = byte(ota.RecordSSM)
	os.WriteFile(path, data, 0644)

	if err := inspectPackageFile(path); err == nil {
		t.Error("expected error for non-AP first record")
	}
}

func TestInspectPackageFile_TooSmall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.bin")
	os.WriteFile(path, make([]byte, 4), 0644)

	if err := inspectPackageFile(path); err == nil {
		t.Error("expected error for file too small")
	}
}

func TestInspectPackageFile_FileNotFound(t *testing.T) {
	if err := inspectPackageFile("/nonexistent/package.bin"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestValidatePackageHeader_LengthCap(t *testing.T) {
	data := make([]byte, recordHeaderLen+apFwTripleOffset+12)
	data[0] = byte(ota.RecordAP)
	binary.BigEndian.PutUint32(data[1:5], ota.MaxAPRecordLen+1)

	if err := validatePackageHeader(data); err == nil {
		t.Error("expected error for length exceeding cap")
	}
}

func TestOTAChunkSize(t *testing.T) {
	if otaChunkSize != 4096 {
		t.Errorf("expected chunk size 4096, got %d", otaChunkSize)
	}
}
