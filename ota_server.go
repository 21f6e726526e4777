//go:build tinygo

package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"openenterprise/pumpguard/internal/eventcore"
	"openenterprise/pumpguard/internal/ota"
	"openenterprise/pumpguard/telemetry"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	otaPort           = uint16(4242)
	otaBufSize        = 4096 + 64
	otaMaxFwSize      = ota.MaxAPRecordLen + ota.MaxSSMRecordLen
	otaDefaultTimeout = 15 * time.Minute // matches eventcore.OtaBudget's wake window
)

// Pre-allocated OTA buffers
var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [otaBufSize]byte
)

// OTA server state (protected by mutex for thread-safety)
var (
	otaMu          sync.Mutex
	otaEnabled     bool
	otaEnabledAt   time.Time
	otaTimeout     time.Duration
	otaStack       *xnet.StackAsync
	otaLogger      *slog.Logger
	otaServerReady bool
)

// appPipeline is the in-progress download, non-nil for the duration of an
// OTA session; consoleServer reads it (read-only) for the "ota" command.
var appPipeline *ota.Pipeline

// OTAEnable enables the OTA server for the specified duration.
// If duration is 0, uses the default timeout.
func OTAEnable(timeout time.Duration) {
	otaMu.Lock()
	defer otaMu.Unlock()

	if timeout == 0 {
		timeout = otaDefaultTimeout
	}
	otaEnabled = true
	otaEnabledAt = time.Now()
	otaTimeout = timeout

	if otaLogger != nil {
		otaLogger.Info("ota:enabled", slog.String("timeout", timeout.String()))
	}
	if appCore != nil {
		appCore.Arm(time.Now(), true)
		appCore.Post(eventcore.Event{Kind: eventcore.EvOtaStart})
	}
}

// OTADisable disables the OTA server.
func OTADisable() {
	otaMu.Lock()
	defer otaMu.Unlock()

	otaEnabled = false
	if otaLogger != nil {
		otaLogger.Info("ota:disabled")
	}
}

// OTAIsEnabled returns true if OTA server is currently enabled.
func OTAIsEnabled() bool {
	otaMu.Lock()
	defer otaMu.Unlock()

	if !otaEnabled {
		return false
	}
	if time.Since(otaEnabledAt) > otaTimeout {
		otaEnabled = false
		if otaLogger != nil {
			otaLogger.Info("ota:timeout-expired")
		}
		return false
	}
	return true
}

// OTATimeRemaining returns the time remaining before OTA auto-disables.
func OTATimeRemaining() time.Duration {
	otaMu.Lock()
	defer otaMu.Unlock()

	if !otaEnabled {
		return 0
	}
	remaining := otaTimeout - time.Since(otaEnabledAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// otaServerInit initializes the OTA server (must be called from main).
func otaServerInit(stack *xnet.StackAsync, logger *slog.Logger) {
	otaMu.Lock()
	otaStack = stack
	otaLogger = logger
	otaMu.Unlock()

	go otaServerLoop()
}

// otaServerLoop runs the OTA server loop. Only accepts connections when enabled.
func otaServerLoop() {
	otaMu.Lock()
	stack := otaStack
	logger := otaLogger
	otaServerReady = true
	otaMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota:ready", slog.Int("port", int(otaPort)))

	for {
		for !OTAIsEnabled() {
			time.Sleep(500 * time.Millisecond)
		}

		logger.Info("ota:listening", slog.Int("port", int(otaPort)))

		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		err = stack.ListenTCP(&conn, otaPort)
		if err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 && OTAIsEnabled() {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}

		if !OTAIsEnabled() {
			conn.Abort()
			logger.Info("ota:disabled-while-waiting")
			continue
		}

		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		logger.Info("ota:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
				}
			}()
			handleOTASession(&conn, logger)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")

		OTADisable()
	}
}

// handleOTASession receives a chunked two-record package over the same
// length-prefixed protocol used for raw firmware pushes, feeding every
// chunk into internal/ota.Pipeline instead of writing directly to flash.
// The pipeline itself handles AP/SSM record framing, staging-slot
// placement and CRC verification (§4.5).
func handleOTASession(conn *tcp.Conn, logger *slog.Logger) {
	logger.Warn("ota:pausing-background-tasks")

	telemetry.Pause()
	defer func() {
		telemetry.Resume()
		logger.Warn("ota:resuming-background-tasks")
		telemetry.Flush()
	}()

	if appRegistry == nil {
		logger.Error("ota:no-registry")
		return
	}
	primary, err := appRegistry.GetPrimary()
	if err != nil {
		logger.Error("ota:primary-read-failed", slog.String("err", err.Error()))
		return
	}
	staging := primary.Other()
	pipeline := ota.New(appNand, appRegistry, staging)
	appPipeline = pipeline
	defer func() { appPipeline = nil }()

	var readBuf [128]byte

	n, err := readWithTimeout(conn, readBuf[:], 10*time.Second)
	if err != nil || n < 3 {
		logger.Error("ota:no-init")
		return
	}
	if string(readBuf[:3]) != "OTA" {
		logger.Error("ota:bad-init", slog.String("got", string(readBuf[:n])))
		return
	}

	writeOTA(conn, "READY ")
	writeOTAInt(conn, otaMaxFwSize)
	writeOTA(conn, "\n")
	flushOTA(conn)
	time.Sleep(100 * time.Millisecond)

	logger.Info("ota:ready", slog.Int("max_size", otaMaxFwSize))

	var totalBytes uint32
	hasher := sha256.New()
	chunkNum := 0

	for {
		feedWatchdogIfHealthy()

		if err := readExactly(conn, readBuf[:4], 30*time.Second); err != nil {
			logger.Error("ota:read-timeout", slog.String("err", err.Error()))
			return
		}

		if string(readBuf[:4]) == "DONE" {
			n2, _ := readWithTimeout(conn, readBuf[4:], 2*time.Second)
			fullCmd := string(readBuf[:4+n2])

			expectedHash := ""
			if len(fullCmd) > 5 {
				expectedHash = trimSpace(fullCmd[5:])
			}

			actualHashHex := formatHashHex(hasher.Sum(nil))
			logger.Info("ota:verifying", slog.Int("bytes", int(totalBytes)))
			if expectedHash != "" && expectedHash != actualHashHex {
				logger.Error("ota:hash-mismatch")
				writeOTA(conn, "ERROR hash mismatch\n")
				flushOTA(conn)
				return
			}

			if !pipeline.Done() {
				logger.Error("ota:incomplete-package")
				writeOTA(conn, "ERROR incomplete package\n")
				flushOTA(conn)
				return
			}

			writeOTA(conn, "VERIFIED\n")
			flushOTA(conn)
			logger.Info("ota:complete", slog.Int("bytes", int(totalBytes)), slog.Int("chunks", chunkNum))
			time.Sleep(500 * time.Millisecond)

			if appCore != nil {
				appCore.Post(eventcore.Event{Kind: eventcore.EvFwDownloadComplete, NewSlot: staging})
			}
			return
		}

		chunkLen := binary.LittleEndian.Uint32(readBuf[:4])
		if chunkLen > uint32(len(otaChunk)) {
			logger.Error("ota:chunk-too-large", slog.Int("size", int(chunkLen)))
			writeOTA(conn, "ERROR chunk too large\n")
			flushOTA(conn)
			return
		}
		if totalBytes+chunkLen > otaMaxFwSize {
			logger.Error("ota:firmware-too-large")
			writeOTA(conn, "ERROR firmware too large\n")
			flushOTA(conn)
			return
		}

		if err := readExactly(conn, otaChunk[:chunkLen], 30*time.Second); err != nil {
			logger.Error("ota:chunk-read-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			return
		}
		hasher.Write(otaChunk[:chunkLen])

		feedWatchdogIfHealthy()
		if err := pipeline.Write(otaChunk[:chunkLen]); err != nil {
			logger.Error("ota:pipeline-write-failed", slog.Int("chunk", chunkNum), slog.String("err", err.Error()))
			if appCore != nil {
				appCore.Post(eventcore.Event{Kind: eventcore.EvFwDownloadFail})
			}
			writeOTA(conn, "ERROR ")
			writeOTA(conn, err.Error())
			writeOTA(conn, "\n")
			flushOTA(conn)
			return
		}

		totalBytes += chunkLen
		chunkNum++

		writeOTA(conn, "ACK ")
		writeOTAInt(conn, int(totalBytes))
		writeOTA(conn, "\n")
		flushOTA(conn)

		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 10; i++ {
			runtime.Gosched()
		}
	}
}

func readWithTimeout(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	totalRead := 0

	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return totalRead, io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return totalRead, err
		}
		if n > 0 {
			totalRead += n
			return totalRead, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return totalRead, errors.New("timeout")
}

func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	totalRead := 0
	needed := len(buf)

	for totalRead < needed && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[totalRead:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			totalRead += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if totalRead < needed {
		return errors.New("timeout")
	}
	return nil
}

func writeOTA(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func writeOTAInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func flushOTA(conn *tcp.Conn) {
	conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
}

func formatHashHex(hash []byte) string {
	const hexDigits = "0123456789abcdef"
	result := make([]byte, len(hash)*2)
	for i, b := range hash {
		result[i*2] = hexDigits[b>>4]
		result[i*2+1] = hexDigits[b&0xf]
	}
	return string(result)
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
