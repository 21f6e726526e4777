//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/pumpguard/config"
	"openenterprise/pumpguard/credentials"
	"openenterprise/pumpguard/internal/bootcache"
	"openenterprise/pumpguard/internal/bootloader"
	"openenterprise/pumpguard/internal/eventcore"
	"openenterprise/pumpguard/internal/lifecycle"
	"openenterprise/pumpguard/internal/nand"
	"openenterprise/pumpguard/internal/registry"
	"openenterprise/pumpguard/internal/smprog"
	"openenterprise/pumpguard/internal/spiproto"
	"openenterprise/pumpguard/telemetry"
	"openenterprise/pumpguard/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// Channel for manual refresh requests from console
var refreshChan = make(chan struct{}, 1)

// Debug sleep override duration (0 = use the event core's normal budget)
var debugSleepDuration time.Duration

// Functional watchdog state
var (
	lastSuccessfulRefresh time.Time
	consecutiveFailures   int
	systemHealthy         = true // When false, stop feeding watchdog to trigger reset
)

// NTP tracking
var (
	lastNTPSync   time.Time
	ntpSyncCount  int
	ntpFailCount  int
	ntpTimeOffset time.Duration
	dnsServers    []netip.Addr
)

const maxConsecutiveFailures = 3

// Application singletons, read by console.go for diagnostics.
var (
	appNand     *nand.BlockStore
	appRegistry *registry.Store
	appCore     *eventcore.Core
)

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	rebootDevice()
}

// rebootDevice stops feeding the watchdog so the configured 8-second
// timeout resets the chip; this is the one reset path every recovery
// scenario (fatalError, standby, the console's reboot command) funnels
// through, so a reset always re-runs the full boot sequence including
// bootloader.Select.
func rebootDevice() {
	systemHealthy = false
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog did not fire - looping")
	for {
		time.Sleep(time.Second)
	}
}

// WiFi quality tracking
var wifiStats struct {
	connectTime      time.Time
	lastMQTTSuccess  time.Time
	lastMQTTAttempt  time.Time
	mqttSuccessCount int
	mqttFailCount    int
	reconnectCount   int
}

var bootCache = bootcache.NewCell()

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  pumpguard")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	// Bring up NAND-backed registry and decide which slot to run (§4.2/4.3).
	nandBus := newSpiNandBus(machine.SPI1, pinNandCS)
	appNand = nand.New(nandBus)
	appRegistry = registry.New(appNand)
	snap, err := appRegistry.Load()
	if err == registry.ErrCorrupt {
		// Virgin NAND: no registry has ever been programmed. Format seeds
		// a zero registry so first boot off the manufacturing line doesn't
		// brick here forever.
		println("registry: blank page on first boot, formatting")
		if err = appRegistry.Format(); err != nil {
			fatalError("registry:format-failed - waiting for reset...")
		}
		snap, err = appRegistry.Load()
	}
	if err != nil {
		fatalError("registry:load-failed - waiting for reset...")
	}

	decision, err := bootloader.Select(snap, manufacturingStaging{})
	if err != nil {
		fatalError("bootloader:select-failed - waiting for reset...")
	}
	println("bootloader: primary slot", decision.Slot.String(), "reason", decision.Reason.String())

	smUart := newSmUartMux(pinUartMuxSM)
	smGpio := newSmGPIO(pinSmRST, pinSmTEST)
	smBus := spiproto.NewHwBus(machine.SPI0, pinSmWake, pinSmReady, pinSmCS)
	smClient := spiproto.NewClient(smBus)
	smProg := smprog.New(machine.Serial, smGpio, smUart)
	flasher := &smFlasherAdapter{bs: appNand, prog: smProg, verifier: smClient}

	outcome, err := bootloader.ConsumeHandoff(bootCache, appRegistry, flasher, manufacturingStaging{})
	if err != nil {
		println("bootloader:handoff-failed", err.Error())
	}

	if err := lifecycle.OnBoot(appRegistry, decision.Slot, flasher, uint32(time.Now().Unix())); err != nil {
		println("lifecycle:onboot-failed", err.Error())
	}

	if outcome.EnterStandby {
		println("bootloader: entering standby to let the SM re-flash on the next nominal boot")
		rebootDevice()
		return
	}

	// Setup application logger (debug level for our code). Uses
	// telemetry.SlogHandler to bridge logs to both console and OpenTelemetry.
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Network stack logger: error+4 level to suppress normal WiFi noise.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	initConsole()

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	shortSHA := version.GitSHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	logger.Info("init:complete",
		slog.String("version", version.Version),
		slog.String("sha", shortSHA),
		slog.String("primary_slot", decision.Slot.String()),
	)

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}
	logger.Info("config:broker", slog.String("addr", brokerAddr.String()))

	// Initialize the cellular-substitute link (SPEC_FULL.md DOMAIN STACK:
	// cyw43439/cywnet bring-up stands in for the real cellular-modem dial).
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "pumpguard",
			MaxTCPPorts: 3, // MQTT + debug console + OTA
		},
	)
	if err != nil {
		logger.Error("cellular:setup-failed", slog.String("err", err.Error()))
		fatalError("Cellular link setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	wifiStats.connectTime = time.Now()
	dnsServers = dhcpResults.DNSServers
	stack := cystack.LnetoStack()

	logger.Info("ntp:init", slog.String("server", config.NTPServer()))
	if _, err := syncNTP(stack, dnsServers, logger); err != nil {
		logger.Warn("ntp:init-failed", slog.String("err", err.Error()))
	}

	collectorAddr, err := config.TelemetryCollectorAddr()
	if err != nil {
		logger.Warn("telemetry:config-invalid", slog.String("err", err.Error()))
	} else if err := telemetry.Init(stack, logger, collectorAddr); err != nil {
		logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
	}

	go consoleServer(stack, logger, refreshChan)
	otaServerInit(stack, logger)

	lastSuccessfulRefresh = time.Now()

	mqttSession, err := Connect(stack, brokerAddr, logger)
	if err != nil {
		logger.Error("mqtt:connect-failed", slog.String("err", err.Error()))
	}

	collab := eventcore.Collaborators{
		Cellular:  &cellularLink{stack: cystack},
		SM:        smClient,
		Gps:       &gpsModule{},
		Mqtt:      mqttSession,
		Modem:     &modemStub{},
		SMFlasher: flasher,
		Standby:   &standbyController{},
		Registry:  appRegistry,
	}
	appCore = eventcore.New(collab)
	appCore.Arm(time.Now(), false)
	appCore.Post(eventcore.Event{Kind: eventcore.EvActivateFromSsm})

	go smAttentionLoop(smClient, logger)

	for {
		feedWatchdogIfHealthy()

		telemetry.GenerateTraceID(stack)
		cycleSpanIdx := telemetry.StartSpan(stack, "wake-cycle")

		if appCore.Pending() {
			if _, err := appCore.Step(); err != nil {
				logger.Error("eventcore:step-failed", slog.String("err", err.Error()))
				consecutiveFailures++
				checkSystemHealth(logger)
			} else {
				consecutiveFailures = 0
				lastSuccessfulRefresh = time.Now()
			}
		} else if appCore.Expired(time.Now(), false) {
			logger.Info("eventcore:budget-expired")
			appCore.Post(eventcore.Event{Kind: eventcore.EvNoNewJobs})
		} else {
			telemetry.EndSpan(cycleSpanIdx, true)
			sleepDuration := eventcore.IdlePollInterval
			if debugSleepDuration > 0 {
				sleepDuration = debugSleepDuration
			}
			time.Sleep(sleepDuration)
			continue
		}

		telemetry.EndSpan(cycleSpanIdx, true)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// checkSystemHealth evaluates if the system should be considered healthy.
func checkSystemHealth(logger *slog.Logger) {
	if consecutiveFailures >= maxConsecutiveFailures {
		logger.Error("watchdog:unhealthy",
			slog.String("reason", "max consecutive failures"),
			slog.Int("failures", consecutiveFailures),
		)
		systemHealthy = false
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}

// smAttentionLoop watches the AP<->SM wake line and translates attention
// bits into event-core events (§4.6 attention dispatch, §4.7 invariant on
// EvCheckInDeactivated/EvCheckInActivated/EvInitiateNtpTimeSync). Only
// bits the decode table recognizes are acknowledged back to the SM;
// unrecognized bits are left set for a future poll.
func smAttentionLoop(client *spiproto.Client, logger *slog.Logger) {
	for {
		time.Sleep(200 * time.Millisecond)
		mask, outcome, err := client.GetAttnSrc(nil)
		if err != nil || outcome != spiproto.SuccessfulRequest {
			continue
		}
		if mask == 0 {
			continue
		}
		events, handled := spiproto.DecodeAttention(mask)
		for _, ev := range events {
			appCore.Post(attentionToEvent(ev))
		}
		if handled != 0 {
			if _, err := client.AckAttention(handled, nil); err != nil {
				logger.Warn("spiproto:ack-failed", slog.String("err", err.Error()))
			}
		}
	}
}

func attentionToEvent(ev spiproto.AttentionEvent) eventcore.Event {
	switch ev {
	case spiproto.EventActivateFromSsm:
		return eventcore.Event{Kind: eventcore.EvActivateFromSsm}
	case spiproto.EventInitiateNtpTimeSync:
		return eventcore.Event{Kind: eventcore.EvInitiateNtpTimeSync}
	case spiproto.EventCheckInDeactivated:
		return eventcore.Event{Kind: eventcore.EvCheckInDeactivated}
	case spiproto.EventCheckInActivated:
		return eventcore.Event{Kind: eventcore.EvCheckInActivated}
	default:
		return eventcore.Event{Kind: eventcore.EvSsmUnresponsive}
	}
}

// cellularLink adapts the underlying WiFi stack to eventcore.Cellular; the
// link itself is brought up once in main and never torn down here (§1
// notes the real AT-modem dial sequence is out of scope), so Start and
// Stop do nothing.
type cellularLink struct {
	stack *cywnet.Stack
}

func (c *cellularLink) Start() error { return nil }
func (c *cellularLink) Stop()        {}

// gpsModule is a placeholder: no GPS receiver driver ships in this repo
// (no example in the corpus drives one over a narrow interface shape
// worth imitating), so Enable does nothing and returns nil.
type gpsModule struct{}

func (g *gpsModule) Enable() error { return nil }

// modemStub implements eventcore.Modem; there is no physical cellular
// modem to power off since the link is modeled over WiFi (DOMAIN STACK).
type modemStub struct{}

func (m *modemStub) PowerOff() {}

// NTP fallback servers if primary fails
var ntpFallbackServers = []string{
	"time.cloudflare.com",
	"time.google.com",
	"pool.ntp.org",
}

// syncNTP performs NTP time synchronization, trying the configured server
// first and then a fixed fallback list, with exponential backoff between
// attempts.
func syncNTP(stack *xnet.StackAsync, dnsServers []netip.Addr, logger *slog.Logger) (time.Duration, error) {
	servers := []string{config.NTPServer()}
	for _, fallback := range ntpFallbackServers {
		if fallback != servers[0] {
			servers = append(servers, fallback)
		}
	}

	rstack := stack.StackRetrying(pollTime)
	var lastErr error
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for _, ntpHost := range servers {
		logger.Info("ntp:trying", slog.String("server", ntpHost))
		feedWatchdogIfHealthy()
		time.Sleep(100 * time.Millisecond)

		addrs, err := rstack.DoLookupIP(ntpHost, 5*time.Second, 2)
		if err != nil {
			logger.Warn("ntp:dns-failed", slog.String("server", ntpHost), slog.String("err", err.Error()))
			lastErr = err
			sleepWithWatchdog(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		for i, addr := range addrs {
			feedWatchdogIfHealthy()
			time.Sleep(200 * time.Millisecond)

			offset, err := rstack.DoNTP(addr, 5*time.Second, 3)
			if err != nil {
				logger.Warn("ntp:addr-failed", slog.String("addr", addr.String()), slog.String("err", err.Error()), slog.Int("attempt", i+1))
				lastErr = err
				sleepWithWatchdog(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			runtime.AdjustTimeOffset(int64(offset))
			ntpTimeOffset = offset
			lastNTPSync = time.Now()
			ntpSyncCount++
			logger.Info("ntp:synced", slog.String("server", ntpHost), slog.Duration("offset", offset))
			return offset, nil
		}
	}

	ntpFailCount++
	logger.Error("ntp:all-failed", slog.Int("servers_tried", len(servers)))
	return 0, lastErr
}

// sleepWithWatchdog sleeps for the given duration while keeping the watchdog fed
func sleepWithWatchdog(d time.Duration) {
	for d > 0 {
		chunk := 2 * time.Second
		if d < chunk {
			chunk = d
		}
		time.Sleep(chunk)
		feedWatchdogIfHealthy()
		d -= chunk
	}
}
