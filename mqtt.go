//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/pumpguard/config"
	"openenterprise/pumpguard/internal/eventcore"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout    = 10 * time.Second
	mqttRetries    = 3
	tcpBufSize     = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize    = 512
	responseWaitMs = 5000
)

// Cloud topics (§4.7's job dispatch, status publish, and GPS-fix/
// sensor-payload sends all ride this one MQTT session).
var (
	topicJobRequest  = []byte("pumpguard/job/request")
	topicJobResponse = []byte("pumpguard/job/response")
	topicStatus      = []byte("pumpguard/status")
	topicGpsFix      = []byte("pumpguard/gpsfix")
	topicSensorData  = []byte("pumpguard/sensordata")
)

var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
	responseBuf [mqttBufSize]byte
	responseLen int
	gotResponse bool
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Session is a single MQTT connection over the cellular-substitute WiFi
// link (SPEC_FULL.md DOMAIN STACK), implementing internal/eventcore.Mqtt
// so the event core can drive it without knowing about lneto/natiu-mqtt.
type Session struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	logger *slog.Logger
	conn   tcp.Conn
	client mqtt.Client
}

// Connect dials the broker and completes the MQTT CONNECT handshake.
func Connect(stack *xnet.StackAsync, broker netip.AddrPort, logger *slog.Logger) (*Session, error) {
	rstack := stack.StackRetrying(5 * time.Millisecond)
	s := &Session{stack: stack, broker: broker, logger: logger}

	if err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		return nil, err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
		OnPub:   onMQTTMessage,
	}
	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	s.client = mqtt.NewClient(cfg)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("mqtt:dialing", slog.String("broker", broker.String()), slog.String("clientid", string(clientID)))

	if err := rstack.DoDialTCP(&s.conn, lport, broker, mqttTimeout, mqttRetries); err != nil {
		logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
		s.closeConn()
		return nil, err
	}

	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := s.client.StartConnect(&s.conn, &varconn); err != nil {
		logger.Error("mqtt:start-connect-failed", slog.String("err", err.Error()))
		s.closeConn()
		return nil, err
	}

	retries := 50
	for retries > 0 && !s.client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		if err := s.client.HandleNext(); err != nil {
			logger.Warn("mqtt:handle-next", slog.String("err", err.Error()))
		}
		retries--
	}
	if !s.client.IsConnected() {
		logger.Error("mqtt:connect-timeout")
		s.closeConn()
		return nil, errors.New("mqtt connect timeout")
	}

	var varSub = mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: topicJobResponse, QoS: mqtt.QoS0},
		},
	}
	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	varSub.PacketIdentifier = uint16(stack.Prand32())
	if err := s.client.StartSubscribe(varSub); err != nil {
		logger.Error("mqtt:subscribe-failed", slog.String("err", err.Error()))
		s.closeConn()
		return nil, err
	}
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		s.client.HandleNext()
	}

	logger.Info("mqtt:connected")
	return s, nil
}

// PublishStatus implements internal/eventcore.Mqtt.
func (s *Session) PublishStatus() error {
	return s.publish(topicStatus, []byte("status"))
}

// RequestNextJob implements internal/eventcore.Mqtt: publishes a request
// and waits (up to responseWaitMs) for a reply on topicJobResponse.
func (s *Session) RequestNextJob() error {
	gotResponse = false
	responseLen = 0
	if err := s.publish(topicJobRequest, []byte("next")); err != nil {
		return err
	}
	waited := 0
	for !gotResponse && waited < responseWaitMs {
		time.Sleep(100 * time.Millisecond)
		s.conn.SetDeadline(time.Now().Add(2 * time.Second))
		s.client.HandleNext()
		waited += 100
	}
	if !gotResponse {
		return errors.New("mqtt: no job response")
	}
	return nil
}

// SendGpsFix implements internal/eventcore.Mqtt.
func (s *Session) SendGpsFix(fix eventcore.GpsFix) error {
	payload := encodeGpsFix(fix)
	return s.publish(topicGpsFix, payload)
}

// SendSensorPayload implements internal/eventcore.Mqtt.
func (s *Session) SendSensorPayload(payload []byte) error {
	return s.publish(topicSensorData, payload)
}

// Disconnect implements internal/eventcore.Mqtt.
func (s *Session) Disconnect() {
	s.client.Disconnect(errors.New("session complete"))
	s.closeConn()
}

func (s *Session) publish(topic, payload []byte) error {
	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topic,
		PacketIdentifier: uint16(s.stack.Prand32()),
	}
	if err := s.client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		s.logger.Error("mqtt:publish-failed", slog.String("topic", string(topic)), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (s *Session) closeConn() {
	s.conn.Close()
	for i := 0; i < 50 && !s.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	s.conn.Abort()
	s.stack.DiscardResolveHardwareAddress6(s.broker.Addr())
}

func onMQTTMessage(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytesEqual(varPub.TopicName, topicJobResponse) {
		return nil
	}
	n, err := r.Read(responseBuf[:])
	if err != nil && err != io.EOF {
		return err
	}
	responseLen = n
	gotResponse = true
	if appCore != nil {
		appCore.Post(parseJobResponse(responseBuf[:n]))
	}
	return nil
}

func encodeGpsFix(fix eventcore.GpsFix) []byte {
	// "lat,lon" ASCII, matching the allocation-light text encodings used
	// elsewhere on this link; GPS fixes are sent a few times a day at
	// most so this is not a hot path.
	buf := make([]byte, 0, 48)
	buf = appendFloat(buf, fix.Latitude)
	buf = append(buf, ',')
	buf = appendFloat(buf, fix.Longitude)
	return buf
}

func appendFloat(buf []byte, f float64) []byte {
	neg := f < 0
	if neg {
		f = -f
		buf = append(buf, '-')
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1e6)
	buf = appendInt(buf, whole)
	buf = append(buf, '.')
	buf = appendInt(buf, frac)
	return buf
}

func appendInt(buf []byte, v int64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
