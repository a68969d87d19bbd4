package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"i4.energy/across/lorae5/modem"
)

// Bridge connects the gateway to an MQTT broker. Module events are
// published under the configured topic prefix and uplink requests are taken
// from <prefix>/uplink.
type Bridge struct {
	logger  *slog.Logger
	gateway *Gateway
	topic   string
	client  mqtt.Client

	// ctx bounds uplinks started from subscriptions; set by Run
	ctx context.Context
}

type joinMessage struct {
	Joined bool `json:"joined"`
}

type downlinkMessage struct {
	Port    int     `json:"port"`
	RSSI    int     `json:"rssi"`
	SNR     float64 `json:"snr"`
	Payload string  `json:"payload"`
}

type confirmMessage struct {
	RSSI int     `json:"rssi"`
	SNR  float64 `json:"snr"`
}

type uplinkResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func NewBridge(config *Config, gateway *Gateway, logger *slog.Logger) *Bridge {
	b := &Bridge{
		logger:  logger,
		gateway: gateway,
		topic:   config.MQTTTopic,
		ctx:     context.Background(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := b.topicFor("uplink")
		logger.Info("MQTT connected", "subscribe", topic)
		if token := c.Subscribe(topic, 1, b.handleUplink); token.Wait() && token.Error() != nil {
			logger.Error("MQTT subscribe failed", "topic", topic, "error", token.Error())
		}
	})

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *Bridge) topicFor(event string) string {
	return b.topic + "/" + event
}

// Run connects to the broker and stays connected until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx

	token := b.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	b.client.Disconnect(500)
	return nil
}

// handleUplink serves one request from <prefix>/uplink. The outcome is
// published to <prefix>/uplink/result.
func (b *Bridge) handleUplink(_ mqtt.Client, msg mqtt.Message) {
	result := b.uplink(msg.Payload())
	b.publish(b.topicFor("uplink/result"), result)
}

func (b *Bridge) uplink(payload []byte) uplinkResult {
	var req UplinkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("MQTT bad uplink payload", "error", err)
		return uplinkResult{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(b.ctx, time.Minute)
	defer cancel()
	if err := b.gateway.Uplink(ctx, req); err != nil {
		b.logger.Warn("MQTT uplink failed", "port", req.Port, "error", err)
		return uplinkResult{Error: err.Error()}
	}
	return uplinkResult{OK: true}
}

// PublishJoin, PublishDownlink and PublishConfirm run on the modem loop, so
// they never wait for the broker.
func (b *Bridge) PublishJoin(joined bool) {
	b.publish(b.topicFor("join"), joinMessage{Joined: joined})
}

func (b *Bridge) PublishDownlink(dl modem.Downlink) {
	b.publish(b.topicFor("downlink"), downlinkMessage{
		Port:    dl.Port,
		RSSI:    dl.RSSI,
		SNR:     dl.SNR,
		Payload: dl.Payload,
	})
}

func (b *Bridge) PublishConfirm(c modem.Confirmation) {
	b.publish(b.topicFor("confirm"), confirmMessage{RSSI: c.RSSI, SNR: c.SNR})
}

func (b *Bridge) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("MQTT encode failed", "topic", topic, "error", err)
		return
	}
	if !b.client.IsConnectionOpen() {
		b.logger.Debug("MQTT not connected, dropping message", "topic", topic)
		return
	}
	token := b.client.Publish(topic, 1, false, data)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT publish failed", "topic", topic, "error", token.Error())
		}
	}()
}
