package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zerynth/lib-quectel-bg96/modem"
)

const mqttSendTimeout = 90 * time.Second

// MQTTBridge connects the gateway to a broker: modem events go out on
// the event topic, send requests come in on the send topic.
type MQTTBridge struct {
	Logger *slog.Logger
	Modem  *modem.Modem
	Events *EventHub
	Config MQTTConfig
}

// Run connects to the broker and bridges traffic until the context
// ends.
func (b *MQTTBridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.Config.Broker).
		SetClientID(b.Config.ClientID).
		SetUsername(b.Config.Username).
		SetPassword(b.Config.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	if token := client.Subscribe(b.Config.SendTopic, 1, b.handleSend); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", b.Config.SendTopic, token.Error())
	}
	b.Logger.Info("MQTT bridge connected", "broker", b.Config.Broker, "send_topic", b.Config.SendTopic)

	events := b.Events.Subscribe()
	defer b.Events.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-events:
			b.publishEvent(client, line)
		}
	}
}

// handleSend processes a {to,message} request from the send topic.
func (b *MQTTBridge) handleSend(_ mqtt.Client, msg mqtt.Message) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		b.Logger.Error("Malformed MQTT send request", "error", err)
		return
	}
	if req.To == "" || req.Message == "" {
		b.Logger.Error("MQTT send request missing 'to' or 'message'")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mqttSendTimeout)
	defer cancel()

	mr, err := b.Modem.SendSMS(ctx, req.To, req.Message)
	if err != nil {
		b.Logger.Error("Failed to send SMS from MQTT", "error", err, "to", req.To)
		return
	}
	b.Logger.Info("SMS sent from MQTT", "to", req.To, "message_reference", mr)
}

func (b *MQTTBridge) publishEvent(client mqtt.Client, line string) {
	event := struct {
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}{
		Type:    eventType(line),
		Payload: line,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	client.Publish(b.Config.EventTopic, 0, false, payload)
}

// eventType extracts the URC name, "+CMTI: ..." becomes "+CMTI".
func eventType(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}
