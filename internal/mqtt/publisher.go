// Package mqtt mirrors gateway events to an MQTT broker and accepts relay
// commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/events"
	"relay-gateway/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Client is the subset of the paho client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// CommandFunc runs a command line received from the broker.
type CommandFunc func(line string)

// Publisher is an events.Sink. Topics live under <prefix>/<device-id>:
// state (retained ON/OFF), event (JSON per event), status (online/offline,
// with a last will) and set (inbound ON/OFF or a raw AT line).
type Publisher struct {
	client    Client
	base      string
	onCommand CommandFunc
}

// Connect dials the broker from cfg. onCommand may be nil to ignore inbound commands.
func Connect(cfg config.MQTTConfig, deviceID string, onCommand CommandFunc) (*Publisher, error) {
	p := &Publisher{base: cfg.TopicPrefix + "/" + deviceID, onCommand: onCommand}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("relaygw-" + deviceID)
	opts.SetAutoReconnect(true)
	opts.SetWill(p.StatusTopic(), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT: Connected to %s", cfg.Broker)
		p.online()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT: Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	p.client = client
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		logger.Warn("MQTT: Connection to %s still pending.", cfg.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connection failed: %w", err)
	}
	return p, nil
}

func newPublisher(client Client, base string, onCommand CommandFunc) *Publisher {
	return &Publisher{client: client, base: base, onCommand: onCommand}
}

func (p *Publisher) StateTopic() string { return p.base + "/state" }
func (p *Publisher) EventTopic() string { return p.base + "/event" }
func (p *Publisher) StatusTopic() string { return p.base + "/status" }
func (p *Publisher) CommandTopic() string { return p.base + "/set" }

// online announces availability and subscribes to the command topic.
func (p *Publisher) online() {
	p.send(p.StatusTopic(), 1, true, "online")
	token := p.client.Subscribe(p.CommandTopic(), 1, p.handleCommand)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			logger.Error("MQTT: Subscribe to %s failed: %v", p.CommandTopic(), token.Error())
		}
	}()
}

func (p *Publisher) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	line, ok := commandLine(string(msg.Payload()))
	if !ok {
		logger.Warn("MQTT: Ignoring command payload %q on %s", msg.Payload(), msg.Topic())
		return
	}
	if p.onCommand == nil {
		return
	}
	logger.Info("MQTT: Command '%s' received.", strings.TrimSpace(line))
	p.onCommand(line)
}

// commandLine maps an inbound payload to a gateway command line.
func commandLine(payload string) (string, bool) {
	switch s := strings.ToUpper(strings.TrimSpace(payload)); {
	case s == "ON" || s == "1":
		return "ATON\n", true
	case s == "OFF" || s == "0":
		return "ATOFF\n", true
	case strings.HasPrefix(s, "AT"):
		return strings.TrimSpace(payload) + "\n", true
	default:
		return "", false
	}
}

// Publish mirrors ev to the broker. It does not wait for delivery.
func (p *Publisher) Publish(_ context.Context, ev events.Event) {
	if !p.client.IsConnected() {
		return
	}
	if payload, err := json.Marshal(ev); err == nil {
		p.send(p.EventTopic(), 0, false, payload)
	}
	if st, ok := relayState(ev); ok {
		p.send(p.StateTopic(), 1, true, st)
	}
}

// relayState derives the relay state from a successful switch, state query or
// timer firing.
func relayState(ev events.Event) (string, bool) {
	if ev.Error != "" || strings.HasPrefix(ev.Response, "ERROR") {
		return "", false
	}
	if ev.Kind != events.CommandHandled && ev.Kind != events.TimerFired {
		return "", false
	}
	switch ev.Command {
	case "ATON":
		return "ON", true
	case "ATOFF":
		return "OFF", true
	case "ATSTATE":
		switch strings.TrimSpace(ev.Response) {
		case "1":
			return "ON", true
		case "0":
			return "OFF", true
		}
	}
	return "", false
}

func (p *Publisher) send(topic string, qos byte, retained bool, payload interface{}) {
	token := p.client.Publish(topic, qos, retained, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			logger.Warn("MQTT: Publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// Close announces the gateway offline and disconnects.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		token := p.client.Publish(p.StatusTopic(), 1, true, "offline")
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(250)
	logger.Info("MQTT: Disconnected from broker.")
}
