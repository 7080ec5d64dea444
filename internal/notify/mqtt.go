package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"device-simulator/internal/config"
	"device-simulator/internal/model"
	"device-simulator/internal/utils"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesce        = 250 // milliseconds
)

// StatePayload is the retained JSON body published per variable.
type StatePayload struct {
	Device    string `json:"device"`
	Port      int    `json:"port"`
	Variable  string `json:"variable"`
	Value     string `json:"value"`
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StateTopic returns "<prefix>/state/<device>/<variable>". MQTT wildcard and
// separator characters inside names are replaced with '_'.
func StateTopic(prefix, device, variable string) string {
	return strings.Join([]string{strings.TrimSuffix(prefix, "/"), "state", topicLevel(device), topicLevel(variable)}, "/")
}

// StatusTopic is where the publisher announces online/offline.
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/status"
}

func topicLevel(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, s)
}

// Payload encodes c as a StatePayload.
func Payload(c model.StateChange) ([]byte, error) {
	return json.Marshal(StatePayload{
		Device:    c.Device,
		Port:      c.Port,
		Variable:  c.Variable,
		Value:     c.Value,
		Source:    c.Source,
		SessionID: c.SessionID,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// MQTTPublisher publishes retained state topics.
type MQTTPublisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	last   *utils.ValueCache
}

func buildMQTTOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), `{"status":"offline"}`, 1, true)
	return opts
}

// ConnectMQTT connects to cfg.Broker and announces the simulator as online.
func ConnectMQTT(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	client := pahomqtt.NewClient(buildMQTTOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: mqtt timeout after %v", ErrConnectionFailed, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: mqtt: %w", ErrConnectionFailed, err)
	}

	p := &MQTTPublisher{
		client: client,
		prefix: cfg.TopicPrefix,
		qos:    byte(cfg.QoS),
		last:   utils.NewValueCache(time.Hour),
	}
	if err := p.publish(context.Background(), StatusTopic(p.prefix), []byte(`{"status":"online"}`)); err != nil {
		client.Disconnect(mqttQuiesce)
		return nil, err
	}
	return p, nil
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Notify publishes c as a retained message on its state topic. A value equal
// to the one retained within the last hour is not republished.
func (p *MQTTPublisher) Notify(ctx context.Context, c model.StateChange) error {
	topic := StateTopic(p.prefix, c.Device, c.Variable)
	if !p.last.Changed(topic, c.Value) {
		return nil
	}
	payload, err := Payload(c)
	if err != nil {
		p.last.Forget(topic)
		return err
	}
	if err := p.publish(ctx, topic, payload); err != nil {
		p.last.Forget(topic)
		return err
	}
	return nil
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.qos, true, payload)
	timeout := mqttPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout after %v", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close publishes the offline status and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnectionOpen() {
		token := p.client.Publish(StatusTopic(p.prefix), p.qos, true, []byte(`{"status":"offline"}`))
		token.WaitTimeout(mqttPublishTimeout)
	}
	p.client.Disconnect(mqttQuiesce)
	return nil
}
