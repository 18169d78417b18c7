package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/nanosense/pkg/config"
	"github.com/ericogr/nanosense/pkg/output"
	"github.com/ericogr/nanosense/pkg/poller"
	"github.com/ericogr/nanosense/pkg/sensor"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "nanosense-client"
	perChannelTopicFmt = "nanosense/channel/%d"
	disconnectQuiesce  = 250
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplateValue     = "{{ value_json.value }}"
)

type MQTTOutput struct {
	client     mqtt.Client
	stateTopic string
	log        *slog.Logger
}

// NewMQTT connects to the broker and, when a discovery topic is configured,
// announces one Home Assistant sensor per channel.
func NewMQTT(cfg config.MQTTConfig, channels []sensor.Channel, log *slog.Logger) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newWithClient(client, cfg, channels, log), nil
}

func newWithClient(client mqtt.Client, cfg config.MQTTConfig, channels []sensor.Channel, log *slog.Logger) *MQTTOutput {
	if log == nil {
		log = slog.Default()
	}
	m := &MQTTOutput{client: client, stateTopic: cfg.StateTopic, log: log.With("component", "mqtt")}
	if cfg.DiscoveryTopic == "" {
		return m
	}
	for _, ch := range channels {
		dTopic := formatDiscoveryTopic(cfg.DiscoveryTopic, ch.Index)
		payload := discoveryPayload(cfg, ch, formatStateTopic(cfg.StateTopic, ch.Index))
		if err := publishJSON(client, dTopic, true, payload); err != nil {
			m.log.Warn("mqtt discovery publish error", "channel", ch.Index, "error", err)
		}
	}
	return m
}

func (m *MQTTOutput) Publish(cycle poller.Cycle) error {
	for _, r := range cycle.Readings {
		var ext *poller.Extremes
		if r.Channel < len(cycle.Extremes) {
			ext = &cycle.Extremes[r.Channel]
		}
		if err := publishJSON(m.client, formatStateTopic(m.stateTopic, r.Channel), false, statePayload(cycle.RunID, r, ext)); err != nil {
			return fmt.Errorf("mqtt publish channel %d: %w", r.Channel, err)
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

// helper: format a state topic for a channel; a base without a formatter
// gets the channel appended as a sub-topic
func formatStateTopic(base string, ch int) string {
	if base == "" {
		return fmt.Sprintf(perChannelTopicFmt, ch)
	}
	if strings.Contains(base, "%d") {
		return fmt.Sprintf(base, ch)
	}
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(base, "/"), ch)
}

// helper: per-channel discovery topic. Without a formatter the channel is
// suffixed to the object id of a ".../config" topic, or appended as a
// sub-topic otherwise, so retained payloads never share a topic.
func formatDiscoveryTopic(base string, ch int) string {
	if strings.Contains(base, "%d") {
		return fmt.Sprintf(base, ch)
	}
	if prefix, ok := strings.CutSuffix(base, "/config"); ok {
		return fmt.Sprintf("%s_%d/config", prefix, ch)
	}
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(base, "/"), ch)
}

// helper: build a human-friendly discovery name
func discoveryName(cfg config.MQTTConfig, ch sensor.Channel) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Nanosense %s", cfg.ClientID)
	}
	return fmt.Sprintf("%s %s ch%d", name, ch.Kind, ch.Index)
}

// helper: build a unique id for discovery
func discoveryUniqueID(cfg config.MQTTConfig, ch sensor.Channel) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid == "" {
		return ""
	}
	return fmt.Sprintf("%s_%d", uid, ch.Index)
}

// helper: Home Assistant device class of a channel kind; resistance has none
func deviceClass(k sensor.Kind) string {
	switch k {
	case sensor.KindTemperature, sensor.KindThermistor:
		return "temperature"
	case sensor.KindHumidity:
		return "humidity"
	default:
		return ""
	}
}

func discoveryPayload(cfg config.MQTTConfig, ch sensor.Channel, stateTopic string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                discoveryName(cfg, ch),
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   ch.Kind.Unit(),
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateValue,
		keyJSONAttributesTopic: stateTopic,
	}
	if dc := deviceClass(ch.Kind); dc != "" {
		payload[keyDeviceClass] = dc
	}
	if uid := discoveryUniqueID(cfg, ch); uid != "" {
		payload[keyUniqueID] = uid
	}
	return payload
}

// helper: per-reading state payload; min/max only once a value was seen
func statePayload(runID string, r sensor.Reading, ext *poller.Extremes) map[string]interface{} {
	payload := map[string]interface{}{
		"kind":       r.Kind.String(),
		"value":      r.Value,
		"voltage":    r.Voltage,
		"elapsed_ms": r.ElapsedMs,
		"run_id":     runID,
	}
	if r.Kind == sensor.KindNano {
		payload["tap"] = r.Tap
	}
	if ext != nil && ext.Seen() {
		payload["min"] = ext.Min
		payload["max"] = ext.Max
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
