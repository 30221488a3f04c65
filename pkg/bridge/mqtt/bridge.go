// Package mqtt mirrors INDI vectors onto an MQTT broker and forwards value
// changes published on .../set topics back to the devices.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"indi/pkg/config"
	"indi/pkg/indi"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// CreateClient connects to the broker described by cfg. The client id gets a
// random suffix so several instances can share a broker, and the status topic
// is set as the last will.
func CreateClient(cfg config.MQTTConfig) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8])
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(cfg.TopicRoot+"/status", statusOffline, byte(cfg.QoS), true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Bridge publishes every vector update of an INDI client as retained JSON on
// <root>/<device>/<vector> and applies {"member": value} payloads received on
// <root>/<device>/<vector>/set.
type Bridge struct {
	client paho.Client
	indi   *indi.Client
	root   string
	qos    byte
	active atomic.Bool
	logger log.FieldLogger
}

// New creates the bridge and subscribes it to the INDI client events. Nothing
// is published until Run is called.
func New(client paho.Client, indiClient *indi.Client, cfg config.MQTTConfig, logger log.FieldLogger) *Bridge {
	b := &Bridge{
		client: client,
		indi:   indiClient,
		root:   strings.TrimSuffix(cfg.TopicRoot, "/"),
		qos:    byte(cfg.QoS),
		logger: logger.WithField("component", "mqtt"),
	}

	indiClient.OnTextVector(func(v *indi.TextVector, _ string) { b.publishVector(v.Device(), v.Name(), v.Snapshot()) })
	indiClient.OnNumberVector(func(v *indi.NumberVector, _ string) { b.publishVector(v.Device(), v.Name(), v.Snapshot()) })
	indiClient.OnSwitchVector(func(v *indi.SwitchVector, _ string) { b.publishVector(v.Device(), v.Name(), v.Snapshot()) })
	indiClient.OnBlobVector(func(v *indi.BlobVector, _ string) { b.publishVector(v.Device(), v.Name(), v.Snapshot()) })
	indiClient.OnPropertyDeleted(b.clearVector)
	indiClient.OnMessage(b.publishMessage)

	return b
}

// Run subscribes to the set topics and publishes the online status. When the
// context is cancelled, it unsubscribes and publishes the offline status.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	setTopic := b.root + "/+/+/set"
	if token := b.client.Subscribe(setTopic, b.qos, b.setHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", setTopic, token.Error())
	}
	defer b.client.Unsubscribe(setTopic)

	b.active.Store(true)
	b.publish(b.root+"/status", true, []byte(statusOnline))
	b.logger.Infof("Bridging INDI devices under %s", b.root)

	<-ctx.Done()

	b.publish(b.root+"/status", true, []byte(statusOffline))
	b.active.Store(false)
	b.logger.Info("MQTT bridge stopped")
	return nil
}

func (b *Bridge) publish(topic string, retained bool, payload []byte) {
	token := b.client.Publish(topic, b.qos, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.logger.Warnf("Failed to publish %s: %v", topic, token.Error())
		}
	}()
}

func (b *Bridge) vectorTopic(device, vector string) string {
	return b.root + "/" + topicSegment(device) + "/" + topicSegment(vector)
}

func (b *Bridge) publishVector(device, vector string, snap indi.VectorSnapshot) {
	if !b.active.Load() {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		b.logger.Errorf("Failed to encode %s.%s: %v", device, vector, err)
		return
	}
	b.publish(b.vectorTopic(device, vector), true, payload)
}

// clearVector removes the retained message of a deleted vector.
func (b *Bridge) clearVector(name, device string) {
	if !b.active.Load() || device == "" {
		return
	}
	b.publish(b.vectorTopic(device, name), true, []byte{})
}

func (b *Bridge) publishMessage(msg indi.Message) {
	if !b.active.Load() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	topic := b.root + "/message"
	if msg.Device != "" {
		topic = b.root + "/" + topicSegment(msg.Device) + "/message"
	}
	b.publish(topic, false, payload)
}

func (b *Bridge) setHandler(_ paho.Client, msg paho.Message) {
	device, vector, ok := b.parseSetTopic(msg.Topic())
	if !ok {
		b.logger.Debugf("Ignoring message on %s", msg.Topic())
		return
	}

	var values map[string]any
	if err := json.Unmarshal(msg.Payload(), &values); err != nil {
		b.logger.Warnf("Invalid payload on %s: %v", msg.Topic(), err)
		return
	}

	if err := b.apply(device, vector, values); err != nil {
		b.logger.WithFields(log.Fields{
			"device": device,
			"vector": vector,
		}).Warnf("Failed to apply set request: %v", err)
	}
}

// parseSetTopic maps <root>/<device>/<vector>/set back to the real names.
func (b *Bridge) parseSetTopic(topic string) (string, string, bool) {
	rest, ok := strings.CutPrefix(topic, b.root+"/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return "", "", false
	}

	for _, dev := range b.indi.Devices() {
		if topicSegment(dev.Name()) == parts[0] {
			return dev.Name(), b.vectorName(dev, parts[1]), true
		}
	}
	return "", "", false
}

func (b *Bridge) vectorName(dev *indi.Device, segment string) string {
	for _, name := range vectorNames(dev) {
		if topicSegment(name) == segment {
			return name
		}
	}
	return segment
}

// apply sends values to the device as a single command, typed by the kind
// of the addressed vector. Nothing is sent if any member is invalid.
func (b *Bridge) apply(device, vector string, values map[string]any) error {
	dev, ok := b.indi.GetDevice(device)
	if !ok {
		return fmt.Errorf("%w: %s", indi.ErrDeviceNotFound, device)
	}

	switch {
	case hasText(dev, vector):
		texts := make(map[string]string, len(values))
		for member, raw := range values {
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("member %s: expected a string", member)
			}
			texts[member] = s
		}
		return dev.SetTexts(vector, texts)
	case hasNumber(dev, vector):
		numbers := make(map[string]float64, len(values))
		for member, raw := range values {
			f, ok := raw.(float64)
			if !ok {
				return fmt.Errorf("member %s: expected a number", member)
			}
			numbers[member] = f
		}
		return dev.SetNumbers(vector, numbers)
	case hasSwitch(dev, vector):
		switches := make(map[string]bool, len(values))
		for member, raw := range values {
			on, ok := switchValue(raw)
			if !ok {
				return fmt.Errorf("member %s: expected true, false, \"On\" or \"Off\"", member)
			}
			switches[member] = on
		}
		return dev.SetSwitches(vector, switches)
	default:
		return fmt.Errorf("%w: %s", indi.ErrVectorNotFound, vector)
	}
}

func switchValue(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "On":
			return true, true
		case "Off":
			return false, true
		}
	}
	return false, false
}

func hasText(dev *indi.Device, name string) bool {
	_, ok := dev.TextVector(name)
	return ok
}

func hasNumber(dev *indi.Device, name string) bool {
	_, ok := dev.NumberVector(name)
	return ok
}

func hasSwitch(dev *indi.Device, name string) bool {
	_, ok := dev.SwitchVector(name)
	return ok
}

func vectorNames(dev *indi.Device) []string {
	var names []string
	for _, v := range dev.TextVectors() {
		names = append(names, v.Name())
	}
	for _, v := range dev.NumberVectors() {
		names = append(names, v.Name())
	}
	for _, v := range dev.SwitchVectors() {
		names = append(names, v.Name())
	}
	for _, v := range dev.BlobVectors() {
		names = append(names, v.Name())
	}
	return names
}

// topicSegment replaces the characters MQTT reserves in topic levels.
func topicSegment(name string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(name)
}
