// Package mqtt publishes retained fan controller status to an MQTT broker:
// one topic per zone, one per device, and an online/offline status topic
// backed by a last will.
package mqtt

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	statusQoS                = 1
)

type Publisher struct {
	client   pahomqtt.Client
	prefix   string
	clientID string
	now      func() time.Time
}

type ZonePayload struct {
	Zone      int      `json:"zone"`
	Speed     int      `json:"speed"`
	Drivers   []string `json:"drivers"`
	Failsafe  bool     `json:"failsafe"`
	Timestamp string   `json:"timestamp"`
}

type DevicePayload struct {
	Device    string   `json:"device"`
	Celsius   *float64 `json:"celsius"`
	Source    string   `json:"source,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp string   `json:"timestamp"`
}

type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Connect dials broker (e.g. tcp://localhost:1883) and announces the
// controller online under prefix/status.
func Connect(broker, prefix string) (*Publisher, error) {
	host, _ := os.Hostname()
	p := &Publisher{
		prefix:   prefix,
		clientID: fmt.Sprintf("fan-controller-%s-%d", host, os.Getpid()),
		now:      time.Now,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(p.clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetWill(p.StatusTopic(), p.statusJSON("offline", "unexpected_disconnect"), statusQoS, true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		if err := p.publish(p.StatusTopic(), []byte(p.statusJSON("online", ""))); err != nil {
			log.Warn().Err(err).Msg("Could not publish MQTT online status")
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	log.Info().Str("broker", broker).Str("prefix", prefix).Msg("MQTT status publishing enabled")
	return p, nil
}

func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

func (p *Publisher) ZoneTopic(z model.Zone) string {
	return fmt.Sprintf("%s/zone/%d", p.prefix, int(z))
}

func (p *Publisher) DeviceTopic(id model.DeviceID) string {
	return fmt.Sprintf("%s/device/%s", p.prefix, id)
}

func (p *Publisher) PublishZone(z model.Zone, speed int, drivers []model.DeviceID, failsafe bool) error {
	payload, err := json.Marshal(p.zonePayload(z, speed, drivers, failsafe))
	if err != nil {
		return err
	}
	return p.publish(p.ZoneTopic(z), payload)
}

func (p *Publisher) PublishReading(r model.Reading) error {
	payload, err := json.Marshal(p.devicePayload(r))
	if err != nil {
		return err
	}
	return p.publish(p.DeviceTopic(r.Device), payload)
}

// Close publishes a graceful offline status and disconnects.
func (p *Publisher) Close() {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	if err := p.publish(p.StatusTopic(), []byte(p.statusJSON("offline", "graceful_shutdown"))); err != nil {
		log.Warn().Err(err).Msg("Could not publish MQTT offline status")
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, statusQoS, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (p *Publisher) zonePayload(z model.Zone, speed int, drivers []model.DeviceID, failsafe bool) ZonePayload {
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = string(d)
	}
	return ZonePayload{
		Zone:      int(z),
		Speed:     speed,
		Drivers:   ids,
		Failsafe:  failsafe,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	}
}

func (p *Publisher) devicePayload(r model.Reading) DevicePayload {
	out := DevicePayload{
		Device:    string(r.Device),
		Source:    r.Source,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
	}
	if r.OK() {
		c := r.Celsius
		out.Celsius = &c
	} else {
		out.Error = r.Err.Error()
	}
	return out
}

func (p *Publisher) statusJSON(status, reason string) string {
	b, _ := json.Marshal(statusPayload{
		Status:    status,
		ClientID:  p.clientID,
		Reason:    reason,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	})
	return string(b)
}
