package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestPublisher() *Publisher {
	return &Publisher{prefix: "rack1/fans", clientID: "test", now: func() time.Time { return fixedNow }}
}

func TestTopics(t *testing.T) {
	p := newTestPublisher()
	assert.Equal(t, "rack1/fans/status", p.StatusTopic())
	assert.Equal(t, "rack1/fans/zone/1", p.ZoneTopic(1))
	assert.Equal(t, "rack1/fans/device/gpu0", p.DeviceTopic("gpu0"))
}

func TestZonePayload(t *testing.T) {
	p := newTestPublisher()
	b, err := json.Marshal(p.zonePayload(0, 70, []model.DeviceID{"cpu0", "gpu1"}, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"zone":0,"speed":70,"drivers":["cpu0","gpu1"],"failsafe":false,"timestamp":"2026-05-04T10:30:00Z"}`, string(b))

	b, err = json.Marshal(p.zonePayload(1, 100, nil, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"zone":1,"speed":100,"drivers":[],"failsafe":true,"timestamp":"2026-05-04T10:30:00Z"}`, string(b))
}

func TestDevicePayload(t *testing.T) {
	p := newTestPublisher()

	b, err := json.Marshal(p.devicePayload(model.Reading{Device: "hdd0", Celsius: 38.5, Source: "smartctl", Timestamp: fixedNow}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"hdd0","celsius":38.5,"source":"smartctl","timestamp":"2026-05-04T10:30:00Z"}`, string(b))

	b, err = json.Marshal(p.devicePayload(model.Reading{Device: "hdd1", Err: errors.New("no reading"), Timestamp: fixedNow}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"hdd1","celsius":null,"error":"no reading","timestamp":"2026-05-04T10:30:00Z"}`, string(b))
}

func TestStatusJSON(t *testing.T) {
	p := newTestPublisher()
	assert.JSONEq(t, `{"status":"offline","client_id":"test","reason":"unexpected_disconnect","timestamp":"2026-05-04T10:30:00Z"}`,
		p.statusJSON("offline", "unexpected_disconnect"))
}

func TestPublishWithoutConnection(t *testing.T) {
	p := newTestPublisher()
	assert.ErrorIs(t, p.PublishZone(0, 50, nil, false), ErrNotConnected)
	assert.ErrorIs(t, p.PublishReading(model.Reading{Device: "cpu0"}), ErrNotConnected)
	p.Close()
}
