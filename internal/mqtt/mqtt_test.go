package mqtt

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akulagin/lsrd/internal/config"
)

func TestTopic(t *testing.T) {
	p := &HAPublisher{cfg: config.MQTTConfig{TopicPrefix: "lsr", DeviceID: "lsr_account_01"}}

	assert.Equal(t, "lsr/lsr_account_01/status", p.topic("status"))
	assert.Equal(t, "lsr/lsr_account_01/lsr_acc_1/state", p.topic("lsr_acc_1/state"))
}

func TestDiscoveryTopic(t *testing.T) {
	assert.Equal(t, "homeassistant/sensor/lsr_acc_1_meter_111_value/config", discoveryTopic("sensor", "lsr_acc_1_meter_111_value"))
	assert.Equal(t, "homeassistant/button/lsr_account_01_refresh/config", discoveryTopic("button", "lsr_account_01_refresh"))
}

func TestMeterUnit(t *testing.T) {
	assert.Equal(t, "м³", meterUnit("ColdWater"))
	assert.Equal(t, "м³", meterUnit("HotWater"))
	assert.Equal(t, "Гкал", meterUnit("Heating"))
	assert.Empty(t, meterUnit("Electricity"))
	assert.Empty(t, meterUnit(""))
}

func TestStubPublisher(t *testing.T) {
	s := NewStubPublisher(slog.New(slog.DiscardHandler))
	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
