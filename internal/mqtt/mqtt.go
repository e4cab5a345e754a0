// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher
// (no-op) and a full HAPublisher that connects to an MQTT broker, publishes
// HA auto-discovery configs for every account, meter and camera in the
// snapshot, relays refresh commands to the coordinator, and forwards state
// updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/akulagin/lsrd/internal/config"
	"github.com/akulagin/lsrd/internal/core/model"
	"github.com/akulagin/lsrd/internal/core/reconcile"
	"github.com/akulagin/lsrd/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Refresher – abstraction over the coordinator's forced refresh
// ---------------------------------------------------------------------------

// Refresher triggers a coalesced refresh without importing the coordinator
// package directly.
type Refresher interface {
	ForceRefresh(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs for the
// entity graph, subscribes to the refresh command topic, and forwards
// snapshot and availability updates from the EventBus.
type HAPublisher struct {
	cfg     config.MQTTConfig
	refresh Refresher
	store   state.SnapshotReader
	bus     *state.EventBus
	log     *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg config.MQTTConfig, refresh Refresher, store state.SnapshotReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:     cfg,
		refresh: refresh,
		store:   store,
		bus:     bus,
		log:     log,
		stopC:   make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs for the
// current snapshot, subscribes to the refresh command topic, and starts
// listening on the EventBus.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("lsrd-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus; the channel stays open but stops
	// receiving, the event loop exits via stopC.
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publishAvailability()

	// 2. Publish discovery + state for whatever snapshot we already have.
	if snap, ok := p.store.Snapshot(); ok {
		p.publishDiscovery(&snap)
		p.publishSnapshotState(&snap)
	}

	// 3. Subscribe to the refresh command topic.
	p.client.Subscribe(p.topic("refresh/set"), 1, p.handleRefreshCmd)

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			if snap, ok := p.store.Snapshot(); ok {
				p.publishDiscovery(&snap)
				p.publishSnapshotState(&snap)
			}
		}
	})
}

// publishAvailability maps the pipeline health onto the availability topic:
// a degraded pipeline marks every entity unavailable while the retained
// state topics keep the last good values.
func (p *HAPublisher) publishAvailability() {
	payload := "online"
	if !p.store.Status().Available {
		payload = "offline"
	}
	p.publish(p.topic("status"), payload, true)
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block for one account.
func (p *HAPublisher) deviceInfo(acc *model.Account) map[string]any {
	return map[string]any{
		"identifiers":  []string{model.AccountKey(acc.ID)},
		"name":         fmt.Sprintf("Счет ID %s", acc.ID),
		"manufacturer": "ЛСР",
		"model":        "Communal Account",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/config", component, objectID)
}

func (p *HAPublisher) publishDiscovery(snap *model.Snapshot) {
	for i := range snap.Accounts {
		acc := &snap.Accounts[i]
		p.publishAccountDiscovery(acc)
		for j := range acc.Meters {
			p.publishMeterDiscovery(acc, &acc.Meters[j])
		}
		for j := range acc.Cameras {
			p.publishCameraDiscovery(acc, &acc.Cameras[j])
		}
	}
	p.publishButtonDiscovery(snap)
}

func (p *HAPublisher) publishAccountDiscovery(acc *model.Account) {
	dev := p.deviceInfo(acc)
	avail := map[string]any{"topic": p.topic("status")}
	key := model.AccountKey(acc.ID)
	stateTopic := p.topic(key + "/state")

	sensors := []struct {
		objectID   string
		name       string
		template   string
		icon       string
		stateClass string
	}{
		{"account_address", "Адрес", "{{ value_json.address }}", "mdi:home", ""},
		{"payment_status", "Статус оплаты", "{{ value_json.payment_text }}", "mdi:cash", ""},
		{"notification_count", "Количество уведомлений", "{{ value_json.notification_count }}", "mdi:bell", "measurement"},
		{"camera_count", "Количество камер", "{{ value_json.camera_count }}", "mdi:camera", "measurement"},
		{"meter_count", "Количество счётчиков", "{{ value_json.meter_count }}", "mdi:counter", "measurement"},
		{"request_count", "Количество заявок", "{{ value_json.request_count }}", "mdi:clipboard-list", "measurement"},
	}

	for _, s := range sensors {
		cfg := map[string]any{
			"name":           s.name,
			"unique_id":      fmt.Sprintf("%s_%s", key, s.objectID),
			"state_topic":    stateTopic,
			"value_template": s.template,
			"icon":           s.icon,
			"device":         dev,
			"availability":   avail,
		}
		if s.stateClass != "" {
			cfg["state_class"] = s.stateClass
		}
		p.publishDiscoveryConfig("sensor", fmt.Sprintf("%s_%s", key, s.objectID), cfg)
	}
}

func (p *HAPublisher) publishMeterDiscovery(acc *model.Account, m *model.Meter) {
	dev := p.deviceInfo(acc)
	avail := map[string]any{"topic": p.topic("status")}
	key := model.MeterKey(acc.ID, m.Number)
	stateTopic := p.topic(key + "/state")

	valueCfg := map[string]any{
		"name":           fmt.Sprintf("Счётчик %s показания", m.TypeTitle),
		"unique_id":      key + "_value",
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.value }}",
		"icon":           "mdi:gauge",
		"state_class":    "measurement",
		"device":         dev,
		"availability":   avail,
	}
	if unit := meterUnit(m.TypeID); unit != "" {
		valueCfg["unit_of_measurement"] = unit
	}
	p.publishDiscoveryConfig("sensor", key+"_value", valueCfg)

	p.publishDiscoveryConfig("sensor", key+"_title", map[string]any{
		"name":           fmt.Sprintf("Счётчик %s", m.TypeTitle),
		"unique_id":      key + "_title",
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.title }}",
		"icon":           "mdi:tag",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", key+"_poverka", map[string]any{
		"name":           fmt.Sprintf("Счётчик %s поверка", m.TypeTitle),
		"unique_id":      key + "_poverka",
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.poverka_date }}",
		"icon":           "mdi:calendar-check",
		"device":         dev,
		"availability":   avail,
	})
}

func (p *HAPublisher) publishCameraDiscovery(acc *model.Account, cam *model.Camera) {
	dev := p.deviceInfo(acc)
	avail := map[string]any{"topic": p.topic("status")}
	key := model.CameraKey(acc.ID, cam.ID)
	stateTopic := p.topic(key + "/state")

	p.publishDiscoveryConfig("sensor", key+"_stream", map[string]any{
		"name":                  cam.Title,
		"unique_id":             key + "_stream",
		"state_topic":           stateTopic,
		"value_template":        "{{ value_json.stream_url }}",
		"json_attributes_topic": stateTopic,
		"icon":                  "mdi:cctv",
		"device":                dev,
		"availability":          avail,
	})
}

// publishButtonDiscovery exposes a forced-refresh button on the first
// account's device.
func (p *HAPublisher) publishButtonDiscovery(snap *model.Snapshot) {
	if len(snap.Accounts) == 0 {
		return
	}
	dev := p.deviceInfo(&snap.Accounts[0])

	p.publishDiscoveryConfig("button", p.cfg.DeviceID+"_refresh", map[string]any{
		"name":          "Обновить данные",
		"unique_id":     p.cfg.DeviceID + "_refresh",
		"command_topic": p.topic("refresh/set"),
		"payload_press": "PRESS",
		"icon":          "mdi:refresh",
		"device":        dev,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]any) {
	topic := discoveryTopic(component, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// removeDiscovery clears the retained discovery configs for a removed
// entity so HA drops it instead of keeping a ghost.
func (p *HAPublisher) removeDiscovery(ev reconcile.Event) {
	var objectIDs []string
	switch ev.Entity {
	case reconcile.EntityAccount:
		for _, suffix := range []string{"account_address", "payment_status", "notification_count", "camera_count", "meter_count", "request_count"} {
			objectIDs = append(objectIDs, fmt.Sprintf("%s_%s", ev.Key, suffix))
		}
	case reconcile.EntityMeter:
		objectIDs = append(objectIDs, ev.Key+"_value", ev.Key+"_title", ev.Key+"_poverka")
	case reconcile.EntityCamera:
		objectIDs = append(objectIDs, ev.Key+"_stream")
	}

	for _, id := range objectIDs {
		p.publish(discoveryTopic("sensor", id), "", true)
	}
	p.publish(p.topic(ev.Key+"/state"), "", true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) handleRefreshCmd(_ pahomqtt.Client, _ pahomqtt.Message) {
	p.log.Info("MQTT command: refresh")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := p.refresh.ForceRefresh(ctx); err != nil {
			p.log.Error("forced refresh failed", "error", err)
		}
	}()
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishSnapshotState(snap *model.Snapshot) {
	for i := range snap.Accounts {
		acc := &snap.Accounts[i]
		p.publishAccountState(acc)
		for j := range acc.Meters {
			p.publishMeterState(acc, &acc.Meters[j])
		}
		for j := range acc.Cameras {
			p.publishCameraState(acc, &acc.Cameras[j])
		}
	}
}

func (p *HAPublisher) publishAccountState(acc *model.Account) {
	payload := map[string]any{
		"address":            acc.Address,
		"payment_status":     string(acc.Payment),
		"payment_text":       acc.PaymentText,
		"notification_count": acc.NotificationCount,
		"camera_count":       len(acc.Cameras),
		"meter_count":        len(acc.Meters),
		"request_count":      acc.RequestCount,
		"number":             acc.Number,
	}
	p.publishJSON(p.topic(model.AccountKey(acc.ID)+"/state"), payload)
}

func (p *HAPublisher) publishMeterState(acc *model.Account, m *model.Meter) {
	payload := map[string]any{
		"title": m.Title,
	}
	if m.Value != nil {
		payload["value"] = strconv.FormatFloat(*m.Value, 'f', -1, 64)
	}
	if m.PoverkaDate != nil {
		payload["poverka_date"] = m.PoverkaDate.Format("2006-01-02")
	}
	p.publishJSON(p.topic(model.MeterKey(acc.ID, m.Number)+"/state"), payload)
}

func (p *HAPublisher) publishCameraState(acc *model.Account, cam *model.Camera) {
	payload := map[string]any{
		"title":       cam.Title,
		"stream_url":  cam.StreamURL,
		"preview_url": cam.PreviewURL,
	}
	p.publishJSON(p.topic(model.CameraKey(acc.ID, cam.ID)+"/state"), payload)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshot:
		if evt.Snapshot == nil {
			p.log.Warn("snapshot event without snapshot")
			return
		}
		p.publishDiscovery(evt.Snapshot)
		p.publishSnapshotState(evt.Snapshot)

	case state.EventEntityDiff:
		for _, ev := range evt.Diff {
			if ev.Op == reconcile.OpRemoved {
				p.removeDiscovery(ev)
			}
		}

	case state.EventAvailability:
		p.publishAvailability()
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// meterUnit maps the remote meter type onto the HA unit of measurement.
func meterUnit(typeID string) string {
	switch typeID {
	case "HotWater", "ColdWater":
		return "м³"
	case "Heating":
		return "Гкал"
	default:
		return ""
	}
}

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

func (p *HAPublisher) publishJSON(topic string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal state payload", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}
