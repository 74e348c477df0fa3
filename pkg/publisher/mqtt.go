package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// Publisher announces freshly materialized schedules over MQTT so
// home-automation setups can mirror the plan without polling the API. It is
// optional: without a configured broker every publish is a no-op.
type Publisher struct {
	client      mqtt.Client
	broker      string
	username    string
	password    string
	topicPrefix string
}

// Configured sets up the publisher flags.
func Configured() *Publisher {
	p := &Publisher{}
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port); empty disables publishing")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	topicPrefix := lflag.String("mqtt-topic-prefix", "spotswitch", "MQTT topic prefix for schedule announcements")

	lflag.Do(func() {
		p.broker = *broker
		p.username = *username
		p.password = *password
		p.topicPrefix = *topicPrefix
	})

	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.broker != ""
}

// Init connects to the broker. Must be called before Publish when enabled.
func (p *Publisher) Init() error {
	if !p.Enabled() {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.broker))
	opts.SetClientID("spotswitch")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if p.username != "" {
		opts.SetUsername(p.username)
	}
	if p.password != "" {
		opts.SetPassword(p.password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	p.client = client
	return nil
}

type schedulePayload struct {
	ControlID string                `json:"controlID"`
	Status    types.Status          `json:"status"`
	Entries   []types.ScheduleEntry `json:"entries"`
}

// PublishSchedule announces a control's generated window. Failures are logged
// but never fail the scheduling run; the schedule in storage is authoritative.
func (p *Publisher) PublishSchedule(ctx context.Context, controlID string, status types.Status, entries []types.ScheduleEntry) {
	if !p.Enabled() || p.client == nil {
		return
	}

	payload, err := json.Marshal(schedulePayload{
		ControlID: controlID,
		Status:    status,
		Entries:   entries,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal schedule payload", slog.Any("error", err))
		return
	}

	topic := fmt.Sprintf("%s/control/%s/schedule", p.topicPrefix, controlID)
	token := p.client.Publish(topic, 0, true, payload)
	if token.Wait() && token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish schedule",
			slog.String("topic", topic), slog.Any("error", token.Error()))
	}
}

// Close disconnects from the MQTT broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
