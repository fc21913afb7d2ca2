package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTOptions configure the MQTT feed.
type MQTTOptions struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTFeed subscribes to a sensor topic and emits each JSON message.
type MQTTFeed struct {
	opts   MQTTOptions
	logger zerolog.Logger
}

// NewMQTTFeed constructs an MQTT feed.
func NewMQTTFeed(opts MQTTOptions, logger zerolog.Logger) *MQTTFeed {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "gridwatch-feed-" + uuid.NewString()
	}
	return &MQTTFeed{opts: opts, logger: logger.With().Str("component", "mqtt_feed").Logger()}
}

// Run connects, subscribes and blocks until ctx is cancelled or the connection is lost.
func (f *MQTTFeed) Run(ctx context.Context, emit func(Payload)) error {
	if f.opts.Broker == "" || f.opts.Topic == "" {
		return errors.New("mqtt feed requires broker and topic")
	}

	lost := make(chan error, 1)
	opts := pmqtt.NewClientOptions().
		AddBroker(f.opts.Broker).
		SetClientID(f.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(f.opts.ConnectTimeout).
		SetOnConnectHandler(func(pmqtt.Client) {
			f.logger.Info().Str("broker", f.opts.Broker).Msg("connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			f.logger.Warn().Err(err).Msg("mqtt connection lost")
			select {
			case lost <- err:
			default:
			}
		})
	if f.opts.Username != "" {
		opts.SetUsername(f.opts.Username).SetPassword(f.opts.Password)
	}

	client := pmqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(f.opts.ConnectTimeout) {
		return fmt.Errorf("connect to %s: timeout", f.opts.Broker)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", f.opts.Broker, err)
	}
	defer client.Disconnect(250)

	handler := func(_ pmqtt.Client, msg pmqtt.Message) {
		p, err := DecodePayload(msg.Payload())
		if err != nil {
			f.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("skipping undecodable message")
			return
		}
		emit(p)
	}
	token := client.Subscribe(f.opts.Topic, f.opts.QoS, handler)
	if !token.WaitTimeout(f.opts.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", f.opts.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.opts.Topic, err)
	}
	f.logger.Info().Str("topic", f.opts.Topic).Msg("subscribed to sensor topic")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("mqtt connection lost: %w", err)
	}
}

var _ Feed = (*MQTTFeed)(nil)
