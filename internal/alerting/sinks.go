package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
)

// MQTTOptions configure the MQTT alert sink.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
	Timeout  time.Duration
}

// MQTTNotifier publishes alerts as JSON to an MQTT topic.
type MQTTNotifier struct {
	opts   MQTTOptions
	client pmqtt.Client
	logger zerolog.Logger
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(opts MQTTOptions, logger zerolog.Logger) (*MQTTNotifier, error) {
	if opts.Broker == "" || opts.Topic == "" {
		return nil, errors.New("mqtt sink requires broker and topic")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "gridwatch-alerts-" + uuid.NewString()
	}
	l := logger.With().Str("component", "alert_mqtt").Logger()

	copts := pmqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout).
		SetOnConnectHandler(func(pmqtt.Client) { l.Info().Str("broker", opts.Broker).Msg("connected to mqtt broker") }).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) { l.Warn().Err(err).Msg("mqtt connection lost") })
	if opts.Username != "" {
		copts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := pmqtt.NewClient(copts)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return nil, fmt.Errorf("connect to %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return &MQTTNotifier{opts: opts, client: client, logger: l}, nil
}

// Notify publishes one alert.
func (m *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	token := m.client.Publish(m.opts.Topic, m.opts.QoS, m.opts.Retain, b)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.logger.Debug().Str("alert_id", a.ID).Str("topic", m.opts.Topic).Msg("alert published")
	return nil
}

// Close disconnects from the broker.
func (m *MQTTNotifier) Close() error {
	m.client.Disconnect(250)
	return nil
}

// AMQPOptions configure the AMQP alert sink.
type AMQPOptions struct {
	URL   string
	Queue string
}

// AMQPNotifier publishes alerts to a durable AMQP queue, reconnecting once on failure.
type AMQPNotifier struct {
	opts   AMQPOptions
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPNotifier dials the broker and declares the queue.
func NewAMQPNotifier(opts AMQPOptions, logger zerolog.Logger) (*AMQPNotifier, error) {
	if opts.URL == "" || opts.Queue == "" {
		return nil, errors.New("amqp sink requires url and queue")
	}
	n := &AMQPNotifier{opts: opts, logger: logger.With().Str("component", "alert_amqp").Logger()}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.opts.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		n.opts.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", n.opts.Queue, err)
	}
	n.conn, n.ch = conn, ch
	return nil
}

// Notify publishes one alert.
func (n *AMQPNotifier) Notify(_ context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    a.ID,
		Timestamp:    a.Timestamp,
		Body:         b,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		if err = n.ch.Publish("", n.opts.Queue, false, false, msg); err == nil {
			return nil
		}
		n.logger.Warn().Err(err).Msg("amqp publish failed, reconnecting")
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if err := n.connect(); err != nil {
		n.ch = nil
		return err
	}
	return n.ch.Publish("", n.opts.Queue, false, false, msg)
}

// Close closes the connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn, n.ch = nil, nil
	return err
}

// KafkaOptions configure the Kafka alert sink.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaNotifier writes alerts to a Kafka topic keyed by device id.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaNotifier builds a writer. Connections are opened lazily by kafka-go.
func NewKafkaNotifier(opts KafkaOptions, logger zerolog.Logger) (*KafkaNotifier, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" {
		return nil, errors.New("kafka sink requires brokers and topic")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Topic:                  opts.Topic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           opts.WriteTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}, nil
}

// Notify writes one alert.
func (k *KafkaNotifier) Notify(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.DeviceID), Value: b, Time: a.Timestamp}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	k.logger.Debug().Str("alert_id", a.ID).Msg("alert written")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// EventHubOptions configure the Azure Event Hubs alert sink.
type EventHubOptions struct {
	ConnectionString string
	EventHub         string
}

// EventHubNotifier sends each alert as a single-event batch.
type EventHubNotifier struct {
	producer *azeventhubs.ProducerClient
	logger   zerolog.Logger
}

// NewEventHubNotifier creates a producer client from a connection string.
func NewEventHubNotifier(opts EventHubOptions, logger zerolog.Logger) (*EventHubNotifier, error) {
	if opts.ConnectionString == "" {
		return nil, errors.New("event hub sink requires a connection string")
	}
	producer, err := azeventhubs.NewProducerClientFromConnectionString(opts.ConnectionString, opts.EventHub, nil)
	if err != nil {
		return nil, fmt.Errorf("create event hub producer: %w", err)
	}
	return &EventHubNotifier{producer: producer, logger: logger.With().Str("component", "alert_eventhub").Logger()}, nil
}

// Notify sends one alert.
func (e *EventHubNotifier) Notify(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	batch, err := e.producer.NewEventDataBatch(ctx, &azeventhubs.EventDataBatchOptions{})
	if err != nil {
		return fmt.Errorf("create event batch: %w", err)
	}
	contentType, messageID := "application/json", a.ID
	if err := batch.AddEventData(&azeventhubs.EventData{
		Body:        b,
		ContentType: &contentType,
		MessageID:   &messageID,
		Properties:  map[string]any{"severity": string(a.Severity), "deviceId": a.DeviceID},
	}, nil); err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	if err := e.producer.SendEventDataBatch(ctx, batch, nil); err != nil {
		return fmt.Errorf("send event batch: %w", err)
	}
	e.logger.Debug().Str("alert_id", a.ID).Msg("alert sent to event hub")
	return nil
}

// Close closes the producer.
func (e *EventHubNotifier) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.producer.Close(ctx)
}

var (
	_ Notifier = (*MQTTNotifier)(nil)
	_ Notifier = (*AMQPNotifier)(nil)
	_ Notifier = (*KafkaNotifier)(nil)
	_ Notifier = (*EventHubNotifier)(nil)
)
