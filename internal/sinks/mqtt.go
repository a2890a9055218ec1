package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/pkg/config"
)

const (
	defaultMQTTTopic   = "weather/wmii"
	mqttPublishTimeout = 5 * time.Second
)

// publisher is the part of the paho client the sink uses
type publisher interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each loop packet as JSON to <topic>/<station name>
type MQTTSink struct {
	client publisher
	topic  string
	qos    byte
	retain bool
	broker string
}

// NewMQTTSink configures a paho client for the broker. The connection is made
// when the sink starts and is retried in the background.
func NewMQTTSink(cfg *config.MQTTData) (*MQTTSink, error) {
	if cfg == nil || cfg.Broker == "" {
		return nil, fmt.Errorf("you must provide an MQTT broker")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", cfg.QoS)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wmii-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Infof("connected to MQTT broker %s as %s", cfg.Broker, clientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("lost connection to MQTT broker %s: %v", cfg.Broker, err)
	})

	return newMQTTSink(mqtt.NewClient(opts), cfg), nil
}

func newMQTTSink(client publisher, cfg *config.MQTTData) *MQTTSink {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = defaultMQTTTopic
	}
	return &MQTTSink{
		client: client,
		topic:  topic,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		broker: cfg.Broker,
	}
}

// StartSink connects to the broker and begins publishing readings
func (m *MQTTSink) StartSink(ctx context.Context, wg *sync.WaitGroup) chan<- types.Reading {
	log.Infof("starting MQTT sink (%s)...", m.broker)

	token := m.client.Connect()
	go func() {
		// with ConnectRetry set this only completes once connected or on a
		// configuration error
		token.Wait()
		if err := token.Error(); err != nil {
			log.Errorf("could not connect to MQTT broker %s: %v", m.broker, err)
		}
	}()

	return startProcessor(ctx, wg, m.Publish, "mqtt", func() {
		m.client.Disconnect(250)
	})
}

// Topic returns the topic readings from the named station are published to
func (m *MQTTSink) Topic(station string) string {
	return m.topic + "/" + station
}

// Publish sends one reading
func (m *MQTTSink) Publish(r types.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not encode reading: %w", err)
	}

	token := m.client.Publish(m.Topic(r.StationName), m.qos, m.retain, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("timed out publishing to %s", m.Topic(r.StationName))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("could not publish to %s: %w", m.Topic(r.StationName), err)
	}
	return nil
}
