package mqtt

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/KevinKickass/OpenTestStand/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	prefix string
}

// NewRealPublisher connects to the configured broker. A retained "offline"
// status is registered as last will.
func NewRealPublisher(cfg config.MQTTConfig) (*RealPublisher, error) {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(prefix+"/"+TopicStatus, "offline", 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	p := &RealPublisher{client: client, prefix: prefix}
	if err := p.Publish(Message{Topic: TopicStatus, Payload: []byte("online"), QoS: 1, Retained: true}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RealPublisher) Publish(msg Message) error {
	token := p.client.Publish(p.prefix+"/"+msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close announces "offline" and disconnects.
func (p *RealPublisher) Close() error {
	_ = p.Publish(Message{Topic: TopicStatus, Payload: []byte("offline"), QoS: 1, Retained: true})
	p.client.Disconnect(1000)
	return nil
}
