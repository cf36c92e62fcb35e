// Package mqtt publishes entities to an MQTT broker using Home Assistant
// discovery.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/anicoll/pollbridge/internal/pkg/config"
)

const (
	publishTimeout = 10 * time.Second
	connectTimeout = 5 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

var errPublishTimeout = errors.New("mqtt publish timed out")

type service struct {
	client paho_mqtt.Client
	prefix string
	logger *zap.Logger

	mu         sync.Mutex
	configured map[string]struct{}
}

func New(client paho_mqtt.Client, discoveryPrefix string, logger *zap.Logger) *service {
	if discoveryPrefix == "" {
		discoveryPrefix = "homeassistant"
	}
	if logger == nil {
		logger = zap.L()
	}
	return &service{
		client:     client,
		prefix:     discoveryPrefix,
		logger:     logger,
		configured: make(map[string]struct{}),
	}
}

// NewClient builds a paho client for cfg. The broker sees the bridge go
// offline through the will message.
func NewClient(cfg config.MqttConfig) paho_mqtt.Client {
	opts := paho_mqtt.NewClientOptions().
		AddBroker(cfg.Host).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetWill(bridgeTopic(cfg.ClientID), payloadOffline, 1, true)
	opts.SetOnConnectHandler(func(c paho_mqtt.Client) {
		c.Publish(bridgeTopic(cfg.ClientID), 1, true, payloadOnline)
		zap.L().Info("connected to mqtt broker", zap.String("host", cfg.Host))
	})
	opts.SetConnectionLostHandler(func(_ paho_mqtt.Client, err error) {
		zap.L().Warn("lost connection to mqtt broker", zap.Error(err))
	})
	return paho_mqtt.NewClient(opts)
}

func bridgeTopic(clientID string) string {
	return fmt.Sprintf("%s/status", clientID)
}

func (s *service) Connect() error {
	token := s.client.Connect()
	res := token.WaitTimeout(connectTimeout)
	if res {
		return token.Error()
	}
	if err := token.Error(); err != nil {
		return err
	}
	return errors.New("unable to connect in time")
}

func (s *service) Disconnect() {
	s.client.Disconnect(250)
}

func (s *service) publish(topic string, qos byte, retained bool, payload any) error {
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s", errPublishTimeout, topic)
	}
	return token.Error()
}
