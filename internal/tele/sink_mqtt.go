package tele

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/labpsu/internal/power"
	"github.com/temoto/labpsu/log2"
)

const (
	DefaultTopicPrefix    = "labpsu"
	DefaultPublishTimeout = 500 * time.Millisecond
	mqttQos               = 0
)

type MqttConfig struct {
	Broker         string
	ClientID       string // default labpsu-<uuid>
	TopicPrefix    string
	Username       string
	Password       string
	KeepAlive      time.Duration
	PublishTimeout time.Duration
}

// Publisher is the part of MQTT client used by MqttSink.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MqttClient struct {
	log     *log2.Log
	m       mqtt.Client
	timeout time.Duration
}

// NewMqttClient starts connecting in background and returns immediately,
// broker may be unavailable at start. Publish fails until connected.
func NewMqttClient(cfg MqttConfig, log *log2.Log) (*MqttClient, error) {
	if cfg.Broker == "" {
		return nil, errors.NotValidf("mqtt broker empty")
	}
	mqtt.ERROR = log2.Leveled{L: log, Level: log2.LError}
	mqtt.CRITICAL = log2.Leveled{L: log, Level: log2.LError}
	mqtt.WARN = log2.Leveled{L: log, Level: log2.LInfo}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "labpsu-" + uuid.NewString()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	self := &MqttClient{log: log, timeout: cfg.PublishTimeout}
	if self.timeout <= 0 {
		self.timeout = DefaultPublishTimeout
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) { log.Infof("mqtt connected broker=%s client=%s", cfg.Broker, clientID) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { log.Infof("mqtt connection lost err=%v", err) })
	if cfg.Username != "" {
		mopt.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		mopt.SetPassword(cfg.Password)
	}
	self.m = mqtt.NewClient(mopt)
	if tok := self.m.Connect(); tok.Error() != nil {
		return nil, errors.Annotate(tok.Error(), "mqtt connect")
	}
	return self, nil
}

func (self *MqttClient) Publish(topic string, payload []byte) error {
	if !self.m.IsConnectionOpen() {
		return errors.Errorf("mqtt not connected")
	}
	tok := self.m.Publish(topic, mqttQos, false, payload)
	if !tok.WaitTimeout(self.timeout) {
		return errors.Timeoutf("mqtt publish topic=%s", topic)
	}
	return errors.Annotatef(tok.Error(), "mqtt publish topic=%s", topic)
}

func (self *MqttClient) Close() {
	self.m.Disconnect(uint(self.timeout / time.Millisecond))
}

type MqttSink struct {
	Log    *log2.Log
	pub    Publisher
	prefix string
}

type mqttSample struct {
	Channel int       `json:"channel"`
	Voltage float64   `json:"voltage"`
	Current float64   `json:"current"`
	Power   float64   `json:"power"`
	Time    time.Time `json:"time"`
}

type mqttError struct {
	Channel     int       `json:"channel"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error"`
	Consecutive int       `json:"consecutive"`
	Time        time.Time `json:"time"`
}

func NewMqttSink(pub Publisher, prefix string, log *log2.Log) *MqttSink {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MqttSink{Log: log, pub: pub, prefix: prefix}
}

func (self *MqttSink) TopicTelemetry(id int) string { return fmt.Sprintf("%s/ch%d/telemetry", self.prefix, id) }
func (self *MqttSink) TopicError(id int) string     { return fmt.Sprintf("%s/ch%d/error", self.prefix, id) }

func (self *MqttSink) Sample(id int, s power.Sample) {
	self.publish(self.TopicTelemetry(id), mqttSample{
		Channel: id,
		Voltage: s.Voltage,
		Current: s.Current,
		Power:   s.Power,
		Time:    s.Time,
	})
}

func (self *MqttSink) Error(id int, err error, consecutive int) {
	self.publish(self.TopicError(id), mqttError{
		Channel:     id,
		Kind:        power.ErrorKind(err),
		Error:       err.Error(),
		Consecutive: consecutive,
		Time:        time.Now(),
	})
}

func (self *MqttSink) publish(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		self.Log.Errorf("mqtt marshal topic=%s err=%v", topic, err)
		return
	}
	// telemetry is fire and forget, failure is not an error of the poller
	if err := self.pub.Publish(topic, b); err != nil {
		self.Log.Debugf("mqtt publish topic=%s err=%v", topic, err)
	}
}
