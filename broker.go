package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler dostane každou zprávu z odebíraného topicu.
type MessageHandler func(topic string, payload []byte)

// SubscribeAck: QoS, které broker pro jednotlivé topicy přidělil.
type SubscribeAck struct {
	Granted map[string]byte
}

// ConnectError: spojení s brokerem se nepodařilo navázat.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscribeError: broker odběr odmítl nebo selhal požadavek.
type SubscribeError struct {
	Topic string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("mqtt subscribe %s: %v", e.Topic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// subackFailure je návratový kód SUBACK pro odmítnutý odběr (MQTT 3.1.1).
const subackFailure = 0x80

// disconnectQuiesce: kolik ms dáme paho na dokončení práce při odpojení.
const disconnectQuiesce = 250

// newMQTTClient vytváří paho klienta, v testech se nahrazuje fakem.
type newMQTTClient func(opts *mqtt.ClientOptions) mqtt.Client

// Session drží spojení s brokerem po celou dobu běhu procesu.
type Session struct {
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	topic   string
	qos     byte
	handler mqtt.MessageHandler
}

// Connect se připojí k brokeru a čeká na výsledek.
// Token paho je jednorázový future: vyřeší se právě jednou, úspěchem nebo chybou.
func Connect(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*Session, error) {
	return connect(ctx, cfg, logger, mqtt.NewClient)
}

func connect(ctx context.Context, cfg MQTTConfig, logger *slog.Logger, newClient newMQTTClient) (*Session, error) {
	s := &Session{logger: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.User).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		// Reconnect po výpadku řeší paho sám (vlastní backoff).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		// Handlery běží jeden po druhém.
		SetOrderMatters(true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Warn("MQTT reconnecting", "broker", cfg.URL)
	})
	opts.SetOnConnectHandler(s.onConnect)

	client := newClient(opts)
	s.client = client

	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, &ConnectError{URL: cfg.URL, Err: err}
	}
	return s, nil
}

// onConnect: při čisté session broker odběry zapomene, po reconnectu je obnovíme.
// Při prvním připojení je seznam prázdný.
func (s *Session) onConnect(c mqtt.Client) {
	s.mu.Lock()
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		token := c.Subscribe(sub.topic, sub.qos, sub.handler)
		if token.Wait() && token.Error() != nil {
			s.logger.Error("Obnovení odběru selhalo", "topic", sub.topic, "error", token.Error())
			continue
		}
		s.logger.Info("Odběr obnoven", "topic", sub.topic)
	}
}

// Subscribe zaregistruje handler pro topic pattern a počká na SUBACK.
func (s *Session) Subscribe(ctx context.Context, pattern string, qos byte, handler MessageHandler) (SubscribeAck, error) {
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	token := s.client.Subscribe(pattern, qos, cb)
	if err := waitToken(ctx, token); err != nil {
		return SubscribeAck{}, &SubscribeError{Topic: pattern, Err: err}
	}

	ack := SubscribeAck{Granted: map[string]byte{}}
	if st, ok := token.(interface{ Result() map[string]byte }); ok {
		for topic, granted := range st.Result() {
			if granted == subackFailure {
				return SubscribeAck{}, &SubscribeError{Topic: topic, Err: errors.New("refused by broker")}
			}
			ack.Granted[topic] = granted
		}
	}

	s.mu.Lock()
	s.subs = append(s.subs, subscription{topic: pattern, qos: qos, handler: cb})
	s.mu.Unlock()
	return ack, nil
}

// Client zpřístupní paho klienta (log writer ho potřebuje pro Publish).
func (s *Session) Client() mqtt.Client { return s.client }

// IsConnected: pro /health.
func (s *Session) IsConnected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// Close odhlásí odběry a odpojí se.
func (s *Session) Close() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		topics = append(topics, sub.topic)
	}
	s.subs = nil
	s.mu.Unlock()

	if s.client.IsConnected() {
		if len(topics) > 0 {
			s.client.Unsubscribe(topics...).WaitTimeout(disconnectQuiesce * time.Millisecond)
		}
		s.client.Disconnect(disconnectQuiesce)
	}
}

// topicMatches: pokrývá filtr (s + a #) konkrétní topic? "a/#" pokrývá i "a".
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// waitToken čeká na vyřešení tokenu nebo na zrušení contextu.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
