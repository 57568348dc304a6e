package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- MQTT ---

type fakeToken struct {
	err    error
	result map[string]byte
	done   chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// pendingToken se nikdy nevyřeší.
func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// subscribeToken navíc nese SUBACK výsledek jako *mqtt.SubscribeToken.
type subscribeToken struct {
	*fakeToken
}

func (t subscribeToken) Result() map[string]byte { return t.result }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu sync.Mutex

	opts           *mqtt.ClientOptions
	connectErr     error
	connectPending bool
	connected      bool

	subscribeErr error
	granted      byte
	subscribed   []string
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	published    []published
	disconnects  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}}
}

// factory vrací newMQTTClient, který si uloží options a vrátí tento fake.
func (c *fakeClient) factory() newMQTTClient {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c.opts = opts
		return c
	}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectPending {
		return pendingToken()
	}
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts != nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return doneToken(nil)
}

// reconnect simuluje automatické znovupřipojení paho.
func (c *fakeClient) reconnect() {
	if c.opts != nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, payload: b})
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	if c.subscribeErr != nil {
		return doneToken(c.subscribeErr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.handlers[topic] = callback
	t := doneToken(nil)
	t.result = map[string]byte{topic: c.granted}
	return subscribeToken{t}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver zavolá handler, jako by zpráva přišla z brokeru.
func (c *fakeClient) deliver(pattern, topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[pattern]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// --- Databáze ---

type execCall struct {
	sql  string
	args []any
}

type fakeExecutor struct {
	mu    sync.Mutex
	err   error
	calls []execCall
}

func (e *fakeExecutor) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, execCall{sql: sql, args: args})
	if e.err != nil {
		return pgconn.CommandTag{}, e.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeCache struct {
	err  error
	sets map[string]interface{}
	ttl  time.Duration
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if c.sets == nil {
		c.sets = map[string]interface{}{}
	}
	c.sets[key] = value
	c.ttl = expiration
	return redis.NewStatusResult("OK", c.err)
}

// fakeStore implementuje Store pro testy Bridge.
type fakeStore struct {
	mu      sync.Mutex
	err     error
	pingErr error
	events  []Event
	closed  int

	// persistAfterClose počítá volání Persist na zavřeném store.
	persistAfterClose int
}

func (s *fakeStore) Persist(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		s.persistAfterClose++
	}
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }
func (s *fakeStore) BreakerState() string       { return "closed" }
func (s *fakeStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeStore) persistedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fakeBroker implementuje Broker pro testy Bridge.
type fakeBroker struct {
	client       *fakeClient
	subscribeErr error
	pattern      string
	qos          byte
	handler      MessageHandler
	closed       int
}

func (b *fakeBroker) Subscribe(_ context.Context, pattern string, qos byte, handler MessageHandler) (SubscribeAck, error) {
	if b.subscribeErr != nil {
		return SubscribeAck{}, b.subscribeErr
	}
	b.pattern, b.qos, b.handler = pattern, qos, handler
	return SubscribeAck{Granted: map[string]byte{pattern: qos}}, nil
}

func (b *fakeBroker) IsConnected() bool { return b.client == nil || b.client.IsConnected() }

func (b *fakeBroker) Client() mqtt.Client {
	if b.client == nil {
		return newFakeClient()
	}
	return b.client
}

func (b *fakeBroker) Close() { b.closed++ }
