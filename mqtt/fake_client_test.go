package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient is an in memory mqtt.Client which connects immediately
type fakeClient struct {
	opts      *mqtt.ClientOptions
	connected bool
	subs      map[string]mqtt.MessageHandler
	published []published
	sync.Mutex
}

var _ mqtt.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	c.opts = opts
	return c
}

func (c *fakeClient) IsConnected() bool {
	c.Lock()
	defer c.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *fakeClient) Connect() mqtt.Token {
	c.Lock()
	c.connected = true
	c.Unlock()
	if c.opts != nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.Lock()
	defer c.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.Lock()
	defer c.Unlock()
	var str string
	switch p := payload.(type) {
	case string:
		str = p
	case []byte:
		str = string(p)
	default:
		return &fakeToken{fmt.Errorf("unknown payload type %T", payload)}
	}
	c.published = append(c.published, published{topic, retained, str})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.Lock()
	defer c.Unlock()
	c.subs[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.Lock()
	defer c.Unlock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *fakeClient) subscribed(topic string) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// deliver calls the handler subscribed to topic, and reports whether there was one
func (c *fakeClient) deliver(topic string, payload string) bool {
	c.Lock()
	handler, ok := c.subs[topic]
	c.Unlock()
	if !ok {
		return false
	}
	handler(c, &fakeMessage{topic, []byte(payload)})
	return true
}

// last returns the payload last published on topic
func (c *fakeClient) last(topic string) (payload string, ok bool) {
	c.Lock()
	defer c.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload, true
		}
	}
	return "", false
}
