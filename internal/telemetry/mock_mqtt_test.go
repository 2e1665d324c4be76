package telemetry

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an already completed mqtt.Token, unless block is set: then
// it completes when block is closed.
type fakeToken struct {
	err     error
	timeout bool
	block   chan struct{}
}

func (t *fakeToken) Wait() bool { return t.WaitTimeout(time.Hour) }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	if t.block != nil {
		select {
		case <-t.block:
		case <-time.After(d):
			return false
		}
	}
	return !t.timeout
}

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods the publisher does not use fall
// through to the embedded nil interface and panic if called.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	messages     []published
	publishErr   error
	timeout      bool
	block        chan struct{}
	offline      bool
	disconnected bool
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.offline
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: b})
	return &fakeToken{err: c.publishErr, timeout: c.timeout, block: c.block}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}
