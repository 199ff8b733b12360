package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	messages     []message
	disconnected bool
	published    chan struct{}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return doneToken{err: c.connectErr}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload.([]byte)})
	c.mu.Unlock()
	if c.published != nil {
		c.published <- struct{}{}
	}
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func TestPublisher_Publish(t *testing.T) {
	client := &fakeClient{}
	p := NewWithClient(Config{Topic: "robots/car1/status"}, client, nil, nil, zerolog.Nop())

	if err := p.Publish(map[string]string{"mode": "active"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish before connect = %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(map[string]string{"mode": "active"}); err != nil {
		t.Fatal(err)
	}

	if len(client.messages) != 1 {
		t.Fatalf("%d messages published", len(client.messages))
	}
	m := client.messages[0]
	if m.topic != "robots/car1/status" || !m.retained {
		t.Errorf("message = %+v", m)
	}
	var got map[string]string
	if err := json.Unmarshal(m.payload, &got); err != nil || got["mode"] != "active" {
		t.Errorf("payload = %s", m.payload)
	}
	if published, errs := p.Stats(); published != 1 || errs != 1 {
		t.Errorf("stats = %d published, %d errors", published, errs)
	}
}

func TestPublisher_ConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("refused")}
	p := NewWithClient(Config{Topic: "t"}, client, nil, nil, zerolog.Nop())
	if err := p.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded against a refusing broker")
	}
}

func TestPublisher_Run(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	client := &fakeClient{published: make(chan struct{}, 4)}
	n := 0
	p := NewWithClient(Config{Topic: "t", Interval: time.Second}, client, func() any {
		n++
		return map[string]int{"tick": n}
	}, clk, zerolog.Nop())
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		deadline := time.After(2 * time.Second)
	wait:
		for {
			clk.Advance(time.Second)
			select {
			case <-client.published:
				break wait
			case <-deadline:
				t.Fatalf("status %d not published", i+1)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
	if !client.disconnected {
		t.Error("client not disconnected after Run")
	}
}
