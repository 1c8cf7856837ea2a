// Package local is an in-process relay for single-instance deployments: published events are
// looped back to the local subscriber.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/relay"
	"github.com/tinode/fanout/server/store/types"
)

const (
	relayName = "local"

	defaultQueueSize = 1024
)

// ErrQueueFull is returned when the subscriber does not keep up with publishers.
var ErrQueueFull = errors.New("relay local: queue full")

type configType struct {
	QueueSize int `json:"queue_size,omitempty"`
}

type loopback struct {
	mu      sync.RWMutex
	handler relay.Handler
	queue   chan *types.Event
	done    chan struct{}
	self    string
}

// Open starts the delivery goroutine.
func (l *loopback) Open(self string, jsonconf json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queue != nil {
		return errors.New("relay local: already open")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("relay local: failed to parse config: " + err.Error())
		}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	l.self = self
	l.queue = make(chan *types.Event, config.QueueSize)
	l.done = make(chan struct{})
	go l.run(l.queue, l.done)
	return nil
}

func (l *loopback) run(queue <-chan *types.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range queue {
		l.mu.RLock()
		handler := l.handler
		l.mu.RUnlock()
		if handler != nil {
			handler(ev)
		}
	}
}

// Publish queues the event for delivery to the local subscriber.
func (l *loopback) Publish(ctx context.Context, ev *types.Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.queue == nil {
		return relay.ErrNotConnected
	}
	if ev.Origin == "" {
		ev.Origin = l.self
	}
	select {
	case l.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		logs.Warn.Println("relay local: queue full, event dropped", ev.Topic)
		return ErrQueueFull
	}
}

// Subscribe sets the handler. It may be called before or after Open.
func (l *loopback) Subscribe(h relay.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// IsConnected is true while the relay is open.
func (l *loopback) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.queue != nil
}

// Close stops accepting events and waits for the queued ones to be delivered.
func (l *loopback) Close() error {
	l.mu.Lock()
	queue, done := l.queue, l.done
	l.queue = nil
	l.mu.Unlock()

	if queue == nil {
		return nil
	}
	close(queue)
	<-done
	return nil
}

func (l *loopback) GetName() string {
	return relayName
}

// New creates an unregistered instance. Used in tests and by embedders which
// need more than one loopback.
func New() relay.Relay {
	return &loopback{}
}

func init() {
	relay.Register(&loopback{})
}
