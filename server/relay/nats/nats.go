// Package nats is a relay over core NATS. Events of topic T are published to the subject
// "<prefix>.T"; every instance subscribes to "<prefix>.>".
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/relay"
	"github.com/tinode/fanout/server/store/types"
)

const (
	relayName = "nats"

	defaultSubjectPrefix = "fanout.messages"
	defaultReconnectWait = 2 * time.Second
)

type configType struct {
	// Server URLs, comma separated.
	URL string `json:"url,omitempty"`
	// Subject prefix.
	Prefix string `json:"prefix,omitempty"`
	// Credentials.
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	// Seconds between reconnection attempts.
	ReconnectWait int `json:"reconnect_wait,omitempty"`
}

type natsRelay struct {
	mu      sync.RWMutex
	conn    *nats.Conn
	sub     *nats.Subscription
	prefix  string
	self    string
	handler relay.Handler
}

// Subject returns the NATS subject for the topic.
func Subject(prefix, topic string) string {
	return prefix + "." + topic
}

// Open connects to the NATS server and subscribes to the subject prefix.
func (r *natsRelay) Open(self string, jsonconf json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return errors.New("relay nats: already connected")
	}

	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("relay nats: failed to parse config: " + err.Error())
		}
	}
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	r.prefix = config.Prefix
	if r.prefix == "" {
		r.prefix = defaultSubjectPrefix
	}
	if strings.ContainsAny(r.prefix, " *>") {
		return errors.New("relay nats: invalid subject prefix")
	}
	reconnectWait := defaultReconnectWait
	if config.ReconnectWait > 0 {
		reconnectWait = time.Duration(config.ReconnectWait) * time.Second
	}

	opts := []nats.Option{
		nats.Name("fanout-" + self),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logs.Warn.Println("relay nats: disconnected", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logs.Info.Println("relay nats: reconnected to", nc.ConnectedUrl())
		}),
	}
	if config.User != "" {
		opts = append(opts, nats.UserInfo(config.User, config.Password))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return err
	}

	handler := r.handler
	sub, err := conn.Subscribe(r.prefix+".>", func(m *nats.Msg) {
		ev, err := relay.Decode(m.Data)
		if err != nil {
			logs.Warn.Println("relay nats: malformed event on", m.Subject, err)
			return
		}
		if handler != nil {
			handler(ev)
		}
	})
	if err != nil {
		conn.Close()
		return err
	}

	r.conn, r.sub, r.self = conn, sub, self
	logs.Info.Printf("relay nats: connected to %s, subject %s.>", conn.ConnectedUrl(), r.prefix)
	return nil
}

// Publish sends the event to the topic's subject.
func (r *natsRelay) Publish(ctx context.Context, ev *types.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || !r.conn.IsConnected() {
		return relay.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Origin == "" {
		ev.Origin = r.self
	}
	data, err := relay.Encode(ev)
	if err != nil {
		return err
	}
	return r.conn.Publish(Subject(r.prefix, ev.Topic), data)
}

// Subscribe sets the handler. Must be called before Open.
func (r *natsRelay) Subscribe(h relay.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// IsConnected reports the state of the NATS connection.
func (r *natsRelay) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conn != nil && r.conn.IsConnected()
}

// Close drains the subscription and closes the connection.
func (r *natsRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	err := r.conn.Drain()
	r.conn, r.sub = nil, nil
	return err
}

func (r *natsRelay) GetName() string {
	return relayName
}

func init() {
	relay.Register(&natsRelay{})
}
