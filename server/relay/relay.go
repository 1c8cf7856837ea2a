// Package relay defines the interface of the pub/sub brokers which carry delivery events between
// server instances. Every instance subscribed to the relay receives every published event,
// the publishing instance included.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tinode/fanout/server/store/types"
)

// Handler receives events published by any instance.
type Handler func(ev *types.Event)

// Relay is the interface implemented by the pub/sub backends.
type Relay interface {
	// Open connects to the broker. Self is the name of this instance.
	Open(self string, config json.RawMessage) error
	// Publish hands the event to the transport. It does not wait for delivery.
	Publish(ctx context.Context, ev *types.Event) error
	// Subscribe sets the process-wide event handler. Must be called before Open.
	Subscribe(h Handler)
	// IsConnected reports the health of the transport.
	IsConnected() bool
	// Close disconnects from the broker.
	Close() error
	// GetName returns the name the relay registers itself with.
	GetName() string
}

// ErrNotConnected is returned by Publish when the transport is down.
var ErrNotConnected = errors.New("relay: not connected")

var (
	registryLock sync.Mutex
	registry     = make(map[string]Relay)
)

// Register makes a relay backend available by name.
// If Register is called twice with the same name or if the relay is nil, it panics.
func Register(r Relay) {
	registryLock.Lock()
	defer registryLock.Unlock()

	if r == nil {
		panic("relay: Register relay is nil")
	}
	name := r.GetName()
	if _, dup := registry[name]; dup {
		panic("relay: Register called twice for relay " + name)
	}
	registry[name] = r
}

// Get returns the relay registered under the name or nil.
func Get(name string) Relay {
	registryLock.Lock()
	defer registryLock.Unlock()

	return registry[name]
}

// Names returns the names of all available relays.
func Names() []string {
	registryLock.Lock()
	defer registryLock.Unlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes the event for the wire.
func Encode(ev *types.Event) ([]byte, error) {
	if ev == nil || ev.Message == nil || ev.Topic == "" || !ev.Op.IsValid() {
		return nil, types.ErrMalformed
	}
	return json.Marshal(ev)
}

// Decode parses the event received from the wire.
func Decode(data []byte) (*types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Message == nil || ev.Topic == "" || !ev.Op.IsValid() {
		return nil, types.ErrMalformed
	}
	// Restore the cached binary ID.
	ev.Message.SetUid(types.ParseUid(ev.Message.Id))
	return &ev, nil
}
