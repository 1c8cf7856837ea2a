/******************************************************************************
 *
 *  Description :
 *
 *  Handling of user sessions/connections. One user may have multiple sesions.
 *  Each session may join multiple topics.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/fanout/server/ingest"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

// Session state.
const (
	sessConnecting int32 = iota
	sessOpen
	sessClosed
)

// Outcome of an attempt to queue an outbound message.
type queueResult int

const (
	queueOk queueResult = iota
	// The send queue stayed full for the whole timeout.
	queueFull
	// The session is not open.
	queueClosed
)

// Session represents a single websocket connection. A user may have multiple sessions.
type Session struct {
	// Websocket. Nil for sessions which are not connected to the network.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the authenticated member.
	uid types.Uid

	// Session ID
	sid string

	// sessConnecting, sessOpen or sessClosed.
	state atomic.Int32
	// Held for reading while a message is being queued, for writing while the
	// session is being closed.
	sendLock sync.RWMutex

	// Outbound serialized messages, buffered.
	send chan []byte

	// Final message to write before closing the connection, buffer 1.
	stop chan []byte

	// Closed when the session is closed.
	done chan struct{}

	closeOnce sync.Once

	// How long the connection may stay silent.
	idleTimeout time.Duration

	// Topics joined by the session. Nil once the session is closed.
	// Lock order is subsLock, then the hub's shard lock.
	subs     map[string]struct{}
	subsLock sync.Mutex
}

// open marks the session as ready to receive messages.
func (s *Session) open() {
	s.state.CompareAndSwap(sessConnecting, sessOpen)
}

func (s *Session) isOpen() bool {
	return s.state.Load() == sessOpen
}

// queueOut adds a serialized message to the send queue. If the queue is full it waits
// up to timeout for the writer to catch up.
// Nothing is queued once close has returned.
func (s *Session) queueOut(data []byte, timeout time.Duration) queueResult {
	s.sendLock.RLock()
	defer s.sendLock.RUnlock()

	if !s.isOpen() {
		return queueClosed
	}

	select {
	case s.send <- data:
		return queueOk
	default:
	}

	if timeout <= 0 {
		return queueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.send <- data:
		return queueOk
	case <-timer.C:
		return queueFull
	}
}

// queueCtrl serializes and queues a response to the client. The session is closed if
// it cannot accept more messages.
func (s *Session) queueCtrl(msg *ServerComMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("s.queueCtrl: serialization failed", s.sid, err)
		return false
	}
	switch s.queueOut(data, sendQueueWait) {
	case queueOk:
		return true
	case queueFull:
		logs.Warn.Println("s.queueCtrl: outbound queue limit exceeded", s.sid)
		s.close(nil)
	}
	return false
}

// close removes the session from every topic it joined, then stops the network loops.
// The optional msg is written to the client before the connection is closed.
func (s *Session) close(msg []byte) {
	s.closeOnce.Do(func() {
		s.sendLock.Lock()
		s.state.Store(sessClosed)
		s.sendLock.Unlock()

		globals.hub.unregister(s)

		if msg != nil {
			select {
			case s.stop <- msg:
			default:
			}
		}
		close(s.done)

		count := globals.sessionStore.Delete(s)
		logs.Info.Println("s.close: session closed", s.sid, count)
	})
}

// Message received, convert bytes to ClientComMessage and dispatch
func (s *Session) dispatchRaw(raw []byte) {
	now := types.TimeNow()
	var msg ClientComMessage

	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed message
		logs.Warn.Println("s.dispatch", err, s.sid)
		s.queueCtrl(ErrMalformed("", "", now))
		return
	}

	msg.Timestamp = now
	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = types.TimeNow()
	}

	switch {
	case msg.Join != nil:
		s.join(msg)

	case msg.Leave != nil:
		s.leave(msg)

	default:
		// Unknown message
		logs.Warn.Println("s.dispatch: unknown message", s.sid)
		s.queueCtrl(ErrMalformed(msg.Id, "", msg.Timestamp))
	}
}

// Request to receive push events of a topic. The member must belong to the topic.
func (s *Session) join(msg *ClientComMessage) {
	topic := msg.Join.Topic
	if !ingest.ValidTopic(topic) {
		s.queueCtrl(ErrMalformed(msg.Id, topic, msg.Timestamp))
		return
	}

	if _, err := store.Members.Get(topic, s.uid); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.queueCtrl(ErrTopicNotFound(msg.Id, topic, msg.Timestamp))
		} else {
			logs.Warn.Println("s.join: membership check failed", s.sid, topic, err)
			s.queueCtrl(decodeStoreError(err, msg.Id, topic, msg.Timestamp))
		}
		return
	}

	added, err := globals.hub.join(s, topic)
	if err != nil {
		// Session closed concurrently, nobody to reply to.
		return
	}
	if !added {
		s.queueCtrl(InfoAlreadyJoined(msg.Id, topic, msg.Timestamp))
		return
	}
	s.queueCtrl(NoErr(msg.Id, topic, msg.Timestamp))
}

// Request to stop receiving push events of a topic.
func (s *Session) leave(msg *ClientComMessage) {
	topic := msg.Leave.Topic
	if topic == "" {
		s.queueCtrl(ErrMalformed(msg.Id, "", msg.Timestamp))
		return
	}

	if globals.hub.leave(s, topic) {
		s.queueCtrl(NoErr(msg.Id, topic, msg.Timestamp))
	} else {
		s.queueCtrl(InfoNotJoined(msg.Id, topic, msg.Timestamp))
	}
}

// topics returns the topics joined by the session.
func (s *Session) topics() []string {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()

	var list []string
	for topic := range s.subs {
		list = append(list, topic)
	}
	return list
}
