/******************************************************************************
 *
 *  Description :
 *
 *    Main hub for routing delivery events to the sessions which joined the
 *    event's topic.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tinode/fanout/server/concurrency"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store/types"
)

const (
	// Number of topic index shards.
	defaultHubShards = 64
	// Number of workers emitting events. Events of one topic always use the same worker.
	defaultHubWorkers = 16
	// Capacity of the routing queue.
	defaultRouteQueue = 4096
)

// Session is closed and cannot join topics.
var errSessionClosed = errors.New("session closed")

// One partition of the topic index.
type topicShard struct {
	sync.RWMutex
	// Sessions by topic.
	topics map[string]map[*Session]struct{}
}

// Hub is the core structure which holds the index of topic subscriptions.
type Hub struct {
	shards []*topicShard

	// Events to deliver to locally connected sessions, buffered.
	route chan *types.Event

	// Per-topic ordered emitters.
	pool *concurrency.KeyedPool

	// How long to wait for space in a session's send queue before dropping the session.
	sendTimeout time.Duration

	// Request to shutdown, unbuffered
	shutdown chan chan<- bool
	// Closed when the hub stops accepting events.
	done chan struct{}
}

type hubConfig struct {
	Shards      int
	Workers     int
	QueueLen    int
	SendTimeout time.Duration
}

func newHub(conf hubConfig) *Hub {
	if conf.Shards <= 0 {
		conf.Shards = defaultHubShards
	}
	if conf.Workers <= 0 {
		conf.Workers = defaultHubWorkers
	}
	if conf.QueueLen <= 0 {
		conf.QueueLen = defaultRouteQueue
	}

	h := &Hub{
		shards:      make([]*topicShard, conf.Shards),
		route:       make(chan *types.Event, conf.QueueLen),
		pool:        concurrency.NewKeyedPool(conf.Workers, conf.QueueLen/conf.Workers+1),
		sendTimeout: conf.SendTimeout,
		shutdown:    make(chan chan<- bool),
		done:        make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &topicShard{topics: make(map[string]map[*Session]struct{})}
	}

	go h.run()

	return h
}

func (h *Hub) shard(topic string) *topicShard {
	hash := fnv.New32a()
	hash.Write([]byte(topic))
	return h.shards[hash.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) run() {
	for {
		select {
		case ev := <-h.route:
			if !h.pool.Schedule(ev.Topic, func() { h.emit(ev) }) {
				logs.Warn.Println("hub: event dropped, emitters stopped", ev.Topic)
			}

		case hubdone := <-h.shutdown:
			close(h.done)
			// Emit what's already queued.
		drain:
			for {
				select {
				case ev := <-h.route:
					h.pool.Schedule(ev.Topic, func() { h.emit(ev) })
				default:
					break drain
				}
			}
			h.pool.Stop()

			logs.Info.Println("hub: shutdown completed")
			hubdone <- true
			return
		}
	}
}

// Route queues an event received from the relay for delivery to local sessions.
func (h *Hub) Route(ev *types.Event) {
	if ev == nil || ev.Topic == "" {
		return
	}
	select {
	case h.route <- ev:
	case <-h.done:
	}
}

// Emit delivers the event to local sessions and returns when the delivery is completed.
// Events of the same topic are still emitted in order with the routed ones.
func (h *Hub) Emit(ev *types.Event) {
	if ev == nil || ev.Topic == "" {
		return
	}
	if !h.pool.Run(ev.Topic, func() { h.emit(ev) }) {
		logs.Warn.Println("hub: local emission after shutdown", ev.Topic)
	}
}

// emit writes the event to every open session subscribed to the topic.
func (h *Hub) emit(ev *types.Event) {
	start := time.Now()

	sh := h.shard(ev.Topic)
	sh.RLock()
	subs := sh.topics[ev.Topic]
	targets := make([]*Session, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	sh.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(dataFrame(ev))
	if err != nil {
		logs.Err.Println("hub: failed to serialize event", ev.Topic, err)
		return
	}

	var slow []*Session
	for _, s := range targets {
		switch s.queueOut(data, h.sendTimeout) {
		case queueOk:
			statsOutgoingFrames.Inc()
		case queueFull:
			slow = append(slow, s)
		}
	}

	// Slow sessions are removed before the next event of the topic is processed.
	for _, s := range slow {
		logs.Warn.Println("hub: dropping slow session", s.sid, ev.Topic)
		statsDroppedSessions.Inc()
		s.close(nil)
	}

	statsEmitLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

// join adds the session to the topic index. Returns false if the session already joined
// the topic.
func (h *Hub) join(sess *Session, topic string) (bool, error) {
	sess.subsLock.Lock()
	defer sess.subsLock.Unlock()

	if sess.subs == nil {
		return false, errSessionClosed
	}
	if _, ok := sess.subs[topic]; ok {
		return false, nil
	}
	sess.subs[topic] = struct{}{}

	sh := h.shard(topic)
	sh.Lock()
	subs := sh.topics[topic]
	if subs == nil {
		subs = make(map[*Session]struct{})
		sh.topics[topic] = subs
		statsTopics.Inc()
	}
	subs[sess] = struct{}{}
	sh.Unlock()

	return true, nil
}

// leave removes the session from the topic index. Returns false if the session did not
// join the topic.
func (h *Hub) leave(sess *Session, topic string) bool {
	sess.subsLock.Lock()
	defer sess.subsLock.Unlock()

	if _, ok := sess.subs[topic]; !ok {
		return false
	}
	delete(sess.subs, topic)
	h.unindex(sess, topic)
	return true
}

// unregister removes the session from all topics it joined. Once it returns the
// session can join nothing and receives no events.
func (h *Hub) unregister(sess *Session) {
	sess.subsLock.Lock()
	defer sess.subsLock.Unlock()

	for topic := range sess.subs {
		h.unindex(sess, topic)
	}
	sess.subs = nil
}

func (h *Hub) unindex(sess *Session, topic string) {
	sh := h.shard(topic)
	sh.Lock()
	if subs := sh.topics[topic]; subs != nil {
		delete(subs, sess)
		if len(subs) == 0 {
			delete(sh.topics, topic)
			statsTopics.Dec()
		}
	}
	sh.Unlock()
}

// subscribers returns the number of sessions which joined the topic.
func (h *Hub) subscribers(topic string) int {
	sh := h.shard(topic)
	sh.RLock()
	defer sh.RUnlock()

	return len(sh.topics[topic])
}

// Shutdown stops the hub and waits for the queued events to be emitted.
func (h *Hub) Shutdown() {
	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}
