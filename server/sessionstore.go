/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live sessions
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

// Capacity of a session's outbound queue.
const sendQueueLimit = 128

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	// Idle timeout assigned to new sessions.
	idleTimeout time.Duration

	// All sessions indexed by session ID
	sessCache map[string]*Session
}

// NewSession creates a new session and saves it to the session store. The session is
// created in the connecting state.
func (ss *SessionStore) NewSession(conn *websocket.Conn, uid types.Uid, sid string) (*Session, int) {
	s := &Session{
		ws:          conn,
		uid:         uid,
		sid:         sid,
		send:        make(chan []byte, sendQueueLimit), // buffered
		stop:        make(chan []byte, 1),              // Buffered by 1 just to make it non-blocking
		done:        make(chan struct{}),
		idleTimeout: ss.idleTimeout,
		subs:        make(map[string]struct{}),
	}

	if s.sid == "" {
		s.sid = store.Store.GetUidString()
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsLiveSessions.Set(float64(count))

	return s, count
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	delete(ss.sessCache, s.sid)
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsLiveSessions.Set(float64(count))
	return count
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Shutdown terminates all sessions.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	sessions := make([]*Session, 0, len(ss.sessCache))
	for _, s := range ss.sessCache {
		sessions = append(sessions, s)
	}
	ss.lock.Unlock()

	shutdown, _ := json.Marshal(NoErrShutdown(types.TimeNow()))
	for _, s := range sessions {
		s.close(shutdown)
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(sessions))
}

// NewSessionStore initializes a session store.
func NewSessionStore(idleTimeout time.Duration) *SessionStore {
	if idleTimeout <= 0 {
		idleTimeout = idleSessionTimeout
	}
	return &SessionStore{
		idleTimeout: idleTimeout,
		sessCache:   make(map[string]*Session),
	}
}
