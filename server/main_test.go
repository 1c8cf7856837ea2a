package main

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/tinode/fanout/server/auth/token"
	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/ingest"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

var (
	alice = types.ParseUid("3ysxkod5hNM")
	bob   = types.ParseUid("9AVDamaNCRY")
	carol = types.ParseUid("0QLrX3WPS2o")
)

var testAuth *token.Authenticator

func TestMain(m *testing.M) {
	logs.Init(os.Stderr, "stdFlags")
	if err := store.Store.Open(1, test_data.StoreConfig("memory", nil)); err != nil {
		logs.Err.Fatal("Failed to open store: ", err)
	}

	var err error
	testAuth, err = token.New(json.RawMessage(
		`{"key":"wfaY2RgF2S1OQI/ZlK+LSrp1KB2jwAdGAIHQ7JZn+Kc=","serial_num":1,"expire_in":3600}`))
	if err != nil {
		logs.Err.Fatal("Failed to init auth: ", err)
	}

	code := m.Run()
	store.Store.Close()
	os.Exit(code)
}

// setupGlobals initializes the hub, the session store and the API with the memory store.
func setupGlobals(t *testing.T) *Hub {
	t.Helper()

	hub := newHub(hubConfig{Shards: 4, Workers: 2, SendTimeout: 10 * time.Millisecond})
	globals.hub = hub
	globals.sessionStore = NewSessionStore(time.Minute)
	globals.relay = nil
	globals.ingest = ingest.New(store.Messages, store.Members, nil, hub)
	globals.auth = testAuth
	globals.apiPath = defaultAPIPath
	globals.maxMessageSize = defaultMaxMessageSize
	globals.pageLimit = store.DefaultPageSize

	t.Cleanup(hub.Shutdown)
	return hub
}

// newTopic creates a topic with the given members. Roles follow the order of users:
// the first one is the admin, the rest are guests.
func newTopic(t *testing.T, users ...types.Uid) string {
	t.Helper()

	topic := "test:" + store.Store.GetUidString()
	for i, uid := range users {
		role := types.RoleGuest
		if i == 0 {
			role = types.RoleAdmin
		}
		if err := store.Members.Create(&types.Member{Topic: topic, User: uid.String(), Role: role}); err != nil {
			t.Fatal(err)
		}
	}
	return topic
}

// newTestSession creates an open session without a network connection.
func newTestSession(t *testing.T, uid types.Uid) *Session {
	t.Helper()

	s, _ := globals.sessionStore.NewSession(nil, uid, "")
	s.open()
	return s
}

// readFrame returns the next message queued for the session.
func readFrame(t *testing.T, s *Session) *ServerComMessage {
	t.Helper()

	select {
	case data := <-s.send:
		var msg ServerComMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for a frame")
	}
	return nil
}

func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()

	if n := len(s.send); n != 0 {
		t.Errorf("Session %s: expected no frames, found %d", s.sid, n)
	}
}

func strPtr(s string) *string {
	return &s
}

func testEvent(topic string, op types.Operation, content string) *types.Event {
	msg := &types.Message{Topic: topic, From: alice.String(), Content: strPtr(content)}
	msg.SetUid(store.Store.GetUid())
	msg.InitTimes()
	return &types.Event{Topic: topic, Op: op, Message: msg}
}
