package memory

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/fanout/client"
	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/db/common/testsuite"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

func TestMain(m *testing.M) {
	logs.Init(os.Stderr, "stdFlags")
	if err := store.Store.Open(1, test_data.StoreConfig(adapterName, nil)); err != nil {
		logs.Err.Fatal("Failed to open store: ", err)
	}
	code := m.Run()
	store.Store.Close()
	os.Exit(code)
}

func TestSuite(t *testing.T) {
	testsuite.RunAll(t, test_data.InitTestData())
}

func TestCreateDb(t *testing.T) {
	a := &adapter{}
	if err := a.Open(json.RawMessage(`{"auto_create": false}`)); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.CheckDbVersion(); err == nil {
		t.Error("Uninitialized database must fail version check")
	}
	if err := a.CreateDb(false); err != nil {
		t.Fatal(err)
	}
	if err := a.CheckDbVersion(); err != nil {
		t.Error(err)
	}
	if err := a.CreateDb(false); err == nil {
		t.Error("Second CreateDb without reset must fail")
	}

	msg := &types.Message{Topic: "t"}
	msg.SetUid(store.Store.GetUid())
	msg.InitTimes()
	if err := a.MessageSave(msg); err != nil {
		t.Fatal(err)
	}
	if err := a.MessageSave(msg); err != types.ErrDuplicate {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if err := a.CreateDb(true); err != nil {
		t.Fatal(err)
	}
	if _, err := a.MessageGet(msg.Uid()); err != types.ErrNotFound {
		t.Errorf("Reset must discard data, got %v", err)
	}
}

func TestOutOfOrderInsert(t *testing.T) {
	a := &adapter{}
	if err := a.Open(nil); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// Newest messages are saved first.
	base := types.TimeNow()
	var ids []types.Uid
	for i := 0; i < 5; i++ {
		ids = append(ids, store.Store.GetUid())
	}
	for i := 0; i < 5; i++ {
		msg := &types.Message{Topic: "t", ObjHeader: types.ObjHeader{CreatedAt: base.Add(-time.Duration(i) * time.Second)}}
		msg.SetUid(ids[4-i])
		msg.InitTimes()
		if err := a.MessageSave(msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := a.MessageGetPage("t", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("Page is not ordered newest first at %d", i)
		}
	}
	if len(msgs) != 5 {
		t.Errorf("Expected 5 messages, got %d", len(msgs))
	}
}

func messageIds(msgs []types.Message) []string {
	var list []string
	for _, msg := range msgs {
		list = append(list, msg.Id)
	}
	return list
}

// Messages created in the same millisecond are paged in the order the client window
// keeps them.
func TestPageOrderMatchesWindow(t *testing.T) {
	a := &adapter{}
	if err := a.Open(nil); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	created := types.TimeNow()
	for i := 0; i < 30; i++ {
		msg := &types.Message{Topic: "t", ObjHeader: types.ObjHeader{CreatedAt: created.Add(time.Duration(i/10) * time.Millisecond)}}
		msg.SetUid(store.Store.GetUid())
		msg.InitTimes()
		if err := a.MessageSave(msg); err != nil {
			t.Fatal(err)
		}
	}

	var paged []types.Message
	var cursor *types.Cursor
	for {
		msgs, err := a.MessageGetPage("t", cursor, 7)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 0 {
			break
		}
		paged = append(paged, msgs...)
		cursor = types.CursorFor(&msgs[len(msgs)-1])
	}
	if len(paged) != 30 {
		t.Fatalf("Expected 30 messages, got %d", len(paged))
	}

	// Pages merged in reverse order.
	w := client.NewWindow()
	for i := len(paged); i > 0; i -= 7 {
		w.Reconcile(paged[max(i-7, 0):i])
	}
	if diff := cmp.Diff(messageIds(paged), messageIds(w.Items())); diff != "" {
		t.Errorf("Window order differs from page order (-store +window):\n%s", diff)
	}

	// Pushed one by one in the order of creation.
	w = client.NewWindow()
	for i := len(paged) - 1; i >= 0; i-- {
		if !w.Apply(&types.Event{Topic: "t", Op: types.OpCreated, Message: &paged[i]}) {
			t.Fatalf("Pushed message %s dropped", paged[i].Id)
		}
	}
	if diff := cmp.Diff(messageIds(paged), messageIds(w.Items())); diff != "" {
		t.Errorf("Window order differs from page order (-store +window):\n%s", diff)
	}
}
