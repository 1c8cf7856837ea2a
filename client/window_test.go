package client

import (
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinode/fanout/server/store/types"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var cmpMessages = cmpopts.IgnoreUnexported(types.ObjHeader{})

func strPtr(s string) *string {
	return &s
}

// msgAt creates a message created n seconds after epoch.
func msgAt(id string, n int, content string) types.Message {
	msg := types.Message{Topic: "t", From: "author", Content: strPtr(content)}
	msg.Id = id
	msg.CreatedAt = epoch.Add(time.Duration(n) * time.Second)
	msg.UpdatedAt = msg.CreatedAt
	return msg
}

// revision returns a copy of msg modified d after its last update.
func revision(msg types.Message, d time.Duration, content string) types.Message {
	msg.Content = strPtr(content)
	msg.UpdatedAt = msg.UpdatedAt.Add(d)
	return msg
}

// sameMillisecond creates n messages with generated IDs, all created at the same time,
// in the order of creation.
func sameMillisecond(t *testing.T, n int) []types.Message {
	t.Helper()

	var ug types.UidGenerator
	if err := ug.Init(1, []byte("0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	var msgs []types.Message
	for i := 0; i < n; i++ {
		msg := msgAt("", 5, strconv.Itoa(i))
		uid := ug.Get()
		msg.SetUid(uid)
		msg.Seq = ug.DecodeUid(uid)
		msgs = append(msgs, msg)
	}
	return msgs
}

func reversed(msgs []types.Message) []types.Message {
	out := slices.Clone(msgs)
	slices.Reverse(out)
	return out
}

func ids(items []types.Message) []string {
	var list []string
	for _, msg := range items {
		list = append(list, msg.Id)
	}
	return list
}

func event(op types.Operation, msg types.Message) *types.Event {
	return &types.Event{Topic: msg.Topic, Op: op, Message: &msg}
}

func TestSeedOrders(t *testing.T) {
	w := NewWindow()
	w.Seed([]types.Message{msgAt("a", 1, ""), msgAt("c", 3, ""), msgAt("b", 2, ""), msgAt("c", 3, "")}, "cur")

	if diff := cmp.Diff([]string{"c", "b", "a"}, ids(w.Items())); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if !w.Seeded() || !w.HasMore() || w.NextCursor() != "cur" {
		t.Errorf("Window state: seeded %v, cursor %q", w.Seeded(), w.NextCursor())
	}
}

func TestEqualTimesOrderedBySeq(t *testing.T) {
	msgs := sameMillisecond(t, 20)
	shuffled := []types.Message{}
	for i := 0; i < len(msgs); i += 2 {
		shuffled = append(shuffled, msgs[i])
	}
	for i := 1; i < len(msgs); i += 2 {
		shuffled = append(shuffled, msgs[i])
	}

	w := NewWindow()
	w.Reconcile(shuffled)
	if diff := cmp.Diff(ids(reversed(msgs)), ids(w.Items())); diff != "" {
		t.Errorf("Tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestApplySameMillisecondCreated(t *testing.T) {
	msgs := sameMillisecond(t, 100)

	w := NewWindow()
	w.Seed(msgs[:1], "")
	for i := 1; i < len(msgs); i++ {
		if !w.Apply(event(types.OpCreated, msgs[i])) {
			t.Fatalf("Message #%d created in the same millisecond as the newest was dropped", i)
		}
	}
	if diff := cmp.Diff(ids(reversed(msgs)), ids(w.Items())); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	// Pushed out of order, within the newest millisecond.
	w = NewWindow()
	w.Seed(msgs[:1], "")
	for i := len(msgs) - 1; i > 0; i-- {
		w.Apply(event(types.OpCreated, msgs[i]))
	}
	if diff := cmp.Diff(ids(reversed(msgs)), ids(w.Items())); diff != "" {
		t.Errorf("Out of order pushes (-want +got):\n%s", diff)
	}
}

func TestApplyCreatedIdempotent(t *testing.T) {
	w := NewWindow()
	w.Seed([]types.Message{msgAt("a", 1, "first")}, "")

	ev := event(types.OpCreated, msgAt("b", 2, "second"))
	if !w.Apply(ev) {
		t.Fatal("New message must change the window")
	}
	once := w.Items()

	if w.Apply(ev) {
		t.Error("Duplicate event must not change the window")
	}
	if diff := cmp.Diff(once, w.Items(), cmpMessages); diff != "" {
		t.Errorf("Window changed on duplicate (-once +twice):\n%s", diff)
	}
}

func TestApplyRules(t *testing.T) {
	w := NewWindow()
	a, b := msgAt("a", 1, "a"), msgAt("b", 2, "b")
	w.Seed([]types.Message{b, a}, "older")

	// Unknown and not newer than the newest.
	if w.Apply(event(types.OpCreated, msgAt("old", 0, "late"))) {
		t.Error("Old unknown message must be ignored")
	}
	// Updates for unknown ids.
	if w.Apply(event(types.OpUpdated, msgAt("zz", 9, "z"))) {
		t.Error("Update of an unknown message must be ignored")
	}

	edited := revision(a, time.Second, "a2")
	if !w.Apply(event(types.OpUpdated, edited)) {
		t.Fatal("Newer revision must replace the held message")
	}
	if w.Apply(event(types.OpUpdated, revision(a, time.Millisecond, "stale"))) {
		t.Error("Stale revision must be discarded")
	}
	if w.Apply(event(types.OpUpdated, edited)) {
		t.Error("Same revision must be discarded")
	}

	deleted := revision(edited, time.Second, types.TombstoneText)
	deleted.Deleted = true
	if !w.Apply(event(types.OpDeleted, deleted)) {
		t.Fatal("Delete must replace the held message")
	}

	items := w.Items()
	if diff := cmp.Diff([]string{"b", "a"}, ids(items)); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if !items[1].Deleted || *items[1].Content != types.TombstoneText {
		t.Errorf("Expected a tombstone, got %+v", items[1])
	}
	if w.NextCursor() != "older" {
		t.Errorf("Push events must not move the cursor")
	}
}

func TestReconcileCommutes(t *testing.T) {
	base := []types.Message{msgAt("a", 1, "a"), msgAt("b", 2, "b"), msgAt("c", 3, "c")}
	pulled := []types.Message{msgAt("d", 4, "d"), revision(base[2], time.Second, "c2"), base[1], base[0]}
	pushed := []types.Message{
		revision(base[1], 2*time.Second, "b2"),
		msgAt("d", 4, "d"),
		revision(base[2], 500*time.Millisecond, "c-stale"),
		msgAt("e", 5, "e"),
	}

	pageFirst := NewWindow()
	pageFirst.Seed(base, "cur")
	pageFirst.Reconcile(pulled)
	pageFirst.Reconcile(pushed)

	pushFirst := NewWindow()
	pushFirst.Seed(base, "cur")
	for i := len(pushed) - 1; i >= 0; i-- {
		pushFirst.Reconcile(pushed[i : i+1])
	}
	pushFirst.Reconcile(pulled)

	if diff := cmp.Diff(pageFirst.Items(), pushFirst.Items(), cmpMessages); diff != "" {
		t.Errorf("Merge order changed the result (-page first +push first):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"e", "d", "c", "b", "a"}, ids(pageFirst.Items())); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	items := pageFirst.Items()
	if *items[2].Content != "c2" || *items[3].Content != "b2" {
		t.Errorf("Newest revisions must win: c=%s b=%s", *items[2].Content, *items[3].Content)
	}
}

func TestAppend(t *testing.T) {
	w := NewWindow()
	w.Seed([]types.Message{msgAt("d", 4, ""), msgAt("c", 3, "")}, "c-cursor")

	// The older page overlaps with the held one.
	w.Append([]types.Message{msgAt("c", 3, ""), msgAt("b", 2, ""), msgAt("a", 1, "")}, "")

	if diff := cmp.Diff([]string{"d", "c", "b", "a"}, ids(w.Items())); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if w.HasMore() {
		t.Error("End of history must clear the cursor")
	}
}

func TestApplyToEmptyWindow(t *testing.T) {
	w := NewWindow()
	if !w.Apply(event(types.OpCreated, msgAt("a", 1, ""))) {
		t.Error("First message must be added")
	}
	if w.Apply(&types.Event{Op: types.OpCreated}) {
		t.Error("Event without a message must be ignored")
	}
	if w.Len() != 1 {
		t.Errorf("Expected 1 item, got %d", w.Len())
	}
}

func TestRebase(t *testing.T) {
	w := NewWindow()
	old := []types.Message{msgAt("b", 2, "b"), msgAt("a", 1, "a")}
	w.Seed(old, "")

	// A message pushed while the pages were pulled, and a newer revision of one of them.
	pushed := msgAt("z", 30, "z")
	w.Apply(event(types.OpCreated, pushed))
	d := msgAt("d", 20, "d")
	w.Apply(event(types.OpCreated, d))
	edited := revision(d, time.Second, "d2")
	w.Apply(event(types.OpUpdated, edited))

	if !w.Rebase([]types.Message{d, msgAt("c", 10, "c")}, "c-cursor") {
		t.Fatal("Rebase must change the window")
	}
	items := w.Items()
	if diff := cmp.Diff([]string{"z", "d", "c"}, ids(items)); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if *items[1].Content != "d2" {
		t.Errorf("Held revision must win, got %q", *items[1].Content)
	}
	if w.NextCursor() != "c-cursor" {
		t.Errorf("Cursor must point below the pulled pages, got %q", w.NextCursor())
	}
	if w.Rebase(items[1:], "c-cursor") {
		t.Error("Rebase with the held content must not change the window")
	}
}
