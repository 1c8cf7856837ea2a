// Package testsuite contains tests shared by all database adapters. The tests run against
// the store mappers, so the adapter under test must be open in the store.
package testsuite

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

func strPtr(s string) *string {
	return &s
}

// appendN posts n messages to the topic and returns them in the order of creation.
func appendN(t *testing.T, topic string, from types.Uid, n int) []*types.Message {
	t.Helper()

	var msgs []*types.Message
	for i := 0; i < n; i++ {
		msg, err := store.Messages.Append(topic, from, strPtr(fmt.Sprintf("message %d", i)), nil)
		if err != nil {
			t.Fatalf("Append #%d failed: %v", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// RunAppendGet runs the shared tests of message creation.
func RunAppendGet(t *testing.T, td *test_data.TestData) {
	t.Helper()

	topic := td.Topics[1]
	msg, err := store.Messages.Append(topic, td.Users[0], strPtr("hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Uid().IsZero() || msg.CreatedAt.IsZero() || !msg.CreatedAt.Equal(msg.UpdatedAt) {
		t.Fatalf("Message header not initialized: %+v", msg)
	}
	if msg.Seq != store.DecodeUid(msg.Uid()) {
		t.Errorf("Sequence number mismatch: %d", msg.Seq)
	}

	got, err := store.Messages.Get(topic, msg.Uid())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(msg, got, cmpopts.IgnoreUnexported(types.ObjHeader{})); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	// Attachment only.
	att, err := store.Messages.Append(topic, td.Users[2], nil, strPtr("https://files.example.com/a.png"))
	if err != nil {
		t.Fatal(err)
	}
	if att.Content != nil || att.FileUrl == nil {
		t.Errorf("Attachment message mismatch: %+v", att)
	}

	// Neither content nor attachment.
	if _, err = store.Messages.Append(topic, td.Users[0], nil, nil); err != types.ErrInvalid {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}

	// Wrong topic and unknown ID.
	if _, err = store.Messages.Get(td.Topics[0], msg.Uid()); err != types.ErrNotFound {
		t.Errorf("Message in another topic: expected ErrNotFound, got %v", err)
	}
	if _, err = store.Messages.Get(topic, types.Uid(12345)); err != types.ErrNotFound {
		t.Errorf("Unknown message: expected ErrNotFound, got %v", err)
	}
}

// RunEditDelete runs the shared tests of message edits and soft deletes.
func RunEditDelete(t *testing.T, td *test_data.TestData) {
	t.Helper()

	topic := td.Topics[1]
	orig, err := store.Messages.Append(topic, td.Users[0], strPtr("first version"), strPtr("https://files.example.com/x.pdf"))
	if err != nil {
		t.Fatal(err)
	}

	edited, err := store.Messages.Edit(topic, orig.Uid(), "second version")
	if err != nil {
		t.Fatal(err)
	}
	if *edited.Content != "second version" || !edited.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("Edit mismatch: %+v", edited)
	}
	if !edited.Newer(orig) || !edited.Updated() {
		t.Error("Edited revision must be newer than the original")
	}

	stored, err := store.Messages.Get(topic, orig.Uid())
	if err != nil {
		t.Fatal(err)
	}
	if *stored.Content != "second version" || !stored.UpdatedAt.Equal(edited.UpdatedAt) {
		t.Errorf("Edit not persisted: %+v", stored)
	}

	deleted, err := store.Messages.SoftDelete(topic, orig.Uid())
	if err != nil {
		t.Fatal(err)
	}
	if !deleted.Deleted || deleted.Content == nil || *deleted.Content != types.TombstoneText || deleted.FileUrl != nil {
		t.Errorf("Soft delete mismatch: %+v", deleted)
	}
	if !deleted.Newer(edited) {
		t.Error("Deleted revision must be newer than the edited one")
	}

	// The record persists.
	stored, err = store.Messages.Get(topic, orig.Uid())
	if err != nil {
		t.Fatal("Soft-deleted message must persist:", err)
	}
	if !stored.Deleted || stored.FileUrl != nil {
		t.Errorf("Soft delete not persisted: %+v", stored)
	}

	if _, err = store.Messages.Edit(td.Topics[0], orig.Uid(), "x"); err != types.ErrNotFound {
		t.Errorf("Edit in another topic: expected ErrNotFound, got %v", err)
	}
	if _, err = store.Messages.SoftDelete(topic, types.Uid(777)); err != types.ErrNotFound {
		t.Errorf("Delete of unknown message: expected ErrNotFound, got %v", err)
	}
}

// RunPageTraversal checks that repeated paging from the newest message yields every
// message of the topic exactly once in strictly descending creation order.
func RunPageTraversal(t *testing.T, td *test_data.TestData) {
	t.Helper()

	topic := td.Topics[0]
	// Another topic's messages must not leak into the page.
	appendN(t, td.Topics[2], td.Users[0], 3)
	created := appendN(t, topic, td.Users[1], 23)

	seen := make(map[string]bool)
	var all []types.Message
	var cursor *types.Cursor
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("Too many pages")
		}
		msgs, next, err := store.Messages.Page(topic, cursor, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) > 5 {
			t.Fatalf("Page is over the limit: %d", len(msgs))
		}
		for _, m := range msgs {
			if m.Topic != topic {
				t.Fatalf("Message from another topic %s", m.Topic)
			}
			if seen[m.Id] {
				t.Fatalf("Duplicate message %s", m.Id)
			}
			seen[m.Id] = true
		}
		all = append(all, msgs...)
		if next == nil {
			break
		}
		cursor = next
	}

	if len(all) != len(created) {
		t.Fatalf("Traversal returned %d messages, want %d", len(all), len(created))
	}
	for i := range all {
		want := created[len(created)-1-i]
		if all[i].Id != want.Id {
			t.Fatalf("Position %d: got %s, want %s", i, all[i].Id, want.Id)
		}
		if i > 0 && all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("Order violated at %d", i)
		}
	}

	// Messages added after the first page was read do not shift the following pages.
	first, next, err := store.Messages.Page(topic, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, topic, td.Users[0], 2)
	second, _, err := store.Messages.Page(topic, next, 5)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Id != all[len(first)].Id {
		t.Errorf("Cursor must be stable: got %s, want %s", second[0].Id, all[len(first)].Id)
	}
}

// RunPageExactLimit checks that a topic with exactly limit messages is returned as a
// single page without a cursor.
func RunPageExactLimit(t *testing.T, td *test_data.TestData) {
	t.Helper()

	topic := "exact:limit:" + store.Store.GetUidString()
	appendN(t, topic, td.Users[0], 20)

	msgs, next, err := store.Messages.Page(topic, nil, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 20 {
		t.Errorf("Expected 20 messages, got %d", len(msgs))
	}
	if next != nil {
		t.Errorf("Expected no cursor, got %s", next.Encode())
	}

	msgs, next, err = store.Messages.Page(topic, nil, 19)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 19 || next == nil {
		t.Fatalf("Expected 19 messages and a cursor, got %d, %v", len(msgs), next)
	}
	msgs, next, err = store.Messages.Page(topic, next, 19)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || next != nil {
		t.Errorf("Expected the last message and no cursor, got %d, %v", len(msgs), next)
	}

	// Empty topic.
	msgs, next, err = store.Messages.Page("empty:topic", nil, 10)
	if err != nil || len(msgs) != 0 || next != nil {
		t.Errorf("Empty topic: got %d messages, %v, %v", len(msgs), next, err)
	}
}
