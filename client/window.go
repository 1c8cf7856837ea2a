// Package client keeps a viewer's copy of a topic up to date. History is pulled in pages over
// HTTP, changes are pushed over a websocket channel, and while the channel is down the
// newest page is re-pulled on a fixed interval. Both paths are merged into one ordered
// Window.
package client

import (
	"slices"
	"sort"

	"github.com/tinode/fanout/server/store/types"
)

// Window is an ordered, deduplicated view of the newest part of a topic's history.
// Items are ordered newest first, the same way the store pages them: by creation time, then
// by sequence number, descending.
// The cursor points just past the oldest held item. Window is not safe for concurrent use.
type Window struct {
	items  []types.Message
	next   string
	seeded bool
}

// NewWindow creates an empty window.
func NewWindow() *Window {
	return &Window{}
}

// before reports whether a is ordered before (newer than) b.
func before(a, b *types.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Id > b.Id
}

func (w *Window) find(id string) int {
	for i := range w.items {
		if w.items[i].Id == id {
			return i
		}
	}
	return -1
}

// merge applies the last-modified rule: an unknown message is inserted at its position,
// a known one is replaced only by a newer revision.
func (w *Window) merge(msg *types.Message) bool {
	if i := w.find(msg.Id); i >= 0 {
		if !msg.Newer(&w.items[i]) {
			return false
		}
		// Creation time is immutable, the position does not change.
		w.items[i] = *msg
		return true
	}

	at := sort.Search(len(w.items), func(i int) bool {
		return before(msg, &w.items[i])
	})
	w.items = slices.Insert(w.items, at, *msg)
	return true
}

// Seed replaces the content of the window with the first page of history.
func (w *Window) Seed(items []types.Message, next string) {
	w.items = nil
	for i := range items {
		w.merge(&items[i])
	}
	w.next = next
	w.seeded = true
}

// Rebase replaces the held history with a contiguous run of the newest pages. Held
// messages newer than the run are kept, held revisions of messages in the run are merged. Reports whether the window changed.
func (w *Window) Rebase(items []types.Message, next string) bool {
	held := w.items
	w.Seed(items, next)
	front := w.Newest()
	for i := range held {
		if front == nil || before(&held[i], front) || w.find(held[i].Id) >= 0 {
			w.merge(&held[i])
		}
	}
	return !slices.EqualFunc(held, w.items, func(a, b types.Message) bool {
		return a.Id == b.Id && a.UpdatedAt.Equal(b.UpdatedAt)
	})
}

// Reconcile merges a freshly pulled page into the window. The cursor is not changed.
// The page must reach down to the newest held item, otherwise the window would have a
// gap; use Rebase then. Reports whether the window changed.
func (w *Window) Reconcile(items []types.Message) bool {
	changed := false
	for i := range items {
		if w.merge(&items[i]) {
			changed = true
		}
	}
	return changed
}

// Apply merges a pushed event. A created message is added only if it is not older than
// the newest held item; updates and deletes only touch held items. Reports whether the
// window changed.
func (w *Window) Apply(ev *types.Event) bool {
	msg := ev.Message
	if msg == nil {
		return false
	}

	if w.find(msg.Id) >= 0 {
		return w.merge(msg)
	}

	if ev.Op == types.OpCreated && (len(w.items) == 0 || !msg.CreatedAt.Before(w.items[0].CreatedAt)) {
		return w.merge(msg)
	}
	return false
}

// Append adds an older page at the tail and moves the cursor.
func (w *Window) Append(items []types.Message, next string) {
	w.Reconcile(items)
	w.next = next
}

// Newest returns a copy of the newest held message or nil if the window is empty.
func (w *Window) Newest() *types.Message {
	if len(w.items) == 0 {
		return nil
	}
	msg := w.items[0]
	return &msg
}

// Items returns a copy of the held messages, newest first.
func (w *Window) Items() []types.Message {
	return slices.Clone(w.items)
}

// Len is the number of held messages.
func (w *Window) Len() int {
	return len(w.items)
}

// NextCursor is the cursor of the next older page, empty at the end of history.
func (w *Window) NextCursor() string {
	return w.next
}

// HasMore reports whether older history can be loaded.
func (w *Window) HasMore() bool {
	return w.next != ""
}

// Seeded reports whether the first page has been loaded.
func (w *Window) Seeded() bool {
	return w.seeded
}
