package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinode/fanout/server/store/types"
)

type noopRelay struct{ name string }

func (r *noopRelay) Open(string, json.RawMessage) error { return nil }
func (r *noopRelay) Publish(context.Context, *types.Event) error { return nil }
func (r *noopRelay) Subscribe(Handler) {}
func (r *noopRelay) IsConnected() bool { return true }
func (r *noopRelay) Close() error { return nil }
func (r *noopRelay) GetName() string { return r.name }

func TestRegistry(t *testing.T) {
	Register(&noopRelay{name: "test-b"})
	Register(&noopRelay{name: "test-a"})

	if Get("test-a") == nil || Get("missing") != nil {
		t.Error("Get returned unexpected result")
	}
	names := Names()
	if len(names) < 2 || names[0] != "test-a" {
		t.Errorf("Names must be sorted: %v", names)
	}

	defer func() {
		if recover() == nil {
			t.Error("Duplicate registration must panic")
		}
	}()
	Register(&noopRelay{name: "test-a"})
}

func TestCodec(t *testing.T) {
	content := "hello"
	msg := &types.Message{
		ObjHeader: types.ObjHeader{
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		Topic:   "chat:general:messages",
		From:    "3ysxkod5hNM",
		Content: &content,
	}
	msg.SetUid(types.Uid(1234567))
	ev := &types.Event{Topic: msg.Topic, Op: types.OpCreated, Message: msg, Origin: "node1"}

	data, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ev, got, cmpopts.IgnoreUnexported(types.ObjHeader{})); diff != "" {
		t.Errorf("Event mismatch (-want +got):\n%s", diff)
	}
	if got.Message.Uid() != msg.Uid() {
		t.Errorf("Uid mismatch: %v", got.Message.Uid())
	}

	if _, err = Encode(&types.Event{Topic: "x", Op: "bogus", Message: msg}); err != types.ErrMalformed {
		t.Errorf("Invalid operation: expected ErrMalformed, got %v", err)
	}
	if _, err = Decode([]byte(`{"topic":"x","operation":"created"}`)); err != types.ErrMalformed {
		t.Errorf("Missing message: expected ErrMalformed, got %v", err)
	}
	if _, err = Decode([]byte(`{`)); err == nil {
		t.Error("Invalid JSON must fail")
	}
}
