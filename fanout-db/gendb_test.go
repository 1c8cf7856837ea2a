package main

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

func TestMain(m *testing.M) {
	logs.Init(os.Stderr, "stdFlags")
	if err := store.Store.Open(1, test_data.StoreConfig("memory", nil)); err != nil {
		logs.Err.Fatal("Failed to open store: ", err)
	}
	code := m.Run()
	store.Store.Close()
	os.Exit(code)
}

func TestGenDbSampleData(t *testing.T) {
	raw, err := os.ReadFile("data.json")
	if err != nil {
		t.Fatal(err)
	}
	var data Data
	if err = json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}
	if err = genDb(&data); err != nil {
		t.Fatal(err)
	}

	bob := types.ParseUid("9AVDamaNCRY")
	mem, err := store.Members.Get("chat:general:messages", bob)
	if err != nil || mem.Role != types.RoleModerator {
		t.Errorf("Bob must be a moderator: %+v, %v", mem, err)
	}

	msgs, next, err := store.Messages.Page("chat:general:messages", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || next != nil {
		t.Fatalf("Expected 3 messages and no cursor, got %d, %v", len(msgs), next)
	}
	if msgs[0].FileUrl == nil || msgs[2].From != "3ysxkod5hNM" {
		t.Errorf("Messages must be newest first: %+v", msgs)
	}

	// Loading again updates roles instead of failing on duplicates.
	data.Messages = nil
	data.Members[1].Role = types.RoleGuest
	if err = genDb(&data); err != nil {
		t.Fatal(err)
	}
	if mem, _ = store.Members.Get("chat:general:messages", bob); mem.Role != types.RoleGuest {
		t.Errorf("Role must be updated, got %s", mem.Role)
	}
}

func TestGenDbUnknownUser(t *testing.T) {
	data := &Data{Members: []Member{{Topic: "t", User: "mallory"}}}
	if err := genDb(data); err == nil {
		t.Error("Unknown user must be rejected")
	}
}
