// Package test_data contains fixtures shared by adapter tests.
package test_data

import (
	"encoding/json"

	"github.com/tinode/fanout/server/store/types"
)

// UidKey is the XTEA key used to open the store in tests.
var UidKey = []byte("la6YsO+bNX/+XIkO")

// TestData holds fixtures loaded into the database before running the suite.
type TestData struct {
	Users   []types.Uid
	Topics  []string
	Members []*types.Member
}

// StoreConfig builds store configuration for the named adapter.
func StoreConfig(adapterName string, adapterConfig json.RawMessage) json.RawMessage {
	conf := map[string]any{
		"uid_key":     UidKey,
		"max_results": 50,
		"use_adapter": adapterName,
	}
	if len(adapterConfig) > 0 {
		conf["adapters"] = map[string]json.RawMessage{adapterName: adapterConfig}
	}
	raw, _ := json.Marshal(conf)
	return raw
}

// InitTestData creates fixtures. Alice is admin of two topics, Bob is a moderator
// of the first one, Carol is a guest in both.
func InitTestData() *TestData {
	td := &TestData{
		Users: []types.Uid{
			types.ParseUid("3ysxkod5hNM"),
			types.ParseUid("9AVDamaNCRY"),
			types.ParseUid("0QLrX3WPS2o"),
		},
		Topics: []string{"chat:general:messages", "chat:random:messages", "direct:alice:carol"},
	}

	add := func(topic string, user types.Uid, role types.Role) {
		td.Members = append(td.Members, &types.Member{Topic: topic, User: user.String(), Role: role})
	}
	add(td.Topics[0], td.Users[0], types.RoleAdmin)
	add(td.Topics[0], td.Users[1], types.RoleModerator)
	add(td.Topics[0], td.Users[2], types.RoleGuest)
	add(td.Topics[1], td.Users[0], types.RoleAdmin)
	add(td.Topics[1], td.Users[2], types.RoleGuest)
	add(td.Topics[2], td.Users[0], types.RoleGuest)
	add(td.Topics[2], td.Users[2], types.RoleGuest)

	return td
}
