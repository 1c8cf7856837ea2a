package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

/*
Member object in data.json

	{"topic": "chat:general:messages", "user": "alice", "role": "ADMIN"}
*/
type Member struct {
	Topic string     `json:"topic"`
	User  string     `json:"user"`
	Role  types.Role `json:"role"`
}

/*
Message object in data.json

	{"topic": "chat:general:messages", "from": "alice", "content": "Hi everyone"}
*/
type Message struct {
	Topic   string  `json:"topic"`
	From    string  `json:"from"`
	Content *string `json:"content"`
	FileUrl *string `json:"fileUrl"`
}

// Data is the content of data.json.
type Data struct {
	// User name -> user ID. Users may also be referenced by ID directly.
	Users    map[string]string `json:"users"`
	Members  []Member          `json:"members"`
	Messages []Message         `json:"messages"`
}

func (d *Data) uid(user string) (types.Uid, error) {
	if id, ok := d.Users[user]; ok {
		user = id
	}
	uid := types.ParseUid(user)
	if uid.IsZero() {
		return types.ZeroUid, fmt.Errorf("unknown user '%s'", user)
	}
	return uid, nil
}

// genDb loads members first, then messages in the order given.
func genDb(data *Data) error {
	for _, mem := range data.Members {
		uid, err := data.uid(mem.User)
		if err != nil {
			return err
		}
		role := mem.Role
		if role == "" {
			role = types.RoleGuest
		}
		err = store.Members.Create(&types.Member{Topic: mem.Topic, User: uid.String(), Role: role})
		if errors.Is(err, types.ErrDuplicate) {
			err = store.Members.UpdateRole(mem.Topic, uid, role)
		}
		if err != nil {
			return fmt.Errorf("member %s of %s: %w", mem.User, mem.Topic, err)
		}
	}
	log.Println("Members loaded:", len(data.Members))

	for i, msg := range data.Messages {
		uid, err := data.uid(msg.From)
		if err != nil {
			return err
		}
		if _, err = store.Messages.Append(msg.Topic, uid, msg.Content, msg.FileUrl); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	log.Println("Messages loaded:", len(data.Messages))
	return nil
}
