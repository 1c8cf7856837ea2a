// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"encoding/json"

	t "github.com/tinode/fanout/server/store/types"
)

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// SetMaxResults configures how many results can be returned in a single DB call.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// UpgradeDb upgrades database to the current adapter version.
	UpgradeDb() error
	// Version returns adapter version
	Version() int
	// DB connection stats object.
	Stats() any

	// Topic members

	// MemberCreate adds a member to a topic.
	MemberCreate(mem *t.Member) error
	// MemberGet returns a member of the topic or ErrNotFound.
	MemberGet(topic string, user t.Uid) (*t.Member, error)
	// MemberUpdateRole changes the role of a member.
	MemberUpdateRole(topic string, user t.Uid, role t.Role) error
	// MemberDelete removes a member from the topic.
	MemberDelete(topic string, user t.Uid) error
	// MembersForTopic returns all members of the topic.
	MembersForTopic(topic string) ([]t.Member, error)

	// Messages

	// MessageSave saves a new message to DB.
	MessageSave(msg *t.Message) error
	// MessageGet returns a message by ID or ErrNotFound.
	MessageGet(id t.Uid) (*t.Message, error)
	// MessageUpdate replaces content, attachment, deleted flag and update time of an existing message.
	MessageUpdate(msg *t.Message) error
	// MessageGetPage returns up to limit messages of the topic ordered newest first.
	// If before is not nil, only messages strictly older than the cursor are returned.
	MessageGetPage(topic string, before *t.Cursor, limit int) ([]t.Message, error)
}
