// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	adapter "github.com/tinode/fanout/server/db"
	"github.com/tinode/fanout/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator
var uGen types.UidGenerator

const (
	// Page size when the caller does not specify one.
	DefaultPageSize = 10
	// Page size cap when the config does not specify one.
	defaultMaxResults = 100
)

// Page size cap.
var maxResults = defaultMaxResults

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.UidGenerator.
	UidKey []byte `json:"uid_key"`
	// Maximum number of results to return from adapter.
	MaxResults int `json:"max_results"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter` in `fanout.conf`")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	// Initialize snowflake.
	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}

	if err := uGen.Init(uint(workerId), config.UidKey); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	if config.MaxResults > 0 {
		maxResults = config.MaxResults
	}
	// One extra row is fetched to detect the end of history.
	if err := adp.SetMaxResults(maxResults + 1); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interation with persistent storage.
type PersistentStorageInterface interface {
	Open(workerId int, jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	UpgradeDb(jsonconf json.RawMessage) error
	GetUid() types.Uid
	GetUidString() string
	DbStats() func() any
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool for a database instance.
//
//	workerId - snowflake worker ID, unique per node
//	jsonconf - configuration string
func (storeObj) Open(workerId int, jsonconf json.RawMessage) error {
	if err := openAdapter(workerId, jsonconf); err != nil {
		return err
	}

	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp != nil && adp.IsOpen() {
		return adp.Close()
	}

	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}

	return false
}

// GetAdapterName returns the name of the current adater.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}

	return ""
}

// GetAdapterVersion returns version of the current adater.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}

	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if adp != nil {
		vers, _ := adp.GetDbVersion()
		return vers
	}

	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will first
// attempt to drop an existing database. If jsconf is nil it will assume that the adapter is
// already open. If it's non-nil and the adapter is not open, it will use the config string
// to open the adapter first.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(1, jsonconf); err != nil {
			return err
		}
	}
	return adp.CreateDb(reset)
}

// UpgradeDb performes an upgrade of the database to the current adapter version.
// If jsconf is nil it will assume that the adapter is already open. If it's non-nil and the
// adapter is not open, it will use the config string to open the adapter first.
func (s storeObj) UpgradeDb(jsonconf json.RawMessage) error {
	if !s.IsOpen() {
		if err := openAdapter(1, jsonconf); err != nil {
			return err
		}
	}
	return adp.UpgradeDb()
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// GetAdapterNames returns names of the adapters compiled into the binary.
func GetAdapterNames() []string {
	var names []string
	for name := range availableAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetUid generates a unique ID suitable for use as a primary key.
func (storeObj) GetUid() types.Uid {
	return uGen.Get()
}

// GetUidString generate unique ID as string
func (storeObj) GetUidString() string {
	return uGen.GetStr()
}

// DecodeUid takes an XTEA encrypted Uid and decrypts it into an int64.
// This is needed for sql compatibility. The original int64 values
// are generated by snowflake which ensures that the top bit is unset.
func DecodeUid(uid types.Uid) int64 {
	if uid.IsZero() {
		return 0
	}
	return uGen.DecodeUid(uid)
}

// EncodeUid applies XTEA encryption to an int64 value. It's the inverse of DecodeUid.
func EncodeUid(id int64) types.Uid {
	if id == 0 {
		return types.ZeroUid
	}
	return uGen.EncodeInt64(id)
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() any {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// MembersPersistenceInterface is an interface which defines methods for reading and
// maintaining topic membership.
type MembersPersistenceInterface interface {
	Create(mem *types.Member) error
	Get(topic string, user types.Uid) (*types.Member, error)
	UpdateRole(topic string, user types.Uid, role types.Role) error
	Delete(topic string, user types.Uid) error
	GetAll(topic string) ([]types.Member, error)
}

// MembersObjMapper is a struct to hold methods for persistence mapping for the Member object.
type MembersObjMapper struct{}

// Members is the anchor for storing/retrieving Member objects.
var Members MembersPersistenceInterface

// Create adds a member to a topic.
func (MembersObjMapper) Create(mem *types.Member) error {
	if mem.Topic == "" || mem.User == "" {
		return types.ErrInvalid
	}
	if mem.Role == "" {
		mem.Role = types.RoleGuest
	} else if !mem.Role.IsValid() {
		return types.ErrInvalid
	}
	if mem.Uid().IsZero() {
		mem.SetUid(Store.GetUid())
	}
	mem.InitTimes()
	return adp.MemberCreate(mem)
}

// Get returns the membership record of the user in the topic.
func (MembersObjMapper) Get(topic string, user types.Uid) (*types.Member, error) {
	return adp.MemberGet(topic, user)
}

// UpdateRole changes member's role.
func (MembersObjMapper) UpdateRole(topic string, user types.Uid, role types.Role) error {
	if !role.IsValid() {
		return types.ErrInvalid
	}
	return adp.MemberUpdateRole(topic, user, role)
}

// Delete removes the user from the topic.
func (MembersObjMapper) Delete(topic string, user types.Uid) error {
	return adp.MemberDelete(topic, user)
}

// GetAll returns all members of the topic.
func (MembersObjMapper) GetAll(topic string) ([]types.Member, error) {
	return adp.MembersForTopic(topic)
}

// MessagesPersistenceInterface is an interface which defines methods for persistent storage of messages.
type MessagesPersistenceInterface interface {
	Append(topic string, from types.Uid, content, fileUrl *string) (*types.Message, error)
	Get(topic string, id types.Uid) (*types.Message, error)
	Edit(topic string, id types.Uid, content string) (*types.Message, error)
	SoftDelete(topic string, id types.Uid) (*types.Message, error)
	Page(topic string, cursor *types.Cursor, limit int) ([]types.Message, *types.Cursor, error)
}

// MessagesObjMapper is a struct to hold methods for persistence mapping for the Message object.
type MessagesObjMapper struct{}

// Messages is the anchor for storing/retrieving Message objects
var Messages MessagesPersistenceInterface

// Append assigns an ID and creation time to a new message and saves it.
func (MessagesObjMapper) Append(topic string, from types.Uid, content, fileUrl *string) (*types.Message, error) {
	if topic == "" || from.IsZero() || (content == nil && fileUrl == nil) {
		return nil, types.ErrInvalid
	}

	msg := &types.Message{
		Topic:   topic,
		From:    from.String(),
		Content: content,
		FileUrl: fileUrl,
	}
	msg.SetUid(Store.GetUid())
	if msg.Uid().IsZero() {
		return nil, types.ErrInternal
	}
	msg.Seq = DecodeUid(msg.Uid())
	msg.InitTimes()

	if err := adp.MessageSave(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Get returns a message by id. The message must belong to the given topic.
func (MessagesObjMapper) Get(topic string, id types.Uid) (*types.Message, error) {
	msg, err := adp.MessageGet(id)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Topic != topic {
		return nil, types.ErrNotFound
	}
	return msg, nil
}

// Edit replaces message content. Creation time is preserved.
func (m MessagesObjMapper) Edit(topic string, id types.Uid, content string) (*types.Message, error) {
	msg, err := m.Get(topic, id)
	if err != nil {
		return nil, err
	}
	msg.Content = &content
	msg.UpdatedAt = nextUpdateTime(msg)
	if err = adp.MessageUpdate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SoftDelete replaces message content with a tombstone, clears the attachment and marks the
// message as deleted. The record itself persists.
func (m MessagesObjMapper) SoftDelete(topic string, id types.Uid) (*types.Message, error) {
	msg, err := m.Get(topic, id)
	if err != nil {
		return nil, err
	}
	tombstone := types.TombstoneText
	msg.Content = &tombstone
	msg.FileUrl = nil
	msg.Deleted = true
	msg.UpdatedAt = nextUpdateTime(msg)
	if err = adp.MessageUpdate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Page returns up to limit messages older than the cursor, newest first, and a cursor
// for the following page. The returned cursor is nil when the end of history is reached.
func (MessagesObjMapper) Page(topic string, cursor *types.Cursor, limit int) ([]types.Message, *types.Cursor, error) {
	if topic == "" {
		return nil, nil, types.ErrInvalid
	}
	if limit <= 0 {
		limit = DefaultPageSize
	} else if limit > maxResults {
		limit = maxResults
	}

	msgs, err := adp.MessageGetPage(topic, cursor, limit+1)
	if err != nil {
		return nil, nil, err
	}

	var next *types.Cursor
	if len(msgs) > limit {
		msgs = msgs[:limit]
		next = types.CursorFor(&msgs[limit-1])
	}
	return msgs, next, nil
}

// Returns an update time strictly later than the current one.
func nextUpdateTime(msg *types.Message) time.Time {
	now := types.TimeNow()
	if !now.After(msg.UpdatedAt) {
		now = msg.UpdatedAt.Add(time.Millisecond)
	}
	return now
}

func init() {
	Store = storeObj{}
	Members = MembersObjMapper{}
	Messages = MessagesObjMapper{}
}
