// Package memory is a process-local database adapter. It keeps all data in RAM and is meant
// for single-node deployments, development and tests.
package memory

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/tinode/fanout/server/store"
	t "github.com/tinode/fanout/server/store/types"
)

const (
	adpVersion  = 1
	adapterName = "memory"

	defaultMaxResults = 1024
)

// Message with its sort key.
type record struct {
	msg t.Message
	seq int64
}

// Ordering key: creation time, then the decoded (monotonic) ID.
func (r *record) less(createdAt int64, seq int64) bool {
	ms := r.msg.CreatedAt.UnixMilli()
	return ms < createdAt || (ms == createdAt && r.seq < seq)
}

// adapter holds the in-memory data.
type adapter struct {
	lock sync.RWMutex

	open       bool
	version    int
	maxResults int

	// Message records by ID.
	messages map[t.Uid]*record
	// Message IDs of every topic sorted in ascending order of creation.
	history map[string][]*record
	// Members by topic, then by user ID.
	members map[string]map[t.Uid]*t.Member
}

type configType struct {
	// Create the database at open time.
	AutoCreate *bool `json:"auto_create,omitempty"`
}

// Open initializes the adapter.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.open {
		return errors.New("memory adapter is already open")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("memory adapter failed to parse config: " + err.Error())
		}
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	a.open = true
	a.version = -1
	if config.AutoCreate == nil || *config.AutoCreate {
		a.reset()
	}
	return nil
}

// Close releases the data.
func (a *adapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.open = false
	a.version = -1
	a.messages = nil
	a.history = nil
	a.members = nil
	return nil
}

// IsOpen returns true if the adapter has been opened.
func (a *adapter) IsOpen() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.open
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.version <= 0 {
		return -1, errors.New("memory database is not initialized")
	}
	return a.version, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
func (adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}

	return nil
}

// Stats returns the number of stored objects.
func (a *adapter) Stats() any {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var members int
	for _, m := range a.members {
		members += len(m)
	}
	return map[string]int{
		"Messages": len(a.messages),
		"Topics":   len(a.history),
		"Members":  members,
	}
}

// CreateDb initializes the storage. Existing data is discarded only if reset is true.
func (a *adapter) CreateDb(reset bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return errors.New("memory adapter is not open")
	}
	if a.version > 0 && !reset {
		return errors.New("Database already initialized")
	}
	a.reset()
	return nil
}

// UpgradeDb is a noop: there is nothing to upgrade.
func (a *adapter) UpgradeDb() error {
	return a.CheckDbVersion()
}

func (a *adapter) reset() {
	a.messages = make(map[t.Uid]*record)
	a.history = make(map[string][]*record)
	a.members = make(map[string]map[t.Uid]*t.Member)
	a.version = adpVersion
}

// MemberCreate adds a member to a topic.
func (a *adapter) MemberCreate(mem *t.Member) error {
	user := t.ParseUid(mem.User)
	if user.IsZero() {
		return t.ErrInvalid
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	topic := a.members[mem.Topic]
	if topic == nil {
		topic = make(map[t.Uid]*t.Member)
		a.members[mem.Topic] = topic
	}
	if _, ok := topic[user]; ok {
		return t.ErrDuplicate
	}
	stored := *mem
	topic[user] = &stored
	return nil
}

// MemberGet returns a member of the topic.
func (a *adapter) MemberGet(topic string, user t.Uid) (*t.Member, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if mem, ok := a.members[topic][user]; ok {
		result := *mem
		return &result, nil
	}
	return nil, t.ErrNotFound
}

// MemberUpdateRole changes the role of a member.
func (a *adapter) MemberUpdateRole(topic string, user t.Uid, role t.Role) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	mem, ok := a.members[topic][user]
	if !ok {
		return t.ErrNotFound
	}
	mem.Role = role
	mem.UpdatedAt = t.TimeNow()
	return nil
}

// MemberDelete removes a member from the topic.
func (a *adapter) MemberDelete(topic string, user t.Uid) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.members[topic][user]; !ok {
		return t.ErrNotFound
	}
	delete(a.members[topic], user)
	if len(a.members[topic]) == 0 {
		delete(a.members, topic)
	}
	return nil
}

// MembersForTopic returns all members of the topic ordered by creation time.
func (a *adapter) MembersForTopic(topic string) ([]t.Member, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var result []t.Member
	for _, mem := range a.members[topic] {
		result = append(result, *mem)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MessageSave saves a new message.
func (a *adapter) MessageSave(msg *t.Message) error {
	id := msg.Uid()
	if id.IsZero() {
		return t.ErrInvalid
	}

	rec := &record{msg: *msg, seq: store.DecodeUid(id)}
	rec.msg.Seq = rec.seq

	a.lock.Lock()
	defer a.lock.Unlock()

	if _, ok := a.messages[id]; ok {
		return t.ErrDuplicate
	}
	a.messages[id] = rec

	hist := a.history[msg.Topic]
	ms := msg.CreatedAt.UnixMilli()
	// Find the insertion point. Usually it's the end of the list.
	at := sort.Search(len(hist), func(i int) bool {
		return !hist[i].less(ms, rec.seq)
	})
	hist = append(hist, nil)
	copy(hist[at+1:], hist[at:])
	hist[at] = rec
	a.history[msg.Topic] = hist
	return nil
}

// MessageGet returns a message by ID.
func (a *adapter) MessageGet(id t.Uid) (*t.Message, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	rec, ok := a.messages[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	msg := rec.msg
	return &msg, nil
}

// MessageUpdate replaces mutable fields of an existing message.
func (a *adapter) MessageUpdate(msg *t.Message) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	rec, ok := a.messages[msg.Uid()]
	if !ok {
		return t.ErrNotFound
	}
	rec.msg.Content = msg.Content
	rec.msg.FileUrl = msg.FileUrl
	rec.msg.Deleted = msg.Deleted
	rec.msg.UpdatedAt = msg.UpdatedAt
	return nil
}

// MessageGetPage returns up to limit messages older than the cursor, newest first.
func (a *adapter) MessageGetPage(topic string, before *t.Cursor, limit int) ([]t.Message, error) {
	if limit <= 0 || limit > a.maxResults {
		limit = a.maxResults
	}

	a.lock.RLock()
	defer a.lock.RUnlock()

	hist := a.history[topic]
	end := len(hist)
	if before != nil {
		ms := before.CreatedAt.UnixMilli()
		seq := store.DecodeUid(before.Id)
		end = sort.Search(len(hist), func(i int) bool {
			return !hist[i].less(ms, seq)
		})
	}

	var msgs []t.Message
	for i := end - 1; i >= 0 && len(msgs) < limit; i-- {
		msgs = append(msgs, hist[i].msg)
	}
	return msgs, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
