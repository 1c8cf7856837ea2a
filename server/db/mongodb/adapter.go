//go:build mongodb
// +build mongodb

// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tinode/fanout/server/db/common"
	"github.com/tinode/fanout/server/logs"
	"github.com/tinode/fanout/server/store"
	t "github.com/tinode/fanout/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
	version    int
	ctx        context.Context
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "fanout"

	adpVersion  = 100
	adapterName = "mongodb"

	defaultMaxResults = 1024
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	Addresses      any `json:"addresses,omitempty"`
	ConnectTimeout int `json:"timeout,omitempty"`

	// Options separately from ClientOptions (custom options):
	Database   string `json:"database,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Stored form of a message. Seq is the decoded ID, a tie-breaker for messages
// created in the same millisecond.
type messageDoc struct {
	Id        string    `bson:"_id"`
	Seq       int64     `bson:"seq"`
	CreatedAt time.Time `bson:"createdat"`
	UpdatedAt time.Time `bson:"updatedat"`
	Topic     string    `bson:"topic"`
	From      string    `bson:"from"`
	Content   *string   `bson:"content"`
	FileUrl   *string   `bson:"fileurl"`
	Deleted   bool      `bson:"deleted"`
}

func (d *messageDoc) toMessage() t.Message {
	msg := t.Message{
		ObjHeader: t.ObjHeader{Id: d.Id, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()},
		Topic:     d.Topic,
		From:      d.From,
		Content:   d.Content,
		FileUrl:   d.FileUrl,
		Deleted:   d.Deleted,
		Seq:       d.Seq,
	}
	msg.SetUid(t.ParseUid(d.Id))
	return msg
}

type memberDoc struct {
	Id        string    `bson:"_id"`
	CreatedAt time.Time `bson:"createdat"`
	UpdatedAt time.Time `bson:"updatedat"`
	Topic     string    `bson:"topic"`
	User      string    `bson:"user"`
	Role      string    `bson:"role"`
}

func (d *memberDoc) toMember() *t.Member {
	mem := &t.Member{
		ObjHeader: t.ObjHeader{Id: d.Id, CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()},
		Topic:     d.Topic,
		User:      d.User,
		Role:      t.Role(d.Role),
	}
	mem.SetUid(t.ParseUid(d.Id))
	return mem
}

// Open initializes mongodb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	var opts mdbopts.ClientOptions

	if config.Addresses == nil {
		opts.SetHosts([]string{defaultHost})
	} else if host, ok := config.Addresses.(string); ok {
		opts.SetHosts([]string{host})
	} else if hosts, ok := config.Addresses.([]any); ok {
		var list []string
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				list = append(list, s)
			}
		}
		opts.SetHosts(list)
	} else {
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.Username != "" {
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   config.Password != "",
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.ctx = context.Background()
	a.conn, err = mdb.Connect(a.ctx, &opts)
	if err != nil {
		a.conn = nil
		return err
	}
	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int
	}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		if err == mdb.ErrNoDocuments {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks if the actual database version matches adapter version.
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

// Version returns adapter version
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter
func (a *adapter) GetName() string {
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

// Stats is not implemented by the mongo driver.
func (a *adapter) Stats() any {
	return nil
}

// CreateDb creates the database optionally dropping an existing database first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		logs.Info.Print("Dropping database...")
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if a.isDbInitialized() {
		return errors.New("Database already initialized")
	}
	// Collections (tables) do not need to be explicitly created since MongoDB creates them with first write operation

	indexes := []struct {
		Collection string
		IndexOpts  mdb.IndexModel
	}{
		// One membership record per user per topic.
		{
			Collection: "members",
			IndexOpts: mdb.IndexModel{
				Keys:    b.D{{Key: "topic", Value: 1}, {Key: "user", Value: 1}},
				Options: mdbopts.Index().SetUnique(true),
			},
		},
		// Compound index of 'topic - createdat - seq' for reading pages of history.
		{
			Collection: "messages",
			IndexOpts:  mdb.IndexModel{Keys: b.D{{Key: "topic", Value: 1}, {Key: "createdat", Value: -1}, {Key: "seq", Value: -1}}},
		},
	}

	for _, idx := range indexes {
		if _, err := a.db.Collection(idx.Collection).Indexes().CreateOne(a.ctx, idx.IndexOpts); err != nil {
			return err
		}
	}

	// Collection "kvmeta" with metadata key-value pairs.
	// Key in "_id" field.
	// Record current DB version.
	if _, err := a.db.Collection("kvmeta").InsertOne(a.ctx, map[string]any{"_id": "version", "value": adpVersion}); err != nil {
		return err
	}
	a.version = -1

	return nil
}

// UpgradeDb upgrades database to the current adapter version. There are no upgrades yet.
func (a *adapter) UpgradeDb() error {
	return a.CheckDbVersion()
}

func (a *adapter) isDbInitialized() bool {
	var result map[string]int

	findOpts := mdbopts.FindOneOptions{Projection: b.M{"value": 1, "_id": 0}}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}, &findOpts).Decode(&result); err != nil {
		return false
	}
	return true
}

// MemberCreate adds a member to a topic.
func (a *adapter) MemberCreate(mem *t.Member) error {
	_, err := a.db.Collection("members").InsertOne(a.ctx, &memberDoc{
		Id:        mem.Id,
		CreatedAt: mem.CreatedAt,
		UpdatedAt: mem.UpdatedAt,
		Topic:     mem.Topic,
		User:      mem.User,
		Role:      string(mem.Role),
	})
	if isDuplicateErr(err) {
		return t.ErrDuplicate
	}
	return err
}

// MemberGet returns a member of the topic.
func (a *adapter) MemberGet(topic string, user t.Uid) (*t.Member, error) {
	var doc memberDoc
	err := a.db.Collection("members").FindOne(a.ctx, b.M{"topic": topic, "user": user.String()}).Decode(&doc)
	if err == mdb.ErrNoDocuments {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toMember(), nil
}

// MemberUpdateRole changes the role of a member.
func (a *adapter) MemberUpdateRole(topic string, user t.Uid, role t.Role) error {
	res, err := a.db.Collection("members").UpdateOne(a.ctx,
		b.M{"topic": topic, "user": user.String()},
		b.M{"$set": b.M{"role": string(role), "updatedat": t.TimeNow()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// MemberDelete removes a member from the topic.
func (a *adapter) MemberDelete(topic string, user t.Uid) error {
	res, err := a.db.Collection("members").DeleteOne(a.ctx, b.M{"topic": topic, "user": user.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// MembersForTopic returns all members of the topic.
func (a *adapter) MembersForTopic(topic string) ([]t.Member, error) {
	findOpts := mdbopts.Find().SetSort(b.D{{Key: "createdat", Value: 1}}).SetLimit(int64(a.maxResults))
	cur, err := a.db.Collection("members").Find(a.ctx, b.M{"topic": topic}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var members []t.Member
	for cur.Next(a.ctx) {
		var doc memberDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		members = append(members, *doc.toMember())
	}
	return members, cur.Err()
}

// MessageSave saves a new message to DB.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Collection("messages").InsertOne(a.ctx, &messageDoc{
		Id:        msg.Id,
		Seq:       store.DecodeUid(msg.Uid()),
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
		Topic:     msg.Topic,
		From:      msg.From,
		Content:   msg.Content,
		FileUrl:   msg.FileUrl,
		Deleted:   msg.Deleted,
	})
	if isDuplicateErr(err) {
		return t.ErrDuplicate
	}
	return err
}

// MessageGet returns a message by ID.
func (a *adapter) MessageGet(id t.Uid) (*t.Message, error) {
	var doc messageDoc
	err := a.db.Collection("messages").FindOne(a.ctx, b.M{"_id": id.String()}).Decode(&doc)
	if err == mdb.ErrNoDocuments {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg := doc.toMessage()
	return &msg, nil
}

// MessageUpdate replaces mutable fields of an existing message.
func (a *adapter) MessageUpdate(msg *t.Message) error {
	res, err := a.db.Collection("messages").UpdateOne(a.ctx,
		b.M{"_id": msg.Uid().String()},
		b.M{"$set": b.M{
			"content":   msg.Content,
			"fileurl":   msg.FileUrl,
			"deleted":   msg.Deleted,
			"updatedat": msg.UpdatedAt,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// MessageGetPage returns up to limit messages older than the cursor, newest first.
func (a *adapter) MessageGetPage(topic string, before *t.Cursor, limit int) ([]t.Message, error) {
	limit = common.ClampLimit(limit, a.maxResults)

	filter := b.M{"topic": topic}
	if before != nil {
		createdAt, seq := common.CursorKey(before)
		filter["$or"] = b.A{
			b.M{"createdat": b.M{"$lt": createdAt}},
			b.M{"createdat": createdAt, "seq": b.M{"$lt": seq}},
		}
	}
	findOpts := mdbopts.Find().
		SetSort(b.D{{Key: "createdat", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := a.db.Collection("messages").Find(a.ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var msgs []t.Message
	for cur.Next(a.ctx) {
		var doc messageDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		msgs = append(msgs, doc.toMessage())
	}
	return msgs, cur.Err()
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key error")
}

func init() {
	store.RegisterAdapter(&adapter{})
}
