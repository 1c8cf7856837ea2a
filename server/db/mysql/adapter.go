//go:build mysql
// +build mysql

// Package mysql is a database adapter for MySQL.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/tinode/fanout/server/db/common"
	"github.com/tinode/fanout/server/store"
	t "github.com/tinode/fanout/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db      *sqlx.DB
	dsn     string
	dbName  string
	version int
	// Maximum number of records to return
	maxResults int
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/fanout?parseTime=true"
	defaultDatabase = "fanout"

	adpVersion  = 100
	adapterName = "mysql"

	defaultMaxResults = 1024
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`

	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`
}

// Row of the messages table.
type messageRow struct {
	Id        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Topic     string
	From      int64 `db:"from"`
	Content   sql.NullString
	FileUrl   sql.NullString
	Deleted   bool
}

func (r *messageRow) toMessage() t.Message {
	msg := t.Message{
		ObjHeader: t.ObjHeader{CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		Topic:     r.Topic,
		From:      store.EncodeUid(r.From).String(),
		Content:   common.StringOrNil(r.Content.String, r.Content.Valid),
		FileUrl:   common.StringOrNil(r.FileUrl.String, r.FileUrl.Valid),
		Deleted:   r.Deleted,
		Seq:       r.Id,
	}
	msg.SetUid(store.EncodeUid(r.Id))
	return msg
}

// Row of the members table.
type memberRow struct {
	Id        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Topic     string
	UserId    int64
	Role      string
}

func (r *memberRow) toMember() *t.Member {
	mem := &t.Member{
		ObjHeader: t.ObjHeader{CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()},
		Topic:     r.Topic,
		User:      store.EncodeUid(r.UserId).String(),
		Role:      t.Role(r.Role),
	}
	mem.SetUid(store.EncodeUid(r.Id))
	return mem
}

// Open initializes database session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType

	if len(jsonconfig) > 0 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Ignore missing database here. If we are initializing the database
		// missing DB is OK.
		err = nil
	}
	if err == nil {
		if config.MaxOpenConns > 0 {
			a.db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			a.db.SetMaxIdleConns(config.MaxIdleConns)
		}
		if config.ConnMaxLifetime > 0 {
			a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
		}
	}
	a.version = -1

	return err
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var vers int
	err := a.db.Get(&vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if isMissingDb(err) || isMissingTable(err) || err == sql.ErrNoRows {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	a.version = vers

	return vers, nil
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

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	// Can't use an existing connection because it's configured with a database name which may not exist.
	// Don't care if it does not close cleanly.
	a.db.Close()

	// This DSN has been parsed before and produced no error, not checking for errors here.
	cfg, _ := ms.ParseDSN(a.dsn)
	// Clear database name
	cfg.DBName = ""

	a.db, err = sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}

	if tx, err = a.db.Begin(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			// MySQL auto-commits CREATE TABLE, rollback only covers the rest.
			tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}

	if _, err = tx.Exec("CREATE DATABASE " + a.dbName + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = tx.Exec("USE " + a.dbName); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE kvmeta(` +
			"`key` CHAR(32)," +
			"`value` TEXT," +
			"PRIMARY KEY(`key`)" +
			`)`); err != nil {
		return err
	}

	// Topic members. Owned by the application, read by the delivery layer.
	if _, err = tx.Exec(
		`CREATE TABLE members(
			id 			BIGINT NOT NULL,
			createdat 	DATETIME(3) NOT NULL,
			updatedat 	DATETIME(3) NOT NULL,
			topic 		VARCHAR(255) NOT NULL,
			userid 		BIGINT NOT NULL,
			role 		VARCHAR(16) NOT NULL DEFAULT 'GUEST',
			PRIMARY KEY(id),
			UNIQUE INDEX members_topic_userid(topic, userid)
		)`); err != nil {
		return err
	}

	// Messages. Never physically deleted.
	if _, err = tx.Exec(
		`CREATE TABLE messages(
			id 			BIGINT NOT NULL,
			createdat 	DATETIME(3) NOT NULL,
			updatedat 	DATETIME(3) NOT NULL,
			topic 		VARCHAR(255) NOT NULL,` +
			"`from` 	BIGINT NOT NULL," +
			`content 	TEXT,
			fileurl 	TEXT,
			deleted 	BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY(id),
			INDEX messages_topic_createdat_id(topic, createdat, id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", adpVersion); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	// Reconnect to the newly created database.
	a.db.Close()
	a.version = -1
	a.db, err = sqlx.Open("mysql", a.dsn)
	return err
}

// UpgradeDb upgrades the database, if necessary. There are no upgrades yet.
func (a *adapter) UpgradeDb() error {
	return a.CheckDbVersion()
}

// MemberCreate adds a member to a topic.
func (a *adapter) MemberCreate(mem *t.Member) error {
	_, err := a.db.Exec("INSERT INTO members(id,createdat,updatedat,topic,userid,role) VALUES(?,?,?,?,?,?)",
		store.DecodeUid(mem.Uid()), mem.CreatedAt, mem.UpdatedAt, mem.Topic,
		store.DecodeUid(t.ParseUid(mem.User)), string(mem.Role))
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

// MemberGet returns a member of the topic.
func (a *adapter) MemberGet(topic string, user t.Uid) (*t.Member, error) {
	var row memberRow
	err := a.db.Get(&row, "SELECT id,createdat,updatedat,topic,userid,role FROM members WHERE topic=? AND userid=?",
		topic, store.DecodeUid(user))
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toMember(), nil
}

// MemberUpdateRole changes the role of a member.
func (a *adapter) MemberUpdateRole(topic string, user t.Uid, role t.Role) error {
	res, err := a.db.Exec("UPDATE members SET role=?,updatedat=? WHERE topic=? AND userid=?",
		string(role), t.TimeNow(), topic, store.DecodeUid(user))
	return checkAffected(res, err)
}

// MemberDelete removes a member from the topic.
func (a *adapter) MemberDelete(topic string, user t.Uid) error {
	res, err := a.db.Exec("DELETE FROM members WHERE topic=? AND userid=?", topic, store.DecodeUid(user))
	return checkAffected(res, err)
}

// MembersForTopic returns all members of the topic.
func (a *adapter) MembersForTopic(topic string) ([]t.Member, error) {
	rows, err := a.db.Queryx("SELECT id,createdat,updatedat,topic,userid,role FROM members WHERE topic=? "+
		"ORDER BY createdat LIMIT ?", topic, a.maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []t.Member
	for rows.Next() {
		var row memberRow
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		members = append(members, *row.toMember())
	}
	return members, rows.Err()
}

// MessageSave saves a new message to DB.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Exec("INSERT INTO messages(id,createdat,updatedat,topic,`from`,content,fileurl,deleted) "+
		"VALUES(?,?,?,?,?,?,?,?)",
		store.DecodeUid(msg.Uid()), msg.CreatedAt, msg.UpdatedAt, msg.Topic,
		store.DecodeUid(t.ParseUid(msg.From)), msg.Content, msg.FileUrl, msg.Deleted)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

const messageColumns = "id,createdat,updatedat,topic,`from`,content,fileurl,deleted"

// MessageGet returns a message by ID.
func (a *adapter) MessageGet(id t.Uid) (*t.Message, error) {
	var row messageRow
	err := a.db.Get(&row, "SELECT "+messageColumns+" FROM messages WHERE id=?", store.DecodeUid(id))
	if err == sql.ErrNoRows {
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg := row.toMessage()
	return &msg, nil
}

// MessageUpdate replaces mutable fields of an existing message.
func (a *adapter) MessageUpdate(msg *t.Message) error {
	res, err := a.db.Exec("UPDATE messages SET content=?,fileurl=?,deleted=?,updatedat=? WHERE id=?",
		msg.Content, msg.FileUrl, msg.Deleted, msg.UpdatedAt, store.DecodeUid(msg.Uid()))
	return checkAffected(res, err)
}

// MessageGetPage returns up to limit messages older than the cursor, newest first.
func (a *adapter) MessageGetPage(topic string, before *t.Cursor, limit int) ([]t.Message, error) {
	limit = common.ClampLimit(limit, a.maxResults)

	query := "SELECT " + messageColumns + " FROM messages WHERE topic=?"
	args := []any{topic}
	if before != nil {
		createdAt, id := common.CursorKey(before)
		query += " AND (createdat<? OR (createdat=? AND id<?))"
		args = append(args, createdAt, createdAt, id)
	}
	query += " ORDER BY createdat DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []t.Message
	for rows.Next() {
		var row messageRow
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		msgs = append(msgs, row.toMessage())
	}
	return msgs, rows.Err()
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err == nil && count == 0 {
		err = t.ErrNotFound
	}
	return err
}

func isDupe(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1062
}

func isMissingDb(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1049
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return (ok && myerr.Number == 1146) || strings.Contains(err.Error(), "doesn't exist")
}

func init() {
	store.RegisterAdapter(&adapter{})
}
