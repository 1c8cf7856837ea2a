// Package types defines the data model shared by the store, the database adapters and the
// realtime layers.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInvalid means the request is missing required fields or is otherwise malformed.
	ErrInvalid = StoreError("invalid request")
	// ErrUnauthorized means the caller identity could not be established.
	ErrUnauthorized = StoreError("unauthorized")
	// ErrForbidden means the caller is known but is not permitted to perform the operation.
	ErrForbidden = StoreError("forbidden")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrUnavailable means the realtime transport is unavailable.
	ErrUnavailable = StoreError("transport unavailable")
	// ErrInternal means a database or other internal failure.
	ErrInternal = StoreError("internal error")
	// ErrDuplicate means duplicate key.
	ErrDuplicate = StoreError("duplicate key")
	// ErrMalformed means the secret or cursor cannot be parsed.
	ErrMalformed = StoreError("malformed")
)

// Uid is a database-specific record id, suitable to be used as a primary key.
type Uid uint64

// ZeroUid is a constant representing uninitialized Uid.
const ZeroUid Uid = 0

// Lengths of various Uid representations.
const (
	uidBase64Unpadded = 11
	uidBase64Padded   = 12
)

// IsZero checks if Uid is uninitialized.
func (uid Uid) IsZero() bool {
	return uid == ZeroUid
}

// Compare returns 0 if uid is equal to u2, 1 if u2 is greater than uid, -1 if u2 is smaller.
func (uid Uid) Compare(u2 Uid) int {
	if uid < u2 {
		return -1
	} else if uid > u2 {
		return 1
	}
	return 0
}

// MarshalBinary converts Uid to byte slice.
func (uid Uid) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(dst, uint64(uid))
	return dst, nil
}

// UnmarshalBinary reads Uid from byte slice.
func (uid *Uid) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return errors.New("Uid.UnmarshalBinary: invalid length")
	}
	*uid = Uid(binary.LittleEndian.Uint64(b))
	return nil
}

// UnmarshalText reads Uid from string represented as byte slice.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) != uidBase64Unpadded {
		return errors.New("Uid.UnmarshalText: invalid length")
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(uidBase64Padded))
	for len(src) < uidBase64Padded {
		src = append(src, '=')
	}
	count, err := base64.URLEncoding.Decode(dec, src)
	if count < 8 {
		if err != nil {
			return errors.New("Uid.UnmarshalText: failed to decode " + err.Error())
		}
		return errors.New("Uid.UnmarshalText: failed to decode")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalText converts Uid to string represented as byte slice.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid.IsZero() {
		return []byte{}, nil
	}
	src := make([]byte, 8)
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	binary.LittleEndian.PutUint64(src, uint64(uid))
	base64.URLEncoding.Encode(dst, src)
	return dst[0:uidBase64Unpadded], nil
}

// String converts Uid to base64 string.
func (uid Uid) String() string {
	buf, _ := uid.MarshalText()
	return string(buf)
}

// ParseUid parses string NOT prefixed with anything.
func ParseUid(s string) Uid {
	var uid Uid
	uid.UnmarshalText([]byte(s))
	return uid
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// ObjHeader is the header shared by all stored objects.
type ObjHeader struct {
	// using string to get around bson problems with uint64
	Id        string    `json:"id" bson:"_id"`
	id        Uid       `json:"-" bson:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Uid assigns Uid header field.
func (h *ObjHeader) Uid() Uid {
	if h.id.IsZero() && h.Id != "" {
		h.id.UnmarshalText([]byte(h.Id))
	}
	return h.id
}

// SetUid assigns given Uid to appropriate header fields.
func (h *ObjHeader) SetUid(uid Uid) {
	h.id = uid
	h.Id = uid.String()
}

// InitTimes initializes time.Time variables in the header to current time.
func (h *ObjHeader) InitTimes() {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = TimeNow()
	}
	h.UpdatedAt = h.CreatedAt
}

// Role is the role of a member within a topic.
type Role string

const (
	// RoleGuest is an ordinary member.
	RoleGuest Role = "GUEST"
	// RoleModerator can remove messages of other members.
	RoleModerator Role = "MODERATOR"
	// RoleAdmin has full control over the topic.
	RoleAdmin Role = "ADMIN"
)

// IsValid checks if the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleGuest, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Member is a user's membership in a topic. Members are owned by the
// surrounding application; this package only reads them.
type Member struct {
	ObjHeader `bson:",inline"`
	Topic     string `json:"topic"`
	User      string `json:"user"`
	Role      Role   `json:"role"`
}

// TombstoneText replaces the body of a soft-deleted message.
const TombstoneText = "This message has been deleted."

// Message is a stored chat message.
type Message struct {
	ObjHeader `bson:",inline"`
	Topic     string `json:"topic"`
	// ID of the author.
	From    string  `json:"from"`
	Content *string `json:"content,omitempty"`
	FileUrl *string `json:"fileUrl,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
	// Decoded ID. Orders messages created in the same millisecond.
	Seq     int64   `json:"seq,omitempty" bson:"-"`
}

// Updated reports if the message was modified after creation.
func (m *Message) Updated() bool {
	return !m.UpdatedAt.Equal(m.CreatedAt)
}

// Newer reports if the message m is a more recent revision than m2 of the same message.
func (m *Message) Newer(m2 *Message) bool {
	return m.UpdatedAt.After(m2.UpdatedAt)
}

// Operation is a kind of change applied to a message.
type Operation string

const (
	// OpCreated is a new message.
	OpCreated Operation = "created"
	// OpUpdated is a message edit.
	OpUpdated Operation = "updated"
	// OpDeleted is a soft delete.
	OpDeleted Operation = "deleted"
)

// IsValid checks if the operation is known.
func (op Operation) IsValid() bool {
	switch op {
	case OpCreated, OpUpdated, OpDeleted:
		return true
	}
	return false
}

// Event is a delivery event: a change to a message in a topic.
type Event struct {
	Topic   string    `json:"topic"`
	Op      Operation `json:"operation"`
	Message *Message  `json:"message"`
	// Name of the node which produced the event.
	Origin string `json:"origin,omitempty"`
}
