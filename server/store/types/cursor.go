package types

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

const cursorLength = 16

// Cursor points at a message in the history of a topic. A page requested with a cursor
// contains only messages strictly older than the message the cursor points at.
type Cursor struct {
	CreatedAt time.Time
	Id        Uid
}

// CursorFor returns a cursor pointing at the given message.
func CursorFor(msg *Message) *Cursor {
	return &Cursor{CreatedAt: msg.CreatedAt, Id: msg.Uid()}
}

// Encode converts cursor to an opaque URL-safe string.
// Layout: [8:created at, unix milliseconds, big endian][8:message ID].
func (c *Cursor) Encode() string {
	if c == nil {
		return ""
	}
	buf := make([]byte, cursorLength)
	binary.BigEndian.PutUint64(buf, uint64(c.CreatedAt.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(c.Id))
	return base64.RawURLEncoding.EncodeToString(buf)
}

// String implements fmt.Stringer.
func (c *Cursor) String() string {
	return c.Encode()
}

// ParseCursor decodes a cursor produced by Encode. An empty string is a valid
// value which means "no cursor"; nil is returned in that case.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(buf) != cursorLength {
		return nil, ErrMalformed
	}
	ms := int64(binary.BigEndian.Uint64(buf))
	id := Uid(binary.LittleEndian.Uint64(buf[8:]))
	if ms <= 0 || id.IsZero() {
		return nil, ErrMalformed
	}
	return &Cursor{CreatedAt: time.UnixMilli(ms).UTC(), Id: id}, nil
}
