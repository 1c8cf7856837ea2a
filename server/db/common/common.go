// Package common contains utility methods used by all adapters.
package common

import (
	"time"

	"github.com/tinode/fanout/server/store"
	t "github.com/tinode/fanout/server/store/types"
)

// ClampLimit returns the number of records to fetch given the requested limit and
// the maximum allowed by the adapter.
func ClampLimit(limit, maxResults int) int {
	if limit <= 0 || limit > maxResults {
		return maxResults
	}
	return limit
}

// CursorKey converts cursor into database sort key: creation time and the decoded message ID.
// Messages are ordered by this key; ties in creation time are broken by the ID.
func CursorKey(c *t.Cursor) (time.Time, int64) {
	return c.CreatedAt.UTC().Round(time.Millisecond), store.DecodeUid(c.Id)
}

// StringOrNil returns nil for empty strings. Used to map NULL columns.
func StringOrNil(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}
