package ingest

import "github.com/tinode/fanout/server/store/types"

// Policy decides whether a member may perform an operation.
type Policy interface {
	CanPost(mem *types.Member) bool
	CanEdit(mem *types.Member, msg *types.Message) bool
	CanDelete(mem *types.Member, msg *types.Message) bool
}

// RolePolicy is the default policy. Any member may post. Authors may edit their own messages
// unless the message is deleted or carries an attachment. Authors, moderators and admins
// may delete a message which is not yet deleted.
type RolePolicy struct{}

// CanPost allows any member to post.
func (RolePolicy) CanPost(mem *types.Member) bool {
	return mem != nil
}

// CanEdit allows the author to edit a text message.
func (RolePolicy) CanEdit(mem *types.Member, msg *types.Message) bool {
	return mem != nil && msg.From == mem.User && !msg.Deleted && msg.FileUrl == nil
}

// CanDelete allows the author or a privileged member to delete a message.
func (RolePolicy) CanDelete(mem *types.Member, msg *types.Message) bool {
	if mem == nil || msg.Deleted {
		return false
	}
	return msg.From == mem.User || mem.Role == types.RoleAdmin || mem.Role == types.RoleModerator
}
