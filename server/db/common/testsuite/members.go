package testsuite

import (
	"testing"

	"github.com/tinode/fanout/server/db/common/test_data"
	"github.com/tinode/fanout/server/store"
	"github.com/tinode/fanout/server/store/types"
)

// RunMemberCreate loads the membership fixtures.
func RunMemberCreate(t *testing.T, td *test_data.TestData) {
	t.Helper()

	for _, mem := range td.Members {
		if err := store.Members.Create(mem); err != nil {
			t.Fatal(err)
		}
	}

	dup := &types.Member{Topic: td.Members[0].Topic, User: td.Members[0].User, Role: types.RoleGuest}
	if err := store.Members.Create(dup); err != types.ErrDuplicate {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	bad := &types.Member{Topic: td.Topics[0], User: td.Users[0].String(), Role: "OWNER"}
	if err := store.Members.Create(bad); err != types.ErrInvalid {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

// RunMemberGet runs the shared tests of membership lookups and updates.
func RunMemberGet(t *testing.T, td *test_data.TestData) {
	t.Helper()

	mem, err := store.Members.Get(td.Topics[0], td.Users[1])
	if err != nil {
		t.Fatal(err)
	}
	if mem.Role != types.RoleModerator || mem.User != td.Users[1].String() {
		t.Errorf("Member mismatch: %+v", mem)
	}

	if _, err = store.Members.Get(td.Topics[1], td.Users[1]); err != types.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	all, err := store.Members.GetAll(td.Topics[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 members, got %d", len(all))
	}

	if err = store.Members.UpdateRole(td.Topics[1], td.Users[2], types.RoleModerator); err != nil {
		t.Fatal(err)
	}
	if mem, err = store.Members.Get(td.Topics[1], td.Users[2]); err != nil || mem.Role != types.RoleModerator {
		t.Errorf("Role not updated: %+v, %v", mem, err)
	}
	if err = store.Members.UpdateRole(td.Topics[1], td.Users[1], types.RoleAdmin); err != types.ErrNotFound {
		t.Errorf("Update of a non-member: expected ErrNotFound, got %v", err)
	}
}

// RunMemberDelete runs the shared tests of member removal.
func RunMemberDelete(t *testing.T, td *test_data.TestData) {
	t.Helper()

	if err := store.Members.Delete(td.Topics[2], td.Users[2]); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Members.Get(td.Topics[2], td.Users[2]); err != types.ErrNotFound {
		t.Errorf("Deleted member: expected ErrNotFound, got %v", err)
	}
	if err := store.Members.Delete(td.Topics[2], td.Users[2]); err != types.ErrNotFound {
		t.Errorf("Second delete: expected ErrNotFound, got %v", err)
	}
}

// RunAll runs the whole suite in order.
func RunAll(t *testing.T, td *test_data.TestData) {
	t.Run("MemberCreate", func(t *testing.T) { RunMemberCreate(t, td) })
	t.Run("MemberGet", func(t *testing.T) { RunMemberGet(t, td) })
	t.Run("MemberDelete", func(t *testing.T) { RunMemberDelete(t, td) })
	t.Run("AppendGet", func(t *testing.T) { RunAppendGet(t, td) })
	t.Run("EditDelete", func(t *testing.T) { RunEditDelete(t, td) })
	t.Run("PageTraversal", func(t *testing.T) { RunPageTraversal(t, td) })
	t.Run("PageExactLimit", func(t *testing.T) { RunPageExactLimit(t, td) })
}
