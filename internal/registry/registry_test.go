package registry

import "testing"

func TestRegisterAssignsIncreasingUIDs(t *testing.T) {
	r := New()
	ids := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 5; i++ {
		uid, err := r.Register("user")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if uid <= last {
			t.Fatalf("expected strictly increasing uid, got %d after %d", uid, last)
		}
		if ids[uid] {
			t.Fatalf("duplicate uid %d", uid)
		}
		ids[uid] = true
		last = uid
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	if _, err := r.Register(""); err != ErrNameEmpty {
		t.Fatalf("expected ErrNameEmpty, got %v", err)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	uid, _ := r.Register("alice")
	r.Unregister(uid)
	r.Unregister(uid)
	if _, ok := r.Lookup(uid); ok {
		t.Fatalf("expected uid to be gone")
	}
}

func TestSnapshotOrderedByUID(t *testing.T) {
	r := New()
	a, _ := r.Register("alice")
	b, _ := r.Register("bob")
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].UID != a || snap[1].UID != b {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
