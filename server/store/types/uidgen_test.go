package types

import (
	"testing"
	"time"
)

var testKey = []byte("testkey1testkey2") // 16 bytes for XTEA

func TestUidGeneratorInit(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, testKey); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !ug.IsReady() {
		t.Error("Generator should be ready after Init")
	}

	// Already initialized generator is not reinitialized.
	oldSeq, oldCipher := ug.seq, ug.cipher
	if err := ug.Init(3, testKey); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ug.seq != oldSeq || ug.cipher != oldCipher {
		t.Error("Generator should not be reinitialized")
	}

	if err := (&UidGenerator{}).Init(1, []byte("short")); err == nil {
		t.Error("Expected error with short key")
	}
}

func TestUidGeneratorUninitialized(t *testing.T) {
	ug := &UidGenerator{}
	if uid := ug.Get(); uid != ZeroUid {
		t.Error("Expected ZeroUid from uninitialized generator, got", uid)
	}
	if str := ug.GetStr(); str != "" {
		t.Error("Expected empty string from uninitialized generator, got", str)
	}
}

func TestUidGeneratorUnique(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, testKey); err != nil {
		t.Fatal(err)
	}

	uids := make(map[Uid]bool)
	for i := 0; i < 1000; i++ {
		uid := ug.Get()
		if uid.IsZero() {
			t.Fatalf("UID %d should not be zero", i)
		}
		if uids[uid] {
			t.Fatalf("Duplicate UID generated: %v", uid)
		}
		uids[uid] = true
	}
}

func TestUidGeneratorDecodeOrdered(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, testKey); err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i := 0; i < 100; i++ {
		uid := ug.Get()
		dec := ug.DecodeUid(uid)
		if dec <= prev {
			t.Fatalf("Decoded IDs must grow in generation order: %d after %d", dec, prev)
		}
		prev = dec

		if back := ug.EncodeInt64(dec); back != uid {
			t.Fatalf("EncodeInt64(DecodeUid(x)) != x: %v != %v", back, uid)
		}
	}

	if ug.DecodeUid(ZeroUid) != 0 || ug.EncodeInt64(0) != ZeroUid {
		t.Error("Zero must map to zero")
	}
}

func TestUidText(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, testKey); err != nil {
		t.Fatal(err)
	}
	uid := ug.Get()
	str := uid.String()
	if len(str) != uidBase64Unpadded {
		t.Fatalf("Unexpected string length %d: '%s'", len(str), str)
	}
	if parsed := ParseUid(str); parsed != uid {
		t.Errorf("ParseUid mismatch: got %v want %v", parsed, uid)
	}
	if ParseUid("garbage") != ZeroUid {
		t.Error("Invalid string must parse to ZeroUid")
	}
}

func TestCursor(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, testKey); err != nil {
		t.Fatal(err)
	}

	msg := &Message{ObjHeader: ObjHeader{CreatedAt: time.Date(2024, time.March, 1, 10, 20, 30, 456000000, time.UTC)}}
	msg.SetUid(ug.Get())

	token := CursorFor(msg).Encode()
	got, err := ParseCursor(token)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) || got.Id != msg.Uid() {
		t.Errorf("Cursor mismatch: got %+v, want %v/%v", got, msg.CreatedAt, msg.Uid())
	}

	if c, err := ParseCursor(""); c != nil || err != nil {
		t.Error("Empty cursor must be nil without error", c, err)
	}

	for _, bad := range []string{"*", "AAAA", "AAAAAAAAAAAAAAAAAAAAAA"} {
		if _, err := ParseCursor(bad); err != ErrMalformed {
			t.Errorf("Cursor '%s': expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestMessageUpdated(t *testing.T) {
	now := TimeNow()
	msg := Message{ObjHeader: ObjHeader{CreatedAt: now}}
	msg.InitTimes()
	if msg.Updated() {
		t.Error("New message must not be marked as updated")
	}
	edited := msg
	edited.UpdatedAt = now.Add(time.Second)
	if !edited.Updated() || !edited.Newer(&msg) || msg.Newer(&edited) {
		t.Error("Edited message must be newer and marked as updated")
	}
}
