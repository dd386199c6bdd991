package idkey

import "testing"

func TestNormalizeContainerIDIdempotent(t *testing.T) {
	long := "abc123def456789000111222"
	once := NormalizeContainerID(long)
	twice := NormalizeContainerID(once)
	if once != twice {
		t.Fatalf("normalize not idempotent: %q != %q", once, twice)
	}
	if len(once) != ShortIDLength {
		t.Fatalf("expected %d chars, got %d (%q)", ShortIDLength, len(once), once)
	}
}

func TestMakeParseCompositeKeyRoundTrip(t *testing.T) {
	h := "host-1"
	full := "abc123def456ffffffff"
	key, err := MakeCompositeKey(h, full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotHost, gotShort, err := ParseCompositeKey(key)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if gotHost != h || gotShort != NormalizeContainerID(full) {
		t.Fatalf("round trip mismatch: host=%s short=%s", gotHost, gotShort)
	}
}

func TestMakeCompositeKeyErrors(t *testing.T) {
	if _, err := MakeCompositeKey("", "abc123def456"); err == nil {
		t.Fatal("expected error for empty host id")
	}
	if _, err := MakeCompositeKey("h", "short"); err == nil {
		t.Fatal("expected error for non-12-char id")
	}
}

func TestCrossHostCollisionKeysDistinct(t *testing.T) {
	k1, _ := MakeCompositeKey("h1", "abc123def456")
	k2, _ := MakeCompositeKey("h2", "abc123def456")
	if k1 == k2 {
		t.Fatalf("expected distinct keys, got %s == %s", k1, k2)
	}
}
