package ustr

import "testing"

func TestEq(t *testing.T) {
	if !MkUstrStr("system").Eq(MkUstrStr("system")) {
		t.Fatal("equal strings not equal")
	}
	if MkUstrStr("system").Eq(MkUstrStr("SYSTEM")) {
		t.Fatal("case-different strings equal")
	}
	if MkUstrStr("a").Eq(MkUstrStr("ab")) {
		t.Fatal("prefix equal")
	}
	if !MkUstr().Eq(Ustr{}) {
		t.Fatal("empty strings not equal")
	}
}

func TestHashesDiffer(t *testing.T) {
	a := MkUstrStr("device-manager")
	b := MkUstrStr("device-managed")
	if HashSdbm(a, 255) == HashSdbm(b, 255) {
		t.Fatal("sdbm collision on near strings")
	}
	if HashDjb2(a, 255) == HashDjb2(b, 255) {
		t.Fatal("djb2 collision on near strings")
	}
}

func TestHashStableAndLimited(t *testing.T) {
	s := MkUstrStr("filesystem")
	if HashSdbm(s, 255) != HashSdbm(s, 255) {
		t.Fatal("sdbm not deterministic")
	}
	// truncation at maxLen
	long := MkUstrStr("abcdefgh")
	if HashSdbm(long, 4) != HashSdbm(MkUstrStr("abcd"), 255) {
		t.Fatal("maxLen not honoured")
	}
	// an embedded NUL terminates the walk
	if HashSdbm(Ustr{'a', 'b', 0, 'c'}, 255) != HashSdbm(MkUstrStr("ab"), 255) {
		t.Fatal("NUL did not terminate hash")
	}
}

func TestKnownSdbmValue(t *testing.T) {
	// hash(i) = hash(i-1) * 65599 + str[i]
	want := uint64('a')
	want = want*65599 + uint64('b')
	if got := HashSdbm(MkUstrStr("ab"), 255); got != want {
		t.Fatalf("sdbm(\"ab\") = %d, want %d", got, want)
	}
}
