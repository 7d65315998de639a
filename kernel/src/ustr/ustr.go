// Package ustr holds the kernel byte-string type and the string
// hashes used by the named-channel registry.
package ustr

// / Ustr represents an immutable name or string used by the kernel.
type Ustr []uint8

// / Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// / MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	us := Ustr{}
	return us
}

// / MkUstrStr creates a Ustr from a Go string.
func MkUstrStr(s string) Ustr {
	return Ustr(s)
}

// / String implements fmt.Stringer.
func (us Ustr) String() string {
	return string(us)
}

// djb2; this algorithm (k=33) was first reported by Dan Bernstein in
// comp.lang.c many years ago. The magic of number 33 has never been
// adequately explained.
// / HashDjb2 hashes at most maxLen bytes of s.
func HashDjb2(s Ustr, maxLen int) uint64 {
	var hash uint64 = 5381
	for pos, c := range s {
		if pos >= maxLen || c == 0 {
			break
		}
		hash = ((hash << 5) + hash) + uint64(c) // hash * 33 + c
	}
	return hash
}

// sdbm's arithmetic (shifts by 6 and 16 bits, then subtracting the
// hash) produces a good avalanche effect; the named-channel registry
// relies on that since it keys on the hash alone.
// / HashSdbm hashes at most maxLen bytes of s.
func HashSdbm(s Ustr, maxLen int) uint64 {
	var hash uint64
	for pos, c := range s {
		if pos >= maxLen || c == 0 {
			break
		}
		hash = uint64(c) + (hash << 6) + (hash << 16) - hash
	}
	return hash
}
