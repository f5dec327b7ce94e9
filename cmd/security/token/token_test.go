package token

import (
	"errors"
	"strings"
	"testing"
)

func TestHashHex(t *testing.T) {
	t.Parallel()

	plain := Hasher{}
	keyed, err := NewHasher([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	a := plain.HashHex("482913")
	if len(a) != 64 {
		t.Fatalf("HashHex len=%d want=64", len(a))
	}
	if a != plain.HashHex("482913") {
		t.Fatalf("HashHex not deterministic")
	}
	if a == plain.HashHex("482914") {
		t.Fatalf("distinct codes hashed equal")
	}
	if a == keyed.HashHex("482913") {
		t.Fatalf("keyed and unkeyed digests are equal")
	}
	if !Equal(a, plain.HashHex("482913")) || Equal(a, keyed.HashHex("482913")) {
		t.Fatalf("Equal mismatch")
	}
	if plain.Keyed() || !keyed.Keyed() {
		t.Fatalf("Keyed() wrong")
	}
}

func TestNewHasherRejectsLongKey(t *testing.T) {
	t.Parallel()

	if _, err := NewHasher(make([]byte, 65)); !errors.Is(err, ErrHashKeyTooLong) {
		t.Fatalf("NewHasher(65 bytes) err=%v want=%v", err, ErrHashKeyTooLong)
	}
}

func TestHasherFromEnv(t *testing.T) {
	cases := []struct {
		name    string
		val     string
		require bool
		wantErr error
		keyed   bool
	}{
		{name: "missing optional", val: "", require: false},
		{name: "missing required", val: "", require: true, wantErr: ErrHashKeyMissing},
		{name: "short required", val: "short", require: true, wantErr: ErrHashKeyTooShort},
		{name: "short optional", val: "short", require: false, keyed: true},
		{name: "ok required", val: strings.Repeat("x", 40), require: true, keyed: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(HashKeyEnv, tc.val)
			h, err := HasherFromEnv(tc.require)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("HasherFromEnv(%v) err=%v want=%v", tc.require, err, tc.wantErr)
			}
			if err == nil && h.Keyed() != tc.keyed {
				t.Fatalf("Keyed()=%v want=%v", h.Keyed(), tc.keyed)
			}
		})
	}
}

func TestNewNumericCode(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		c, err := NewNumericCode(6)
		if err != nil {
			t.Fatalf("NewNumericCode: %v", err)
		}
		if len(c) != 6 {
			t.Fatalf("NewNumericCode(6)=%q want 6 digits", c)
		}
		for _, r := range c {
			if r < '0' || r > '9' {
				t.Fatalf("NewNumericCode(6)=%q has non-digit", c)
			}
		}
	}

	for _, n := range []int{0, -1, 19} {
		if _, err := NewNumericCode(n); !errors.Is(err, ErrInvalidDigits) {
			t.Fatalf("NewNumericCode(%d) err=%v want=%v", n, err, ErrInvalidDigits)
		}
	}
}
