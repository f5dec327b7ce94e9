package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashKeyEnv is the env var name for the code hashing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HashKeyEnv = "LINKD_CODE_HASH_KEY"

	// MinKeyBytes is the shortest key accepted in enforced mode.
	MinKeyBytes = 32
)

// Hasher hashes link codes. The zero value hashes unkeyed.
type Hasher struct {
	key []byte
}

// NewHasher returns a keyed Hasher. BLAKE2b accepts at most 64 key bytes.
func NewHasher(key []byte) (Hasher, error) {
	if len(key) > blake2b.Size {
		return Hasher{}, ErrHashKeyTooLong
	}
	return Hasher{key: append([]byte(nil), key...)}, nil
}

// HasherFromEnv builds a Hasher from LINKD_CODE_HASH_KEY.
// When require is true a missing or short key is an error; otherwise a
// missing key yields the unkeyed dev Hasher.
func HasherFromEnv(require bool) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(HashKeyEnv))
	if raw == "" {
		if require {
			return Hasher{}, ErrHashKeyMissing
		}
		return Hasher{}, nil
	}
	if require && len(raw) < MinKeyBytes {
		return Hasher{}, ErrHashKeyTooShort
	}
	return NewHasher([]byte(raw))
}

// Keyed reports whether the Hasher uses a secret key.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// HashHex returns the 64-char hex digest of code.
func (h Hasher) HashHex(code string) string {
	// blake2b.New256 only fails for keys over 64 bytes, which NewHasher rejects.
	m, err := blake2b.New256(h.key)
	if err != nil {
		panic(err)
	}
	_, _ = m.Write([]byte(code))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNumericCode returns a uniformly random decimal code of exactly digits
// characters (leading zeros allowed).
func NewNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", ErrInvalidDigits
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	s := n.String()
	if pad := digits - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s, nil
}
