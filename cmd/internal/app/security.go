package app

import (
	"errors"

	"linkd/cmd/security/token"
)

// ValidateSecurityConfig enforces the code hashing policy at startup and
// returns the Hasher link tokens are stored with.
//
// Fail-fast: with LINKD_REQUIRE_CODE_HASH_KEY=true a missing or short key
// aborts startup instead of falling back to unkeyed hashing.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireCodeHashKey)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrHashKeyMissing):
		return token.Hasher{}, errors.New("security policy: LINKD_REQUIRE_CODE_HASH_KEY=true but LINKD_CODE_HASH_KEY is missing")
	case errors.Is(err, token.ErrHashKeyTooShort):
		return token.Hasher{}, errors.New("security policy: LINKD_REQUIRE_CODE_HASH_KEY=true but LINKD_CODE_HASH_KEY is too short (min 32 bytes)")
	default:
		return token.Hasher{}, err
	}

	if cfg.RequireCodeHashKey && !h.Keyed() {
		return token.Hasher{}, errors.New("security policy: LINKD_REQUIRE_CODE_HASH_KEY=true but code hasher is not keyed")
	}
	return h, nil
}
