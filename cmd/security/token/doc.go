// Package token provides code generation and hashing primitives for linkd.
//
// It is the single source of truth for how link codes are stored.
//
// Design goals:
//   - Link codes are short numeric strings a human can type; they are never
//     stored in plaintext.
//   - Hashing is keyed BLAKE2b-256 when a key is configured, unkeyed
//     BLAKE2b-256 otherwise (dev mode).
//   - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment:
//   - LINKD_CODE_HASH_KEY: when set, enables keyed mode.
package token
