// Package settings is the per-session configuration store: feature toggles
// and the sender blocklist.
//
// Service keeps the last committed snapshot per session in memory. Every
// mutation is written through a Store before it becomes visible; a failed
// write returns a *PersistError and leaves the snapshot untouched.
package settings
