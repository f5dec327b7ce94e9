package transport

import (
	"fmt"
	"strings"
)

// DefaultUserServer is the server part appended to bare phone numbers.
const DefaultUserServer = "s.whatsapp.net"

// GroupServer is the server part of group chats.
const GroupServer = "g.us"

// StatusBroadcast is the pseudo-chat that carries contacts' status updates.
const StatusBroadcast JID = "status@broadcast"

// JID is an addressable identity "user@server".
type JID string

// User returns the part before '@'.
func (j JID) User() string {
	s := string(j)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// Server returns the part after '@'.
func (j JID) Server() string {
	s := string(j)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// IsGroup reports whether j addresses a group chat.
func (j JID) IsGroup() bool { return j.Server() == GroupServer }

// IsStatus reports whether j is the status broadcast chat.
func (j JID) IsStatus() bool { return j == StatusBroadcast }

func (j JID) String() string { return string(j) }

// NormalizeJID canonicalizes operator input into a JID. Bare numbers get
// server appended; '+', spaces and dashes are stripped from the user part;
// the device suffix (":12") is dropped; everything is lower-cased.
func NormalizeJID(raw, server string) (JID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalidJID
	}
	if server == "" {
		server = DefaultUserServer
	}

	user, host := s, server
	if i := strings.IndexByte(s, '@'); i >= 0 {
		user, host = s[:i], s[i+1:]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	user = strings.NewReplacer("+", "", " ", "", "-", "").Replace(user)

	if user == "" || host == "" || strings.ContainsAny(host, " @") {
		return "", fmt.Errorf("%w: %q", ErrInvalidJID, raw)
	}
	if host == server && !isDigits(user) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJID, raw)
	}
	return JID(user + "@" + host), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
