// Package identity derives channel identifiers and client-side channel
// secrets. The server stores only the salted hash of a channel password;
// the plaintext never reaches it.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters are part of the wire contract: every client SDK derives
// the same secret from the same (channelName, password) pair.
const (
	pbkdf2Salt       = "messaging-platform"
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32 // 256 bits

	secretPrefix  = "channel_"
	channelPrefix = "ch_"
)

// APIKeyScope controls whether channel identity mixes in the developer key.
type APIKeyScope string

const (
	// ScopePrivate isolates channels per developer key: two developers using
	// the same name and password get different channels.
	ScopePrivate APIKeyScope = "private"
	// ScopePublic derives channel identity from name and password alone.
	ScopePublic APIKeyScope = "public"
)

// ParseScope normalizes a request scope string; anything unrecognized is
// private, the safe default.
func ParseScope(s string) APIKeyScope {
	if s == string(ScopePublic) {
		return ScopePublic
	}
	return ScopePrivate
}

var b64url = base64.RawURLEncoding

// ErrMissingPassword is returned when channel creation is attempted with
// neither a password hash nor a developer key. Lookup by channelId alone
// stays allowed.
var ErrMissingPassword = errors.New("channel creation requires a password or developer key")

// ChannelID derives the stable channel identifier. Public scope hashes only
// (channelName, hashedPassword); private scope also mixes the developer key
// id so tenants never collide.
func ChannelID(devKeyID string, scope APIKeyScope, channelName, hashedPassword string) string {
	h := sha256.New()
	if scope == ScopePrivate {
		h.Write([]byte(devKeyID))
		h.Write([]byte{0})
	}
	h.Write([]byte(channelName))
	h.Write([]byte{0})
	h.Write([]byte(hashedPassword))
	return channelPrefix + b64url.EncodeToString(h.Sum(nil)[:18])
}

// DeriveChannelSecret computes the client-side channel secret:
// PBKDF2-HMAC-SHA256 over channelName+password, fixed salt, URL-safe base64
// with the "channel_" prefix. The server calls this only in tests; in
// production the secret exists on clients.
func DeriveChannelSecret(channelName, password string) string {
	key := pbkdf2.Key([]byte(channelName+password), []byte(pbkdf2Salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return secretPrefix + b64url.EncodeToString(key)
}

// HashPassword computes the password hash sent to and stored by the server:
// hex HMAC-SHA256 of the password keyed by the derived channel secret.
func HashPassword(channelName, password string) string {
	secret := DeriveChannelSecret(channelName, password)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckPasswordHash compares a presented hash against the stored one in
// constant time.
func CheckPasswordHash(stored, presented string) bool {
	if stored == "" && presented == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
