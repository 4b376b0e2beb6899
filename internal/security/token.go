// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// TOKEN FORMAT
// =============================================================================

const (
	// TokenPrefix marks devops CLI tokens so they stand out in logs and diffs.
	TokenPrefix = "DVC-"

	// tokenEntropyBytes is the random body size before encoding.
	tokenEntropyBytes = 32

	// TokenBodyLength is the encoded body length (unpadded base64url).
	TokenBodyLength = 43

	// saltBytes is the per-user salt size before hex encoding.
	saltBytes = 16

	// sessionIDPrefix marks session identifiers.
	sessionIDPrefix = "dvs_"

	// sessionIDBytes is the random part of a session id.
	sessionIDBytes = 32
)

// TokenPattern matches a well-formed token anywhere in text.
var TokenPattern = regexp.MustCompile(`DVC-[A-Za-z0-9_-]{43}`)

var tokenExact = regexp.MustCompile(`^DVC-[A-Za-z0-9_-]{43}$`)

// IsToken reports whether s has the token format.
func IsToken(s string) bool {
	return tokenExact.MatchString(s)
}

// Hash algorithms for token digests.
const (
	HashSHA256   = "sha256"
	HashArgon2id = "argon2id"
)

// argon2id parameters for token digests. Tokens carry 256 bits of entropy,
// so the cost only needs to slow offline attacks on a stolen store.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// generateToken returns a new plaintext token.
func generateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(buf)
	for i := range buf {
		buf[i] = 0
	}
	return TokenPrefix + body, nil
}

// generateSalt returns a random hex salt.
func generateSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// digestToken computes the stored digest of salt and token.
func digestToken(algorithm, salt, token string) (string, error) {
	switch algorithm {
	case HashSHA256, "":
		sum := sha256.Sum256([]byte(salt + token))
		return hex.EncodeToString(sum[:]), nil
	case HashArgon2id:
		key := argon2.IDKey([]byte(token), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
		return hex.EncodeToString(key), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// digestsEqual compares two hex digests in constant time.
func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// generateSessionID returns a new unguessable session identifier.
func generateSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return sessionIDPrefix + hex.EncodeToString(buf), nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CanonicalEmail normalizes an email for use as a key: NFKC, then Unicode
// case folding, then surrounding whitespace trimmed.
func CanonicalEmail(email string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(email)))
}

// sanitizeSessionIDForLog keeps enough of a session id to correlate log
// lines without making it usable.
// SECURITY: Full session ids are bearer secrets.
func sanitizeSessionIDForLog(id string) string {
	if len(id) <= 12 {
		return "[REDACTED]"
	}
	return id[:8] + "..." + id[len(id)-4:]
}

// maskIdentifier hashes an identity for operational logs.
func maskIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(sum[:6])
}
