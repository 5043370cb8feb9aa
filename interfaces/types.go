// Package interfaces defines the core interfaces and types shared by the
// secret recovery client. It provides the contract between components without
// implementation details.
package interfaces

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// UserID is the fixed-width identifier scoping all per-user replica state.
type UserID [16]byte

// NewUserIDFromBytes creates a user id from a 16-byte slice.
func NewUserIDFromBytes(source []byte) (UserID, error) {
	if len(source) != 16 {
		return UserID{}, errors.New("invalid user id length: must be 16 bytes")
	}

	var uid UserID
	copy(uid[:], source)
	return uid, nil
}

// NewUserIDFromHex parses a 32-character hex string.
func NewUserIDFromHex(source string) (UserID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 32 {
		return UserID{}, errors.New("invalid user id length: hex string must be 32 characters")
	}

	uidBytes, err := hex.DecodeString(clean)
	if err != nil {
		return UserID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewUserIDFromBytes(uidBytes)
}

// String returns the hex representation.
func (uid UserID) String() string {
	return hex.EncodeToString(uid[:])
}

// Short returns a log-safe prefix of the hex representation.
func (uid UserID) Short() string {
	return hex.EncodeToString(uid[:4])
}

// Bytes returns the raw 16-byte id.
func (uid UserID) Bytes() []byte {
	return uid[:]
}

// Secret is the 32-byte payload protected by a backup.
type Secret [32]byte

// Equal compares two secrets in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s[:], other[:]) == 1
}

// Bytes returns the raw secret bytes.
func (s Secret) Bytes() []byte {
	return s[:]
}
