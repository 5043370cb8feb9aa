// Package auth derives the HTTP basic-auth credentials presented to replicas.
//
// The username is the hex user id. The password is
// "<username>:<unix timestamp>:<hex(HMAC-SHA256(secret, username:timestamp)[:10])>",
// so a replica holding the same shared secret can check it without storing
// per-user credentials.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// SecretSize is the length of the shared service secret.
const SecretSize = 32

const macSize = 10

var (
	ErrMalformedCredentials = errors.New("malformed credentials")
	ErrInvalidSignature     = errors.New("invalid credential signature")
	ErrExpired              = errors.New("credentials expired")
)

// Auth is a username/password pair.
type Auth struct {
	Username string
	Password string
}

// FromUIDAndSecret derives credentials for uid, signed with the service
// secret at the given time.
func FromUIDAndSecret(uid interfaces.UserID, secret [SecretSize]byte, now time.Time) Auth {
	username := uid.String()
	timestamp := strconv.FormatInt(now.Unix(), 10)
	return Auth{
		Username: username,
		Password: username + ":" + timestamp + ":" + sign(secret, username, timestamp),
	}
}

// ParseSecret decodes a base64 service secret.
func ParseSecret(encoded string) ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return secret, fmt.Errorf("decoding secret: %w", err)
	}
	if len(raw) != SecretSize {
		return secret, fmt.Errorf("invalid secret length %d, expected %d", len(raw), SecretSize)
	}
	copy(secret[:], raw)
	return secret, nil
}

// Header returns the basic-auth Authorization header.
func (a Auth) Header() http.Header {
	token := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	return http.Header{"Authorization": {"Basic " + token}}
}

// Verify checks a password produced by FromUIDAndSecret. maxAge of zero
// disables the expiry check.
func Verify(username, password string, secret [SecretSize]byte, now time.Time, maxAge time.Duration) error {
	parts := strings.Split(password, ":")
	if len(parts) != 3 || parts[0] != username {
		return ErrMalformedCredentials
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformedCredentials, err)
	}

	expected := sign(secret, username, parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return ErrInvalidSignature
	}

	if maxAge > 0 && now.Sub(time.Unix(ts, 0)) > maxAge {
		return ErrExpired
	}
	return nil
}

func sign(secret [SecretSize]byte, username, timestamp string) string {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(username + ":" + timestamp))
	return hex.EncodeToString(mac.Sum(nil)[:macSize])
}
