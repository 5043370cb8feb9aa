package cryptoutils

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// SaltSize is the length of the per-backup password salt.
const SaltSize = 16

// Limits on parameters read back from stored share sets.
const (
	maxKDFMemoryKiB = 4 * 1024 * 1024
	maxKDFTime      = 64
)

// KDFParams are the Argon2id cost parameters used to stretch a password.
type KDFParams struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultKDFParams returns the parameters used for new backups.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// Validate rejects parameters argon2 cannot run with.
func (p KDFParams) Validate() error {
	if p.Time == 0 {
		return errors.New("kdf time must be positive")
	}
	if p.Threads == 0 {
		return errors.New("kdf threads must be positive")
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return fmt.Errorf("kdf memory %d KiB below minimum %d", p.MemoryKiB, 8*uint32(p.Threads))
	}
	if p.MemoryKiB > maxKDFMemoryKiB || p.Time > maxKDFTime {
		return fmt.Errorf("kdf cost %d passes over %d KiB exceeds limits", p.Time, p.MemoryKiB)
	}
	return nil
}

// PasswordKey is a stretched password.
type PasswordKey [32]byte

// DerivePasswordKey stretches password with Argon2id.
func DerivePasswordKey(password []byte, salt []byte, p KDFParams) (PasswordKey, error) {
	if err := p.Validate(); err != nil {
		return PasswordKey{}, err
	}
	if len(salt) != SaltSize {
		return PasswordKey{}, fmt.Errorf("invalid salt length %d", len(salt))
	}

	var key PasswordKey
	copy(key[:], argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, 32))
	return key, nil
}

func (k PasswordKey) expand(label string, serverID uint64, n int) []byte {
	info := make([]byte, 0, len(label)+8)
	info = append(info, label...)
	info = binary.BigEndian.AppendUint64(info, serverID)

	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k[:], nil, info), out); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(err)
	}
	return out
}

// GuessTag is what a replica compares to decide whether a restore attempt
// used the right password.
func (k PasswordKey) GuessTag(serverID uint64) [32]byte {
	var tag [32]byte
	copy(tag[:], k.expand("svr-guess-tag", serverID, 32))
	return tag
}

// Mask returns n bytes of keystream hiding the share stored at serverID.
func (k PasswordKey) Mask(serverID uint64, n int) []byte {
	return k.expand("svr-share-mask", serverID, n)
}

// Commit binds the secret to the password key. The commitment confirms a
// reconstructed secret without revealing it.
func (k PasswordKey) Commit(secret []byte) [32]byte {
	h, err := blake3.NewKeyed(k[:])
	if err != nil {
		panic(err)
	}
	h.Write([]byte("svr-secret-commitment"))
	h.Write(secret)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// XOR returns a xor b. The inputs must have equal length.
func XOR(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("cryptoutils: XOR of unequal lengths")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
