package cryptoutils

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrDecrypt is returned for frames that fail authentication.
	ErrDecrypt = errors.New("session frame failed authentication")

	// ErrMalformedHello is returned for client hellos of the wrong size.
	ErrMalformedHello = errors.New("malformed client hello")
)

const sessionInfo = "svr-attested-session-v1"

// StaticKey is a replica's long-lived X25519 key pair.
type StaticKey struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateStaticKey creates an X25519 key pair from rand.
func GenerateStaticKey(rand io.Reader) (*StaticKey, error) {
	var k StaticKey
	if _, err := io.ReadFull(rand, k.Private[:]); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	pub, err := curve25519.X25519(k.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(k.Public[:], pub)
	return &k, nil
}

// Session encrypts frames in both directions of an attested connection.
// Seal and Open may be called concurrently with each other.
type Session struct {
	sendMu  sync.Mutex
	send    cipher.AEAD
	sendSeq uint64

	recvMu  sync.Mutex
	recv    cipher.AEAD
	recvSeq uint64
}

// ClientHandshake derives the client side of a session. envelope is the raw
// evidence envelope as received; serverPublic is the verified static key.
// The returned hello must be sent to the replica.
func ClientHandshake(rand io.Reader, envelope []byte, serverPublic [32]byte) ([]byte, *Session, error) {
	eph, err := GenerateStaticKey(rand)
	if err != nil {
		return nil, nil, err
	}

	shared, err := curve25519.X25519(eph.Private[:], serverPublic[:])
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement: %w", err)
	}

	c2s, s2c, err := deriveSessionKeys(shared, envelope, eph.Public)
	if err != nil {
		return nil, nil, err
	}
	session, err := newSession(c2s, s2c)
	if err != nil {
		return nil, nil, err
	}
	return eph.Public[:], session, nil
}

// NewServerSession derives the replica side of a session from the client
// hello.
func NewServerSession(static *StaticKey, envelope []byte, hello []byte) (*Session, error) {
	if len(hello) != 32 {
		return nil, ErrMalformedHello
	}
	var clientPublic [32]byte
	copy(clientPublic[:], hello)

	shared, err := curve25519.X25519(static.Private[:], clientPublic[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	c2s, s2c, err := deriveSessionKeys(shared, envelope, clientPublic)
	if err != nil {
		return nil, err
	}
	return newSession(s2c, c2s)
}

func deriveSessionKeys(shared, envelope []byte, clientPublic [32]byte) ([]byte, []byte, error) {
	salt := sha256.Sum256(envelope)
	info := append([]byte(sessionInfo), clientPublic[:]...)

	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], info), keys); err != nil {
		return nil, nil, fmt.Errorf("deriving session keys: %w", err)
	}
	return keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:], nil
}

func newSession(sendKey, recvKey []byte) (*Session, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	return &Session{send: send, recv: recv}, nil
}

func counterNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

// Seal encrypts the next outbound frame.
func (s *Session) Seal(plaintext []byte) []byte {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame := s.send.Seal(nil, counterNonce(s.sendSeq), plaintext, nil)
	s.sendSeq++
	return frame
}

// Open decrypts the next inbound frame. A failed frame does not advance the
// counter.
func (s *Session) Open(frame []byte) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if len(frame) < s.recv.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := s.recv.Open(nil, counterNonce(s.recvSeq), frame, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	s.recvSeq++
	return plaintext, nil
}
