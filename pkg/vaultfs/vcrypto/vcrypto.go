// Package vcrypto is the crypto facade: opaque encrypt/decrypt/derive_key/
// hash primitives consumed by every persistence path (spec §2.1, §4.3).
//
// Two ciphers are supported, matching the super-block's cipher tag (spec
// §6): XChaCha20-Poly1305 (default) and AES-256-GCM. Key derivation uses
// Argon2id with three named cost profiles mirroring the original
// Interactive/Moderate/Sensitive tiers.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
)

// Cipher selects the AEAD construction used for all ciphertext.
type Cipher uint8

const (
	CipherXChaCha20Poly1305 Cipher = iota
	CipherAes256Gcm
)

// CostProfile selects an Argon2id parameter set for password-based key
// derivation.
type CostProfile uint8

const (
	CostInteractive CostProfile = iota
	CostModerate
	CostSensitive
)

// argon2Params holds (time, memory-KiB, parallelism) for one cost profile.
type argon2Params struct {
	time    uint32
	memKiB  uint32
	threads uint8
}

var profiles = map[CostProfile]argon2Params{
	CostInteractive: {time: 2, memKiB: 64 * 1024, threads: 1},
	CostModerate:    {time: 3, memKiB: 256 * 1024, threads: 2},
	CostSensitive:   {time: 4, memKiB: 1024 * 1024, threads: 4},
}

// KeySize is the size in bytes of every derived or random key this package
// produces and consumes.
const KeySize = 32

// SaltSize is the size in bytes of the super-block's salt field (spec §6).
const SaltSize = 16

// Facade implements encrypt/decrypt/derive_key/hash over a fixed cipher.
type Facade struct {
	cipher Cipher
}

// New returns a Facade bound to the given cipher. Returns
// [verrs.ErrInvalidCipher] for an unrecognized value.
func New(c Cipher) (*Facade, error) {
	if c != CipherXChaCha20Poly1305 && c != CipherAes256Gcm {
		return nil, fmt.Errorf("vcrypto: %w: %d", verrs.ErrInvalidCipher, c)
	}

	return &Facade{cipher: c}, nil
}

func (f *Facade) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vcrypto: %w: key must be %d bytes, got %d", verrs.ErrInitCrypto, KeySize, len(key))
	}

	switch f.cipher {
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case CipherAes256Gcm:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("vcrypto: %w: %w", verrs.ErrInitCrypto, err)
		}

		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("vcrypto: %w", verrs.ErrInvalidCipher)
	}
}

// Encrypt seals plaintext under key, prefixing the random nonce to the
// returned ciphertext.
func (f *Facade) Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := f.aead(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())

	_, err = rand.Read(nonce)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: %w: generating nonce: %w", verrs.ErrEncrypt, err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by [Facade.Encrypt]. Any failure
// (tamper, wrong key, truncation) surfaces as [verrs.ErrDecrypt].
func (f *Facade) Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := f.aead(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("vcrypto: %w: ciphertext shorter than nonce", verrs.ErrDecrypt)
	}

	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: %w", verrs.ErrDecrypt)
	}

	return plaintext, nil
}

// EncryptBlockDeterministic seals plaintext with a nonce derived
// deterministically from (volumeKey, blockIndex), so that rewriting the same
// block within a txid is idempotent (spec §4.1). volumeKey must be at least
// KeySize bytes; only the first KeySize bytes are used as the AEAD key, the
// full volumeKey feeds the nonce derivation so distinct volumes never share
// a (key, nonce) pair even when block indices collide.
func (f *Facade) EncryptBlockDeterministic(volumeKey []byte, blockIndex uint64, plaintext []byte) ([]byte, error) {
	aead, err := f.aead(volumeKey[:KeySize])
	if err != nil {
		return nil, err
	}

	nonce := deriveBlockNonce(volumeKey, blockIndex, aead.NonceSize())

	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptBlockDeterministic reverses [Facade.EncryptBlockDeterministic].
func (f *Facade) DecryptBlockDeterministic(volumeKey []byte, blockIndex uint64, ciphertext []byte) ([]byte, error) {
	aead, err := f.aead(volumeKey[:KeySize])
	if err != nil {
		return nil, err
	}

	nonce := deriveBlockNonce(volumeKey, blockIndex, aead.NonceSize())

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: %w: block %d", verrs.ErrCorrupted, blockIndex)
	}

	return plaintext, nil
}

func deriveBlockNonce(volumeKey []byte, blockIndex uint64, size int) []byte {
	h := sha256.New()
	h.Write(volumeKey)
	h.Write([]byte("vaultfs-block-nonce"))

	var idx [8]byte
	for i := range idx {
		idx[i] = byte(blockIndex >> (8 * i))
	}

	h.Write(idx[:])

	return h.Sum(nil)[:size]
}

// DeriveKey derives a KeySize key from password and salt under the given
// cost profile. Returns [verrs.ErrInvalidCost] for an unrecognized profile.
func DeriveKey(password, salt []byte, cost CostProfile) ([]byte, error) {
	p, ok := profiles[cost]
	if !ok {
		return nil, fmt.Errorf("vcrypto: %w: %d", verrs.ErrInvalidCost, cost)
	}

	if len(salt) != SaltSize {
		return nil, fmt.Errorf("vcrypto: salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	return argon2.IDKey(password, salt, p.time, p.memKiB, p.threads, KeySize), nil
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// NewSalt returns a fresh random salt suitable for [DeriveKey].
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	_, err := rand.Read(salt)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: generating salt: %w", err)
	}

	return salt, nil
}

// NewKey returns a fresh random key, used to mint the volume master key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)

	_, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("vcrypto: generating key: %w", err)
	}

	return key, nil
}
