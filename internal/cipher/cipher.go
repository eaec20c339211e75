// Package cipher implements the two payload encryption formats used between
// the agent and its viewers. The relay never holds keys; it only stores and
// forwards ciphertext.
//
// Legacy format:  [nonce(24)][secretbox ciphertext]
// DataKey format: [version(1)=0x00][nonce(12)][AES-256-GCM ciphertext]
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the required key length for both formats.
	KeySize = 32

	legacyNonceSize  = 24
	dataKeyVersion   = 0x00
	dataKeyNonceSize = 12
	gcmTagSize       = 16
)

// ErrNoKey is returned when decryption is attempted without a usable key.
var ErrNoKey = errors.New("cipher: no key available")

// ErrInvalidPayload is returned for ciphertext too short to contain a nonce.
var ErrInvalidPayload = errors.New("cipher: invalid payload")

// Box encrypts and decrypts payloads. DataKey takes precedence over Master
// when both are set; decryption tries the format indicated by the payload and
// falls back to the legacy format on failure, since a legacy nonce may begin
// with a zero byte.
type Box struct {
	// Master is the legacy SecretBox key, 32 bytes or nil.
	Master []byte
	// DataKey is the per-session AES-256-GCM key, 32 bytes or nil.
	DataKey []byte
}

// NewBox builds a Box from base64url-encoded keys. Either key may be empty.
func NewBox(masterB64, dataKeyB64 string) (*Box, error) {
	b := &Box{}
	if masterB64 != "" {
		key, err := DecodeKey(masterB64)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		b.Master = key
	}
	if dataKeyB64 != "" {
		key, err := DecodeKey(dataKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode data key: %w", err)
		}
		b.DataKey = key
	}
	if b.Master == nil && b.DataKey == nil {
		return nil, ErrNoKey
	}
	return b, nil
}

// DecodeKey decodes a 32-byte key from any common base64 variant.
func DecodeKey(s string) ([]byte, error) {
	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	} {
		if key, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext and returns standard-base64 ciphertext, using the
// data-key format when a data key is present and the legacy format otherwise.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	var encrypted []byte
	var err error
	switch {
	case len(b.DataKey) == KeySize:
		encrypted, err = encryptDataKey(plaintext, b.DataKey)
	case len(b.Master) == KeySize:
		encrypted, err = encryptLegacy(plaintext, b.Master)
	default:
		return "", ErrNoKey
	}
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt opens standard-base64 ciphertext produced by either format.
func (b *Box) Decrypt(ciphertextB64 string) ([]byte, error) {
	encrypted, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(encrypted) == 0 {
		return nil, ErrInvalidPayload
	}

	// Data-key format has version byte 0 and a 12-byte nonce.
	if encrypted[0] == dataKeyVersion && len(encrypted) >= 1+dataKeyNonceSize+gcmTagSize {
		key := b.DataKey
		if len(key) != KeySize {
			key = b.Master
		}
		if len(key) != KeySize {
			return nil, ErrNoKey
		}
		plaintext, aesErr := decryptDataKey(encrypted, key)
		if aesErr == nil {
			return plaintext, nil
		}
		// A legacy nonce can start with a zero byte; try the legacy
		// format before giving up.
		if plaintext, legacyErr := b.decryptLegacy(encrypted); legacyErr == nil {
			return plaintext, nil
		}
		return nil, aesErr
	}

	return b.decryptLegacy(encrypted)
}

func (b *Box) decryptLegacy(encrypted []byte) ([]byte, error) {
	var secretKey [KeySize]byte
	switch {
	case len(b.DataKey) == KeySize:
		copy(secretKey[:], b.DataKey)
	case len(b.Master) == KeySize:
		copy(secretKey[:], b.Master)
	default:
		return nil, ErrNoKey
	}
	if len(encrypted) <= legacyNonceSize {
		return nil, ErrInvalidPayload
	}
	var nonce [legacyNonceSize]byte
	copy(nonce[:], encrypted[:legacyNonceSize])
	plaintext, ok := secretbox.Open(nil, encrypted[legacyNonceSize:], &nonce, &secretKey)
	if !ok {
		return nil, errors.New("cipher: secretbox open failed")
	}
	return plaintext, nil
}

func encryptLegacy(plaintext, key []byte) ([]byte, error) {
	var secretKey [KeySize]byte
	copy(secretKey[:], key)
	var nonce [legacyNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &secretKey), nil
}

func encryptDataKey(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, dataKeyNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+dataKeyNonceSize+len(plaintext)+gcmTagSize)
	out = append(out, dataKeyVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func decryptDataKey(encrypted, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := encrypted[1 : 1+dataKeyNonceSize]
	return gcm.Open(nil, nonce, encrypted[1+dataKeyNonceSize:], nil)
}
