// Package cipher provides authenticated decryption of command program
// text. It is deterministic and performs no I/O.
package cipher

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length, in bytes, of the decrypt key.
const KeySize = chacha20poly1305.KeySize // 32

// ErrDecryptFailed is returned for a wrong key, a tampered tag, or a
// malformed envelope. Callers report this as DECRYPT_FAILED and treat the
// attempt as a failed run, subject to the command's retry policy.
var ErrDecryptFailed = errors.New("cipher: decrypt failed")

// ErrInvalidKeySize is returned when the supplied key is not KeySize bytes.
var ErrInvalidKeySize = fmt.Errorf("cipher: key must be %d bytes", KeySize)

// Envelope is the opaque-to-the-core wire format of an encrypted command
// program. Nonce is the AEAD nonce used at encryption time; AdditionalData
// is optional associated data (e.g. the command id) bound into the tag.
type Envelope struct {
	Ciphertext     []byte
	Nonce          []byte
	AdditionalData []byte
}

// Decrypt authenticates and decrypts env using key, a KeySize-byte secret
// supplied at process startup. A key that is not KeySize bytes long is
// reported as ErrInvalidKeySize; any other failure — wrong key, tampered
// tag, malformed nonce — is reported as ErrDecryptFailed.
func Decrypt(env Envelope, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size", ErrDecryptFailed)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.AdditionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext under key, producing an Envelope with a fresh
// random nonce. It exists for tests and for external tooling that writes
// command records; the core scheduler only ever calls Decrypt.
func Encrypt(plaintext, key, additionalData []byte) (Envelope, error) {
	if len(key) != KeySize {
		return Envelope{}, ErrInvalidKeySize
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("cipher: creating aead: %w", err)
	}

	nonce, err := randomNonce(aead.NonceSize())
	if err != nil {
		return Envelope{}, fmt.Errorf("cipher: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData)
	return Envelope{Ciphertext: ciphertext, Nonce: nonce, AdditionalData: additionalData}, nil
}
