package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// FieldCipher performs AES-256-GCM encryption of individual field values
// using the wire layout of the encrypted blob: a 16-byte IV and a 16-byte
// authentication tag, with the field binding string passed as associated
// data so a blob cannot be replayed under a different field or key version.
type FieldCipher struct{}

// NewFieldCipher returns a cipher ready for use. The cipher is stateless
// and safe for concurrent use.
func NewFieldCipher() *FieldCipher {
	return &FieldCipher{}
}

// Seal encrypts plaintext under the given key, generating a fresh random IV
// per call. It returns the IV, ciphertext, and authentication tag as the
// separate parts the encrypted blob stores.
func (c *FieldCipher) Seal(key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newAEAD(key, "encrypt")
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, protection.IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, errors.NewCryptoError("ENCRYPTION_FAILED", "encrypt",
			"failed to generate initialization vector").WithCause(err)
	}

	// Seal appends the tag after the ciphertext.
	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - protection.AuthTagSize
	return iv, sealed[:split], sealed[split:], nil
}

// Open decrypts a blob's parts under the given key and associated data.
// Any tampering with the ciphertext, tag, IV, or associated data makes
// authentication fail; callers must not reveal which part mismatched.
func (c *FieldCipher) Open(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key, "decrypt")
	if err != nil {
		return nil, err
	}
	if len(iv) != protection.IVSize {
		return nil, errors.NewCryptoError("DECRYPTION_FAILED", "decrypt",
			"initialization vector has the wrong size")
	}
	if len(tag) != protection.AuthTagSize {
		return nil, errors.NewCryptoError("DECRYPTION_FAILED", "decrypt",
			"authentication tag has the wrong size")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, errors.NewCryptoError("AUTH_TAG_MISMATCH", "authenticate",
			"ciphertext failed authentication").WithCause(err)
	}
	return plaintext, nil
}

func newAEAD(key []byte, operation string) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.NewCryptoError("ENCRYPTION_FAILED", operation,
			"encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewCryptoError("ENCRYPTION_FAILED", operation,
			"failed to create AES cipher").WithCause(err)
	}
	// The blob format carries a 16-byte IV, wider than GCM's default nonce.
	aead, err := cipher.NewGCMWithNonceSize(block, protection.IVSize)
	if err != nil {
		return nil, errors.NewCryptoError("ENCRYPTION_FAILED", operation,
			"failed to create GCM").WithCause(err)
	}
	return aead, nil
}
