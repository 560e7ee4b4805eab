package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
)

// MinIterations is the lowest PBKDF2 iteration count the deriver accepts.
// Keys derived with fewer rounds are too cheap to brute-force.
const MinIterations = 100_000

// KeyDeriver turns the master key into per-field AES keys. The same master
// key, salt, and binding string always derive the same key, which is what
// lets a stored blob be decrypted later without storing the key itself.
type KeyDeriver struct {
	masterKey  []byte
	iterations int
}

// NewKeyDeriver validates the master key and iteration count. An iteration
// count of zero selects the minimum.
func NewKeyDeriver(masterKey []byte, iterations int) (*KeyDeriver, error) {
	if len(masterKey) == 0 {
		return nil, errors.NewCryptoError("KEY_DERIVATION_FAILED", "derive",
			"master key must not be empty")
	}
	if iterations == 0 {
		iterations = MinIterations
	}
	if iterations < MinIterations {
		return nil, errors.NewValidationError("INSUFFICIENT_ITERATIONS",
			"pbkdf2 iteration count must be at least 100000")
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &KeyDeriver{masterKey: key, iterations: iterations}, nil
}

// Iterations returns the configured PBKDF2 round count.
func (d *KeyDeriver) Iterations() int {
	return d.iterations
}

// Derive produces a 32-byte AES key from the salt and the field binding
// string. The binding string folds table, field, purpose, and key version
// into the derivation so each field gets an independent key.
func (d *KeyDeriver) Derive(salt []byte, info string) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errors.NewCryptoError("KEY_DERIVATION_FAILED", "derive",
			"salt must not be empty")
	}

	material := make([]byte, 0, len(salt)+len(info))
	material = append(material, salt...)
	material = append(material, info...)
	return pbkdf2.Key(d.masterKey, material, d.iterations, KeySize, sha256.New), nil
}

// NewSalt returns a fresh random salt for key derivation and tokenization.
func NewSalt() ([]byte, error) {
	salt := make([]byte, protection.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.NewCryptoError("KEY_DERIVATION_FAILED", "derive",
			"failed to generate salt").WithCause(err)
	}
	return salt, nil
}
