package protection

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// Sizes of the fixed AEAD components. The IV and tag are both 128 bits;
// the persisted payload is hex(iv || authTag || ciphertext).
const (
	IVSize      = 16
	AuthTagSize = 16
	SaltSize    = 16
)

// AlgorithmAES256GCM is the only cipher suite blobs are produced with.
const AlgorithmAES256GCM = "aes-256-gcm"

// EncryptedBlob is one protected field value. Blobs are immutable once
// produced; decryption requires the exact field context they were created
// under, which is bound into the ciphertext as associated data.
type EncryptedBlob struct {
	ciphertext  []byte
	iv          []byte
	authTag     []byte
	salt        []byte
	algorithmID string
	keyVersion  int
	createdAt   time.Time
}

// BlobMetadata is the sidecar persisted next to a blob payload. It carries
// everything decryption needs besides the payload and the master key.
type BlobMetadata struct {
	Salt        string    `json:"salt"`
	AlgorithmID string    `json:"algorithm_id"`
	KeyVersion  int       `json:"key_version"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEncryptedBlob creates a validated EncryptedBlob.
func NewEncryptedBlob(ciphertext, iv, authTag, salt []byte, algorithmID string, keyVersion int, createdAt time.Time) (EncryptedBlob, error) {
	if len(iv) != IVSize {
		return EncryptedBlob{}, errors.NewValidationError("INVALID_IV_SIZE",
			fmt.Sprintf("iv must be %d bytes, got %d", IVSize, len(iv)))
	}
	if len(authTag) != AuthTagSize {
		return EncryptedBlob{}, errors.NewValidationError("INVALID_TAG_SIZE",
			fmt.Sprintf("auth tag must be %d bytes, got %d", AuthTagSize, len(authTag)))
	}
	if len(salt) == 0 {
		return EncryptedBlob{}, errors.NewValidationError("EMPTY_SALT",
			"salt cannot be empty")
	}
	if algorithmID != AlgorithmAES256GCM {
		return EncryptedBlob{}, errors.NewValidationError("UNSUPPORTED_ALGORITHM",
			fmt.Sprintf("unsupported algorithm %q", algorithmID))
	}
	if keyVersion < 1 {
		return EncryptedBlob{}, errors.NewValidationError("INVALID_KEY_VERSION",
			fmt.Sprintf("key version must be >= 1, got %d", keyVersion))
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return EncryptedBlob{
		ciphertext:  cloneBytes(ciphertext),
		iv:          cloneBytes(iv),
		authTag:     cloneBytes(authTag),
		salt:        cloneBytes(salt),
		algorithmID: algorithmID,
		keyVersion:  keyVersion,
		createdAt:   createdAt,
	}, nil
}

// ParseEncryptedBlob reconstructs a blob from its persisted payload and
// sidecar metadata.
func ParseEncryptedBlob(payload string, meta BlobMetadata) (EncryptedBlob, error) {
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return EncryptedBlob{}, errors.NewValidationError("INVALID_PAYLOAD_HEX",
			"encrypted payload is not valid hex").WithCause(err)
	}
	if len(raw) < IVSize+AuthTagSize {
		return EncryptedBlob{}, errors.NewValidationError("PAYLOAD_TOO_SHORT",
			fmt.Sprintf("encrypted payload must be at least %d bytes, got %d",
				IVSize+AuthTagSize, len(raw)))
	}

	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return EncryptedBlob{}, errors.NewValidationError("INVALID_SALT_HEX",
			"blob salt is not valid hex").WithCause(err)
	}

	iv := raw[:IVSize]
	tag := raw[IVSize : IVSize+AuthTagSize]
	ciphertext := raw[IVSize+AuthTagSize:]

	return NewEncryptedBlob(ciphertext, iv, tag, salt, meta.AlgorithmID, meta.KeyVersion, meta.Timestamp)
}

// Payload returns the persisted wire form: hex(iv || authTag || ciphertext).
func (b EncryptedBlob) Payload() string {
	raw := make([]byte, 0, len(b.iv)+len(b.authTag)+len(b.ciphertext))
	raw = append(raw, b.iv...)
	raw = append(raw, b.authTag...)
	raw = append(raw, b.ciphertext...)
	return hex.EncodeToString(raw)
}

// Metadata returns the sidecar persisted next to the payload.
func (b EncryptedBlob) Metadata() BlobMetadata {
	return BlobMetadata{
		Salt:        hex.EncodeToString(b.salt),
		AlgorithmID: b.algorithmID,
		KeyVersion:  b.keyVersion,
		Timestamp:   b.createdAt,
	}
}

// Ciphertext returns a copy of the raw ciphertext (tag excluded).
func (b EncryptedBlob) Ciphertext() []byte { return cloneBytes(b.ciphertext) }

// IV returns a copy of the initialization vector.
func (b EncryptedBlob) IV() []byte { return cloneBytes(b.iv) }

// AuthTag returns a copy of the authentication tag.
func (b EncryptedBlob) AuthTag() []byte { return cloneBytes(b.authTag) }

// Salt returns a copy of the key-derivation salt.
func (b EncryptedBlob) Salt() []byte { return cloneBytes(b.salt) }

// AlgorithmID returns the cipher suite identifier.
func (b EncryptedBlob) AlgorithmID() string { return b.algorithmID }

// KeyVersion returns the key version the blob was produced under.
func (b EncryptedBlob) KeyVersion() int { return b.keyVersion }

// CreatedAt returns when the blob was produced.
func (b EncryptedBlob) CreatedAt() time.Time { return b.createdAt }

// IsZero reports whether the blob is the zero value.
func (b EncryptedBlob) IsZero() bool {
	return b.algorithmID == ""
}

// Sealed returns ciphertext || authTag, the layout AES-GCM produces and
// consumes.
func (b EncryptedBlob) Sealed() []byte {
	out := make([]byte, 0, len(b.ciphertext)+len(b.authTag))
	out = append(out, b.ciphertext...)
	out = append(out, b.authTag...)
	return out
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}
