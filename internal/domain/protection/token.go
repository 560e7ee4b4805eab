package protection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// Token format: PHI_ + 16 hex chars (truncated salted hash) + _ + 8 hex
// chars (salt prefix). The token itself reveals nothing about the original
// value; reversal goes through the vault.
const (
	tokenPrefix     = "PHI_"
	tokenHashChars  = 16
	tokenSaltChars  = 8
	minTokenSaltLen = 4
)

var tokenRegex = regexp.MustCompile(`^PHI_[0-9a-f]{16}_[0-9a-f]{8}$`)

// Token is an opaque, vault-backed stand-in for a protected value.
type Token struct {
	value string
}

// ComputeToken derives the token for a value under a salt. The derivation
// is deterministic: the same value and salt always produce the same token.
func ComputeToken(original string, salt []byte) (Token, error) {
	if original == "" {
		return Token{}, errors.NewValidationError("EMPTY_VALUE",
			"cannot tokenize an empty value")
	}
	if len(salt) < minTokenSaltLen {
		return Token{}, errors.NewValidationError("SALT_TOO_SHORT",
			fmt.Sprintf("token salt must be at least %d bytes, got %d", minTokenSaltLen, len(salt)))
	}

	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(original))
	digest := hex.EncodeToString(h.Sum(nil))

	saltHex := hex.EncodeToString(salt)
	return Token{value: tokenPrefix + digest[:tokenHashChars] + "_" + saltHex[:tokenSaltChars]}, nil
}

// ParseToken validates an externally supplied token string.
func ParseToken(raw string) (Token, error) {
	if raw == "" {
		return Token{}, errors.NewValidationError("EMPTY_TOKEN",
			"token cannot be empty")
	}
	if !tokenRegex.MatchString(raw) {
		return Token{}, errors.NewValidationError("INVALID_TOKEN_FORMAT",
			"token does not match the PHI token format")
	}
	return Token{value: raw}, nil
}

// MustParseToken parses a token and panics on error (for tests).
func MustParseToken(raw string) Token {
	t, err := ParseToken(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the token string.
func (t Token) String() string {
	return t.value
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t.value == ""
}

// Equal checks if two tokens are identical.
func (t Token) Equal(other Token) bool {
	return t.value == other.value
}

// HashPart returns the 16 hex chars of truncated hash.
func (t Token) HashPart() string {
	if t.IsZero() {
		return ""
	}
	return t.value[len(tokenPrefix) : len(tokenPrefix)+tokenHashChars]
}

// SaltPrefix returns the 8 hex chars of salt prefix.
func (t Token) SaltPrefix() string {
	if t.IsZero() {
		return ""
	}
	return t.value[len(t.value)-tokenSaltChars:]
}

// MarshalJSON implements JSON marshaling
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.value)
}

// UnmarshalJSON implements JSON unmarshaling
func (t *Token) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	token, err := ParseToken(raw)
	if err != nil {
		return err
	}
	*t = token
	return nil
}

// VaultEntry is the persisted mapping from a token back to the value it
// replaced. Entries are created on tokenize and consulted only on an
// authorized detokenize.
type VaultEntry struct {
	Token     string    `json:"token"`
	Original  string    `json:"original"`
	Salt      string    `json:"salt"`
	FieldName string    `json:"field_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewVaultEntry builds the vault record for a token.
func NewVaultEntry(token Token, original string, salt []byte, fieldName string, createdAt time.Time) (VaultEntry, error) {
	if token.IsZero() {
		return VaultEntry{}, errors.NewValidationError("EMPTY_TOKEN",
			"vault entry requires a token")
	}
	if original == "" {
		return VaultEntry{}, errors.NewValidationError("EMPTY_VALUE",
			"vault entry requires the original value")
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return VaultEntry{
		Token:     token.String(),
		Original:  original,
		Salt:      hex.EncodeToString(salt),
		FieldName: fieldName,
		CreatedAt: createdAt,
	}, nil
}
