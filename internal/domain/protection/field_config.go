package protection

import (
	"encoding/hex"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

var configValidate = validator.New()

// FieldConfig names the field an encrypt or decrypt operation applies to
// and the context the key and ciphertext are bound to. The same config used
// at encrypt time must be presented at decrypt time.
type FieldConfig struct {
	TableName  string `json:"table_name" validate:"required"`
	FieldName  string `json:"field_name" validate:"required"`
	Purpose    string `json:"purpose"`
	KeyVersion int    `json:"key_version" validate:"gte=0"`
	Mandatory  bool   `json:"mandatory"`
	Searchable bool   `json:"searchable"`
}

// Validate checks the config is usable. A zero KeyVersion is allowed and
// treated as version 1 by Normalized.
func (fc FieldConfig) Validate() error {
	if err := configValidate.Struct(fc); err != nil {
		return errors.NewValidationError("INVALID_FIELD_CONFIG",
			fmt.Sprintf("field config for %q is invalid", fc.Qualified())).WithCause(err)
	}
	return nil
}

// Normalized returns the config with defaults applied.
func (fc FieldConfig) Normalized() FieldConfig {
	if fc.KeyVersion == 0 {
		fc.KeyVersion = 1
	}
	return fc
}

// Qualified returns "table.field" for cache keys and log attributes.
func (fc FieldConfig) Qualified() string {
	return fc.TableName + "." + fc.FieldName
}

// KeyInfo returns the derivation info string mixed into the per-field key:
// table, field, purpose, and key version. Two configs differing in any of
// these derive unrelated keys from the same master key and salt.
func (fc FieldConfig) KeyInfo() string {
	n := fc.Normalized()
	return fmt.Sprintf("%s.%s.%s.v%d", n.TableName, n.FieldName, n.Purpose, n.KeyVersion)
}

// AAD returns the associated data authenticated alongside the ciphertext:
// table, field, key version, and the encryption salt. A blob presented
// under a different table, field, or version fails its tag check.
func (fc FieldConfig) AAD(salt []byte) []byte {
	n := fc.Normalized()
	return []byte(fmt.Sprintf("%s|%s|v%d|%s", n.TableName, n.FieldName, n.KeyVersion, hex.EncodeToString(salt)))
}
