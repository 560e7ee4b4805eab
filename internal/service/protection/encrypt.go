package protection

import (
	"context"

	"github.com/hengadev/errsx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/crypto"
)

// FieldResult is the storable outcome of a field encryption: the blob
// payload, its sidecar metadata, and an optional equality-search hash.
type FieldResult struct {
	Payload    string                  `json:"payload"`
	Metadata   protection.BlobMetadata `json:"metadata"`
	SearchHash string                  `json:"search_hash,omitempty"`
}

// EncryptField encrypts one value under a key derived for the field's
// table, name, purpose, and key version. No grant is required: protecting
// data is always allowed, only reversal is gated.
func (s *Service) EncryptField(ctx context.Context, value string, cfg protection.FieldConfig) (*FieldResult, error) {
	ctx, span := s.tracer.Start(ctx, "protection.encrypt_field",
		trace.WithAttributes(attribute.String("phi.field", cfg.Qualified())),
	)
	defer span.End()

	start := s.clock()
	ok := false
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordCryptoOperation(ctx, elapsedMillis(start, s.clock()), "encrypt", ok)
			s.metrics.RecordProtection(ctx, phi.ActionEncrypt.String(), ok)
		}
	}()

	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if value == "" {
		return nil, errors.NewValidationError("EMPTY_VALUE", "cannot encrypt an empty value")
	}
	cfg = cfg.Normalized()

	salt, err := crypto.NewSalt()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	key, err := s.fieldKey(ctx, cfg, salt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	iv, ciphertext, tag, err := s.cipher.Seal(key, []byte(value), cfg.AAD(salt))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	blob, err := protection.NewEncryptedBlob(ciphertext, iv, tag, salt,
		protection.AlgorithmAES256GCM, cfg.KeyVersion, s.clock().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &FieldResult{Payload: blob.Payload(), Metadata: blob.Metadata()}
	if cfg.Searchable {
		searchKey, err := s.searchKeyFor(ctx, cfg)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.SearchHash = crypto.SearchHash(searchKey, value)
	}

	ok = true
	return result, nil
}

// DecryptField reverses a field encryption under an access grant. Denials
// emit exactly one breach event and return no data; cryptographic failures
// return a generic error so callers cannot tell a bad tag from a wrong
// binding.
func (s *Service) DecryptField(ctx context.Context, blob protection.EncryptedBlob, cfg protection.FieldConfig, grant *access.Grant) (string, error) {
	ctx, span := s.tracer.Start(ctx, "protection.decrypt_field",
		trace.WithAttributes(attribute.String("phi.field", cfg.Qualified())),
	)
	defer span.End()

	if err := cfg.Validate(); err != nil {
		span.RecordError(err)
		return "", err
	}
	if blob.IsZero() {
		return "", errors.NewValidationError("EMPTY_BLOB", "cannot decrypt an empty blob")
	}
	cfg = cfg.Normalized()

	if reason := s.reversalDenied(grant, access.OperationDecrypt); reason != "" {
		s.auditBreach(ctx, grant, access.OperationDecrypt, cfg.Qualified(), "field", reason)
		if s.metrics != nil {
			s.metrics.RecordProtection(ctx, "decrypt", false)
		}
		return "", errors.NewForbiddenError("decrypt denied: " + reason)
	}

	value, err := s.openBlob(ctx, blob, cfg)
	if err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.RecordProtection(ctx, "decrypt", false)
		}
		return "", err
	}

	// The audit append is the final step; plaintext is not released when
	// the trail cannot record the access.
	if err := s.auditReversal(ctx, grant, cfg.Qualified(), "field", "field decrypted", []string{cfg.FieldName}); err != nil {
		span.RecordError(err)
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordProtection(ctx, "decrypt", true)
	}
	return value, nil
}

// EncryptRecord encrypts every configured field of a record. A failure on
// a mandatory field aborts the operation and only the collected errors are
// returned; optional-field failures accumulate while the remaining fields
// are still processed.
func (s *Service) EncryptRecord(ctx context.Context, record map[string]string, cfgs []protection.FieldConfig) (map[string]*FieldResult, error) {
	ctx, span := s.tracer.Start(ctx, "protection.encrypt_record",
		trace.WithAttributes(attribute.Int("phi.configured_fields", len(cfgs))),
	)
	defer span.End()

	if len(cfgs) == 0 {
		return nil, errors.NewValidationError("NO_FIELD_CONFIGS",
			"record encryption requires at least one field config")
	}

	results := make(map[string]*FieldResult, len(cfgs))
	var errs errsx.Map

	for _, cfg := range cfgs {
		value, present := record[cfg.FieldName]
		if !present || value == "" {
			// Absent optional fields are simply not protected.
			if cfg.Mandatory {
				errs.Set(cfg.Qualified(), "mandatory field is missing or empty")
				span.SetAttributes(attribute.String("phi.aborted_on", cfg.Qualified()))
				return nil, errs.AsError()
			}
			continue
		}

		result, err := s.EncryptField(ctx, value, cfg)
		if err != nil {
			errs.Set(cfg.Qualified(), err)
			if cfg.Mandatory {
				span.SetAttributes(attribute.String("phi.aborted_on", cfg.Qualified()))
				return nil, errs.AsError()
			}
			continue
		}
		results[cfg.FieldName] = result
	}

	return results, errs.AsError()
}

// DecryptRecord decrypts the configured fields of an encrypted record
// under a single grant check and a single audit entry for the whole
// operation. Mandatory-field failures abort with only the error list.
func (s *Service) DecryptRecord(ctx context.Context, record map[string]*FieldResult, cfgs []protection.FieldConfig, grant *access.Grant) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "protection.decrypt_record",
		trace.WithAttributes(attribute.Int("phi.configured_fields", len(cfgs))),
	)
	defer span.End()

	if len(cfgs) == 0 {
		return nil, errors.NewValidationError("NO_FIELD_CONFIGS",
			"record decryption requires at least one field config")
	}
	resource := cfgs[0].TableName

	if reason := s.reversalDenied(grant, access.OperationDecrypt); reason != "" {
		s.auditBreach(ctx, grant, access.OperationDecrypt, resource, "record", reason)
		return nil, errors.NewForbiddenError("decrypt denied: " + reason)
	}

	out := make(map[string]string, len(cfgs))
	decrypted := make([]string, 0, len(cfgs))
	var errs errsx.Map

	for _, cfg := range cfgs {
		result, present := record[cfg.FieldName]
		if !present || result == nil {
			if cfg.Mandatory {
				errs.Set(cfg.Qualified(), "mandatory field is missing")
				span.SetAttributes(attribute.String("phi.aborted_on", cfg.Qualified()))
				return nil, errs.AsError()
			}
			continue
		}

		blob, err := protection.ParseEncryptedBlob(result.Payload, result.Metadata)
		if err == nil {
			var value string
			if value, err = s.openBlob(ctx, blob, cfg.Normalized()); err == nil {
				out[cfg.FieldName] = value
				decrypted = append(decrypted, cfg.FieldName)
				continue
			}
		}

		errs.Set(cfg.Qualified(), err)
		if cfg.Mandatory {
			span.SetAttributes(attribute.String("phi.aborted_on", cfg.Qualified()))
			return nil, errs.AsError()
		}
	}

	if len(decrypted) > 0 {
		if err := s.auditReversal(ctx, grant, resource, "record", "record fields decrypted", decrypted); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	return out, errs.AsError()
}

// SearchHashFor computes the equality-search hash a value would have been
// stored under for the field, for lookups against stored search hashes.
func (s *Service) SearchHashFor(ctx context.Context, value string, cfg protection.FieldConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if value == "" {
		return "", errors.NewValidationError("EMPTY_VALUE", "cannot hash an empty value")
	}
	key, err := s.searchKeyFor(ctx, cfg.Normalized())
	if err != nil {
		return "", err
	}
	return crypto.SearchHash(key, value), nil
}

// openBlob derives the field key and authenticates the blob. The specific
// failure stays in the log; callers only learn that decryption failed.
func (s *Service) openBlob(ctx context.Context, blob protection.EncryptedBlob, cfg protection.FieldConfig) (string, error) {
	start := s.clock()
	ok := false
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordCryptoOperation(ctx, elapsedMillis(start, s.clock()), "decrypt", ok)
		}
	}()

	salt := blob.Salt()
	key, err := s.fieldKey(ctx, cfg, salt)
	if err != nil {
		return "", err
	}

	plaintext, err := s.cipher.Open(key, blob.IV(), blob.Ciphertext(), blob.AuthTag(), cfg.AAD(salt))
	if err != nil {
		s.logger.Warn("Field decryption failed authentication",
			zap.String("field", cfg.Qualified()),
			zap.Int("key_version", cfg.KeyVersion),
			zap.Error(err),
		)
		return "", errors.NewCryptoError("DECRYPTION_FAILED", "decrypt", "decryption failed")
	}

	ok = true
	return string(plaintext), nil
}

// searchKeyFor derives the deterministic key behind a field's equality
// search hash. Unlike encryption keys it uses a salt fixed by the binding
// string, so one plaintext always hashes identically for one field.
func (s *Service) searchKeyFor(ctx context.Context, cfg protection.FieldConfig) ([]byte, error) {
	cacheID := "search|" + cfg.KeyInfo()
	if key, ok := s.cachedKeyFor(cacheID); ok {
		if s.metrics != nil {
			s.metrics.RecordKeyCacheLookup(ctx, true)
		}
		return key, nil
	}
	if s.metrics != nil {
		s.metrics.RecordKeyCacheLookup(ctx, false)
	}

	key, err := s.deriver.Derive([]byte("search:"+cfg.KeyInfo()), "search-hash")
	if err != nil {
		return nil, err
	}
	s.rememberKey(cacheID, key)
	return key, nil
}
