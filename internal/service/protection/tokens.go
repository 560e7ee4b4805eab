package protection

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/crypto"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
)

// Tokenize replaces a value with a vault-backed token derived from a
// salted one-way hash. The original is recoverable only through
// Detokenize under a grant permitting it. The vault write completes
// before the token is returned, so a token in the wild always resolves.
func (s *Service) Tokenize(ctx context.Context, value, fieldName string) (protection.Token, error) {
	ctx, span := s.tracer.Start(ctx, "protection.tokenize",
		trace.WithAttributes(attribute.String("phi.field", fieldName)),
	)
	defer span.End()

	ok := false
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordProtection(ctx, phi.ActionTokenize.String(), ok)
		}
	}()

	if value == "" {
		return protection.Token{}, errors.NewValidationError("EMPTY_VALUE", "cannot tokenize an empty value")
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		span.RecordError(err)
		return protection.Token{}, err
	}
	token, err := protection.ComputeToken(value, salt)
	if err != nil {
		span.RecordError(err)
		return protection.Token{}, err
	}
	entry, err := protection.NewVaultEntry(token, value, salt, fieldName, s.clock().UTC())
	if err != nil {
		span.RecordError(err)
		return protection.Token{}, err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		return protection.Token{}, errors.WrapWithCode(err, "VAULT_ENCODE_FAILED", "failed to encode vault entry")
	}
	if err := s.store.Put(ctx, store.BucketVault, token.String(), data); err != nil {
		span.RecordError(err)
		s.logger.Error("Failed to persist vault entry",
			zap.String("field", fieldName),
			zap.Error(err),
		)
		return protection.Token{}, errors.WrapWithCode(err, "VAULT_WRITE_FAILED", "failed to persist vault entry")
	}

	s.incrementVaultCount()
	ok = true
	return token, nil
}

// Detokenize returns the original value behind a token when the grant
// permits it. A denial emits exactly one breach event and returns no
// data. Malformed tokens fail validation without touching the vault.
func (s *Service) Detokenize(ctx context.Context, raw string, grant *access.Grant) (string, error) {
	ctx, span := s.tracer.Start(ctx, "protection.detokenize")
	defer span.End()

	ok := false
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordProtection(ctx, "detokenize", ok)
		}
	}()

	token, err := protection.ParseToken(raw)
	if err != nil {
		return "", err
	}

	if reason := s.reversalDenied(grant, access.OperationDetokenize); reason != "" {
		s.auditBreach(ctx, grant, access.OperationDetokenize, token.String(), "token", reason)
		return "", errors.NewForbiddenError("detokenize denied: " + reason)
	}

	data, err := s.store.Get(ctx, store.BucketVault, token.String())
	if err != nil {
		if store.IsNotFound(err) {
			return "", errors.NewNotFoundError("token")
		}
		span.RecordError(err)
		return "", errors.WrapWithCode(err, "VAULT_READ_FAILED", "failed to read vault entry")
	}

	var entry protection.VaultEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		span.RecordError(err)
		return "", errors.WrapWithCode(err, "VAULT_DECODE_FAILED", "vault entry is undecodable")
	}

	// The audit append is the final step; the original is not released
	// when the trail cannot record the access.
	fields := []string{}
	if entry.FieldName != "" {
		fields = append(fields, entry.FieldName)
	}
	if err := s.auditReversal(ctx, grant, token.String(), "token", "token reversed", fields); err != nil {
		span.RecordError(err)
		return "", err
	}

	ok = true
	return entry.Original, nil
}
