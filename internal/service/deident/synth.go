package deident

import (
	"context"
	"crypto/rand"
	"math/big"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

const (
	digitChars = "0123456789"
	alnumChars = "abcdefghijklmnopqrstuvwxyz0123456789"

	// Local-part length for synthetic email addresses.
	syntheticLocalLen = 8
	syntheticDomain   = "@example.com"
)

var emailValueShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Synthesize replaces every field value with a freshly generated one of the
// same apparent type and returns a new record. Replacements come from the
// cryptographic random source and carry nothing of the original beyond its
// shape, so the output is usable as a non-production fixture.
func (s *Service) Synthesize(ctx context.Context, record map[string]string) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "deident.synthesize",
		trace.WithAttributes(attribute.Int("deident.fields", len(record))),
	)
	defer span.End()

	start := s.clock()

	out := make(map[string]string, len(record))
	for _, name := range sortedFieldNames(record) {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, err
		}

		synthetic, err := syntheticValue(record[name])
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out[name] = synthetic
	}

	if s.metrics != nil {
		s.metrics.RecordDeidentification(ctx, elapsedMillis(start, s.clock()), methodSynthesize, 1)
	}

	s.logger.Debug("Synthetic record generated", zap.Int("fields", len(record)))

	return out, nil
}

// syntheticValue generates a replacement of the same apparent type: numeric
// values become random digit strings of the same length, email addresses
// become a random mailbox on a reserved domain, and anything else becomes
// random alphanumerics of the same length.
func syntheticValue(value string) (string, error) {
	switch {
	case value == "":
		return "", nil
	case allDigits(value):
		return randomDigits(len(value))
	case emailValueShape.MatchString(value):
		local, err := randomChars(syntheticLocalLen, alnumChars)
		if err != nil {
			return "", err
		}
		return local + syntheticDomain, nil
	default:
		return randomChars(len(value), alnumChars)
	}
}

// randomDigits generates n random digits. The leading digit is nonzero so
// the replacement keeps the original's magnitude.
func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		set := digitChars
		if i == 0 && n > 1 {
			set = digitChars[1:]
		}
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	return string(out), nil
}

func randomChars(n int, set string) (string, error) {
	out := make([]byte, n)
	for i := range out {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	return string(out), nil
}

func randomChar(set string) (byte, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, errors.NewInternalError("random source unavailable").WithCause(err)
	}
	return set[idx.Int64()], nil
}

func allDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
