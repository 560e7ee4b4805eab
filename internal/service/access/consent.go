package access

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// consentClaims is the payload of a patient consent token: the subject is
// the patient, the scope is the purpose the consent covers.
type consentClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// MintConsentToken issues a signed consent token binding a patient to a
// purpose for a limited time. Consent management systems call this when a
// patient authorizes a use of their records.
func MintConsentToken(secret []byte, patientID string, purpose access.Purpose, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.NewValidationError("MISSING_CONSENT_SECRET", "consent secret is required")
	}
	if patientID == "" {
		return "", errors.NewValidationError("MISSING_PATIENT_ID", "consent token requires a patient id")
	}
	if !purpose.IsValid() {
		return "", errors.NewValidationError("UNKNOWN_PURPOSE", "consent token requires a known purpose")
	}
	if ttl <= 0 {
		return "", errors.NewValidationError("INVALID_CONSENT_TTL", "consent ttl must be positive")
	}

	claims := consentClaims{
		Scope: purpose.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   patientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// consentDenied checks the consent token on a request and returns the
// denial reason, or "" when consent is in order. Only HMAC signatures are
// accepted and the expiry claim is mandatory.
func (s *Service) consentDenied(req access.Request) string {
	if req.ConsentToken == "" {
		return "patient consent required"
	}

	claims := &consentClaims{}
	_, err := jwt.ParseWithClaims(req.ConsentToken, claims,
		func(token *jwt.Token) (any, error) { return s.cfg.ConsentSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return "consent token invalid or expired"
	}
	if claims.Subject != req.PatientID {
		return "consent token covers a different patient"
	}
	if claims.Scope != req.Purpose.String() {
		return "consent token does not cover the requested purpose"
	}
	return ""
}
