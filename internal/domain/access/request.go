package access

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

var requestValidate = validator.New()

// Request is one access request presented to the controller. PatientID is
// set when the request targets a specific patient's records; Fields lists
// the field names the caller wants.
type Request struct {
	RequestID         string        `json:"request_id"`
	UserID            string        `json:"user_id" validate:"required"`
	Role              Role          `json:"role" validate:"required"`
	Purpose           Purpose       `json:"purpose" validate:"required"`
	PatientID         string        `json:"patient_id,omitempty"`
	Fields            []string      `json:"fields,omitempty"`
	ConsentToken      string        `json:"consent_token,omitempty"`
	EmergencyOverride bool          `json:"emergency_override,omitempty"`
	RequestedDuration time.Duration `json:"requested_duration,omitempty"`
	Origin            string        `json:"origin,omitempty"`
}

// Validate checks structural validity. Matrix and consent checks are the
// controller's job; this only rejects requests that are malformed.
func (r *Request) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return errors.NewValidationError("INVALID_ACCESS_REQUEST",
			"access request is malformed").WithCause(err)
	}
	if !r.Role.IsValid() {
		return errors.NewValidationError("UNKNOWN_ROLE",
			fmt.Sprintf("unknown role %q", r.Role))
	}
	if !r.Purpose.IsValid() {
		return errors.NewValidationError("UNKNOWN_PURPOSE",
			fmt.Sprintf("unknown purpose %q", r.Purpose))
	}
	if r.RequestedDuration < 0 {
		return errors.NewValidationError("INVALID_DURATION",
			"requested duration cannot be negative")
	}
	return nil
}

// Normalized returns the request with an assigned request id when absent.
func (r Request) Normalized() Request {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	return r
}
