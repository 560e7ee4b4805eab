package access

import (
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Role identifies the kind of actor requesting access.
type Role string

const (
	RoleHealthcareProvider Role = "healthcare_provider"
	RoleNurse              Role = "nurse"
	RoleAdmin              Role = "admin"
	RoleResearcher         Role = "researcher"
	RolePatient            Role = "patient"
	RoleEmergency          Role = "emergency"
	RoleSystem             Role = "system"
)

// Purpose is the declared purpose of use accompanying a request.
type Purpose string

const (
	PurposeTreatment    Purpose = "treatment"
	PurposePayment      Purpose = "payment"
	PurposeOperations   Purpose = "operations"
	PurposeResearch     Purpose = "research"
	PurposePublicHealth Purpose = "public_health"
	PurposeEmergency    Purpose = "emergency"
)

// Operation is a privileged action a session may be allowed to perform.
type Operation string

const (
	OperationRead       Operation = "read"
	OperationWrite      Operation = "write"
	OperationDecrypt    Operation = "decrypt"
	OperationDetokenize Operation = "detokenize"
	OperationExport     Operation = "export"
	OperationDelete     Operation = "delete"
)

var (
	// rolePurposes is the fixed role to purpose-of-use matrix. A pair
	// absent from this table is always denied.
	rolePurposes = map[Role][]Purpose{
		RoleHealthcareProvider: {PurposeTreatment, PurposeEmergency, PurposeOperations},
		RoleNurse:              {PurposeTreatment, PurposeOperations},
		RoleAdmin:              {PurposeOperations, PurposePayment},
		RoleResearcher:         {PurposeResearch, PurposePublicHealth},
		RolePatient:            {PurposeTreatment},
		RoleEmergency:          {PurposeEmergency, PurposeTreatment},
		RoleSystem:             {PurposeOperations},
	}

	// roleOperations is the fixed operation set granted to each role's
	// sessions.
	roleOperations = map[Role][]Operation{
		RoleHealthcareProvider: {OperationRead, OperationWrite, OperationDecrypt, OperationDetokenize},
		RoleNurse:              {OperationRead, OperationWrite, OperationDecrypt},
		RoleAdmin:              {OperationRead, OperationExport},
		RoleResearcher:         {OperationRead},
		RolePatient:            {OperationRead},
		RoleEmergency:          {OperationRead, OperationWrite, OperationDecrypt, OperationDetokenize},
		RoleSystem:             {OperationRead, OperationWrite},
	}

	// roleDeniedClasses is the minimum-necessary denylist: field
	// classifications a role may never request.
	roleDeniedClasses = map[Role][]phi.Classification{
		RoleResearcher: {phi.ClassDirectIdentifier, phi.ClassContactInfo, phi.ClassFinancial},
		RoleAdmin:      {phi.ClassSensitiveHealth},
		RoleNurse:      {phi.ClassFinancial},
	}

	// roleRestrictions are attached to every grant issued for the role.
	roleRestrictions = map[Role][]string{
		RolePatient:    {RestrictionOwnRecordsOnly},
		RoleResearcher: {RestrictionDeidentifiedOnly},
	}

	// overrideRoles may invoke the emergency override path.
	overrideRoles = map[Role]bool{
		RoleEmergency:          true,
		RoleHealthcareProvider: true,
	}
)

// Restriction strings attached to grants.
const (
	RestrictionOwnRecordsOnly        = "own_records_only"
	RestrictionDeidentifiedOnly      = "deidentified_only"
	RestrictionEmergencyReviewNeeded = "emergency_review_required"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is known
func (r Role) IsValid() bool {
	_, ok := rolePurposes[r]
	return ok
}

// AllowedPurposes returns the purposes the role may declare, in matrix
// order.
func (r Role) AllowedPurposes() []Purpose {
	src := rolePurposes[r]
	out := make([]Purpose, len(src))
	copy(out, src)
	return out
}

// AllowsPurpose checks the role-purpose matrix.
func (r Role) AllowsPurpose(p Purpose) bool {
	for _, allowed := range rolePurposes[r] {
		if allowed == p {
			return true
		}
	}
	return false
}

// PermittedOperations returns the fixed operation set for the role's
// sessions.
func (r Role) PermittedOperations() []Operation {
	src := roleOperations[r]
	out := make([]Operation, len(src))
	copy(out, src)
	return out
}

// DeniedClassifications returns the minimum-necessary denylist for the
// role. Empty for unrestricted roles.
func (r Role) DeniedClassifications() []phi.Classification {
	src := roleDeniedClasses[r]
	out := make([]phi.Classification, len(src))
	copy(out, src)
	return out
}

// DefaultRestrictions returns the restrictions attached to every grant for
// the role.
func (r Role) DefaultRestrictions() []string {
	src := roleRestrictions[r]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// CanOverride reports whether the role may invoke emergency override.
func (r Role) CanOverride() bool {
	return overrideRoles[r]
}

// AllRoles returns every known role in a stable order.
func AllRoles() []Role {
	return []Role{
		RoleHealthcareProvider, RoleNurse, RoleAdmin, RoleResearcher,
		RolePatient, RoleEmergency, RoleSystem,
	}
}

// String returns the string representation of the purpose
func (p Purpose) String() string {
	return string(p)
}

// IsValid checks if the purpose is known
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeTreatment, PurposePayment, PurposeOperations,
		PurposeResearch, PurposePublicHealth, PurposeEmergency:
		return true
	default:
		return false
	}
}

// AllPurposes returns every known purpose in a stable order.
func AllPurposes() []Purpose {
	return []Purpose{
		PurposeTreatment, PurposePayment, PurposeOperations,
		PurposeResearch, PurposePublicHealth, PurposeEmergency,
	}
}

// String returns the string representation of the operation
func (o Operation) String() string {
	return string(o)
}

// IsValid checks if the operation is known
func (o Operation) IsValid() bool {
	switch o {
	case OperationRead, OperationWrite, OperationDecrypt,
		OperationDetokenize, OperationExport, OperationDelete:
		return true
	default:
		return false
	}
}
