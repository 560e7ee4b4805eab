package phi

// Classification represents the privacy category assigned to a detected value.
type Classification string

const (
	ClassDirectIdentifier Classification = "direct_identifier"
	ClassQuasiIdentifier  Classification = "quasi_identifier"
	ClassSensitiveHealth  Classification = "sensitive_health"
	ClassFinancial        Classification = "financial"
	ClassContactInfo      Classification = "contact_info"
	ClassDeviceInfo       Classification = "device_info"
	ClassBiometric        Classification = "biometric"
	ClassLowRisk          Classification = "low_risk"
)

// String returns the string representation of the classification
func (c Classification) String() string {
	return string(c)
}

// IsValid checks if the classification is a known category
func (c Classification) IsValid() bool {
	switch c {
	case ClassDirectIdentifier, ClassQuasiIdentifier, ClassSensitiveHealth,
		ClassFinancial, ClassContactInfo, ClassDeviceInfo, ClassBiometric,
		ClassLowRisk:
		return true
	default:
		return false
	}
}

// IsIdentifying returns true for classifications that can identify a person
// on their own, without combination with other fields.
func (c Classification) IsIdentifying() bool {
	switch c {
	case ClassDirectIdentifier, ClassBiometric:
		return true
	default:
		return false
	}
}

// DefaultRiskLevel returns the risk level assumed for this classification
// when no stronger signal is available.
func (c Classification) DefaultRiskLevel() RiskLevel {
	switch c {
	case ClassDirectIdentifier, ClassSensitiveHealth, ClassFinancial, ClassBiometric:
		return RiskHigh
	case ClassQuasiIdentifier, ClassContactInfo, ClassDeviceInfo:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SafeHarborDisposition describes how a Safe Harbor pass treats fields of
// this classification: removed outright, generalized in place, or kept.
type SafeHarborDisposition string

const (
	DispositionRemove     SafeHarborDisposition = "remove"
	DispositionGeneralize SafeHarborDisposition = "generalize"
	DispositionKeep       SafeHarborDisposition = "keep"
)

// SafeHarborDisposition returns the Safe Harbor treatment for this
// classification. Direct identifiers, contact details, and device
// identifiers must not survive de-identification at all; quasi-identifiers
// survive only in generalized form.
func (c Classification) SafeHarborDisposition() SafeHarborDisposition {
	switch c {
	case ClassDirectIdentifier, ClassContactInfo, ClassDeviceInfo, ClassBiometric:
		return DispositionRemove
	case ClassQuasiIdentifier:
		return DispositionGeneralize
	default:
		return DispositionKeep
	}
}

// AllClassifications returns every known classification in a stable order.
func AllClassifications() []Classification {
	return []Classification{
		ClassDirectIdentifier,
		ClassQuasiIdentifier,
		ClassSensitiveHealth,
		ClassFinancial,
		ClassContactInfo,
		ClassDeviceInfo,
		ClassBiometric,
		ClassLowRisk,
	}
}

// RiskLevel grades how damaging disclosure of a value would be.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// String returns the string representation of the risk level
func (r RiskLevel) String() string {
	return string(r)
}

// IsValid checks if the risk level is known
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskHigh, RiskMedium, RiskLow:
		return true
	default:
		return false
	}
}

// Level returns a numeric level for the risk (higher = more severe)
func (r RiskLevel) Level() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// IsAtLeast returns true if this risk is at least as severe as the other
func (r RiskLevel) IsAtLeast(other RiskLevel) bool {
	return r.Level() >= other.Level()
}

// AllRiskLevels returns every known risk level, most severe first.
func AllRiskLevels() []RiskLevel {
	return []RiskLevel{RiskHigh, RiskMedium, RiskLow}
}
