// Package fixtures builds PHI-bearing test data. Values are shaped to
// match the built-in detection catalog, so a fixture field lands in the
// classification its name suggests.
package fixtures

// RecordBuilder assembles patient chart rows for detection, protection,
// and de-identification tests.
type RecordBuilder struct {
	fields map[string]string
}

// NewPatientRecord starts from a chart row covering every classification
// the built-in catalog knows, plus low-risk fields that must pass through
// untouched.
func NewPatientRecord() *RecordBuilder {
	return &RecordBuilder{
		fields: map[string]string{
			"patient_name": "Margaret Chen",
			"ssn":          "123-45-6789",
			"mrn":          "MRN-00482913",
			"dob":          "01/15/1980",
			"zip_code":     "94107",
			"email":        "margaret.chen@example.com",
			"phone":        "(415) 555-0182",
			"diagnosis":    "Type 2 diabetes mellitus",
			"credit_card":  "4111-1111-1111-1111",
			"blood_type":   "O+",
			"visit_count":  "12",
		},
	}
}

// With sets or replaces a field.
func (b *RecordBuilder) With(field, value string) *RecordBuilder {
	b.fields[field] = value
	return b
}

// Without drops a field.
func (b *RecordBuilder) Without(field string) *RecordBuilder {
	delete(b.fields, field)
	return b
}

// Build returns an independent copy so tests can mutate freely.
func (b *RecordBuilder) Build() map[string]string {
	out := make(map[string]string, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	return out
}

// NarrativeNote returns free text in the shape of a clinical note, with
// several identifiers embedded in one value.
func NarrativeNote() string {
	return "Patient Margaret Chen (MRN-00482913, DOB 01/15/1980) seen for " +
		"diabetes follow-up. Callback (415) 555-0182; SSN 123-45-6789 on file."
}
