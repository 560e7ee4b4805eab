package phi

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// ValidatorKind names the format/checksum check a category supports.
type ValidatorKind string

const (
	ValidatorNone      ValidatorKind = ""
	ValidatorSSN       ValidatorKind = "ssn"
	ValidatorLuhn      ValidatorKind = "luhn"
	ValidatorBirthDate ValidatorKind = "birth_date"
)

// PatternSpec is the declarative form of one detection regex.
type PatternSpec struct {
	ID    string `yaml:"id" validate:"required"`
	Regex string `yaml:"regex" validate:"required"`
}

// CategorySpec is the declarative form of one catalog category. It is also
// the YAML schema for externally supplied catalogs.
type CategorySpec struct {
	ID             string        `yaml:"id" validate:"required"`
	Classification string        `yaml:"classification" validate:"required"`
	BaseConfidence float64       `yaml:"base_confidence" validate:"gte=0,lte=1"`
	KeywordBoost   float64       `yaml:"keyword_boost" validate:"gte=0,lte=0.5"`
	Keywords       []string      `yaml:"keywords"`
	Patterns       []PatternSpec `yaml:"patterns" validate:"required,min=1,dive"`
	Validator      string        `yaml:"validator" validate:"omitempty,oneof=ssn luhn birth_date"`
	DropIfInvalid  bool          `yaml:"drop_if_invalid"`
}

// catalogFile is the root YAML document for an external catalog.
type catalogFile struct {
	Categories []CategorySpec `yaml:"categories" validate:"required,min=1,dive"`
}

type compiledPattern struct {
	id string
	re *regexp.Regexp
}

// Category is one compiled, immutable catalog entry.
type Category struct {
	id             string
	classification Classification
	baseConfidence float64
	keywordBoost   float64
	keywords       []string
	patterns       []compiledPattern
	validator      ValidatorKind
	dropIfInvalid  bool
}

// ID returns the category identifier.
func (c Category) ID() string { return c.id }

// Classification returns the classification assigned to matches.
func (c Category) Classification() Classification { return c.classification }

// BaseConfidence returns the starting confidence for matches.
func (c Category) BaseConfidence() float64 { return c.baseConfidence }

// KeywordBoost returns the confidence adjustment applied when the field
// name corroborates the category.
func (c Category) KeywordBoost() float64 { return c.keywordBoost }

// Validator returns the format check this category supports.
func (c Category) Validator() ValidatorKind { return c.validator }

// DropIfInvalid reports whether a match failing the format check is
// discarded instead of merely losing its validity bonus.
func (c Category) DropIfInvalid() bool { return c.dropIfInvalid }

// MatchesKeyword reports whether the field name contains one of the
// category's hint keywords. Matching is case-insensitive substring.
func (c Category) MatchesKeyword(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Match runs the category's patterns against a value. It returns the ids of
// every pattern that matched and the span of the first match found, in
// pattern order.
func (c Category) Match(value string) (ids []string, start, end int, matched bool) {
	start, end = -1, -1
	for _, p := range c.patterns {
		loc := p.re.FindStringIndex(value)
		if loc == nil {
			continue
		}
		ids = append(ids, p.id)
		if start == -1 {
			start, end = loc[0], loc[1]
		}
	}
	if len(ids) == 0 {
		return nil, 0, 0, false
	}
	return ids, start, end, true
}

// FormatValid runs the category's format check against the matched text.
// The second return is false when the category has no check.
func (c Category) FormatValid(matched string, now time.Time) (valid, checked bool) {
	switch c.validator {
	case ValidatorSSN:
		return ValidSSN(matched), true
	case ValidatorLuhn:
		return ValidLuhn(matched), true
	case ValidatorBirthDate:
		return PlausibleBirthDate(matched, now), true
	default:
		return false, false
	}
}

// PatternCatalog is the ordered, immutable registry of detection
// categories. Construct once and share; it is safe for concurrent use.
type PatternCatalog struct {
	categories []Category
	byID       map[string]int
}

var catalogValidate = validator.New()

// NewPatternCatalog compiles a catalog from category specs. Category order
// is preserved; it determines detection order.
func NewPatternCatalog(specs []CategorySpec) (*PatternCatalog, error) {
	if len(specs) == 0 {
		return nil, errors.NewValidationError("EMPTY_CATALOG",
			"pattern catalog requires at least one category")
	}

	catalog := &PatternCatalog{
		categories: make([]Category, 0, len(specs)),
		byID:       make(map[string]int, len(specs)),
	}

	for _, spec := range specs {
		if err := catalogValidate.Struct(spec); err != nil {
			return nil, errors.NewValidationError("INVALID_CATEGORY",
				fmt.Sprintf("category %q failed validation", spec.ID)).WithCause(err)
		}
		if _, dup := catalog.byID[spec.ID]; dup {
			return nil, errors.NewValidationError("DUPLICATE_CATEGORY",
				fmt.Sprintf("category %q declared twice", spec.ID))
		}

		classification := Classification(spec.Classification)
		if !classification.IsValid() {
			return nil, errors.NewValidationError("INVALID_CLASSIFICATION",
				fmt.Sprintf("category %q: unknown classification %q", spec.ID, spec.Classification))
		}

		base := spec.BaseConfidence
		if base == 0 {
			base = 0.5
		}

		cat := Category{
			id:             spec.ID,
			classification: classification,
			baseConfidence: base,
			keywordBoost:   spec.KeywordBoost,
			validator:      ValidatorKind(spec.Validator),
			dropIfInvalid:  spec.DropIfInvalid,
		}

		for _, kw := range spec.Keywords {
			cat.keywords = append(cat.keywords, strings.ToLower(kw))
		}

		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, errors.NewValidationError("INVALID_PATTERN",
					fmt.Sprintf("category %q pattern %q does not compile", spec.ID, p.ID)).WithCause(err)
			}
			cat.patterns = append(cat.patterns, compiledPattern{id: p.qualifiedID(spec.ID), re: re})
		}

		catalog.byID[spec.ID] = len(catalog.categories)
		catalog.categories = append(catalog.categories, cat)
	}

	return catalog, nil
}

// qualifiedID prefixes a pattern id with its category so matched-pattern
// ids are unique across the catalog.
func (p PatternSpec) qualifiedID(categoryID string) string {
	if strings.HasPrefix(p.ID, categoryID+".") {
		return p.ID
	}
	return categoryID + "." + p.ID
}

// ParsePatternCatalog builds a catalog from YAML bytes.
func ParsePatternCatalog(data []byte) (*PatternCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewValidationError("INVALID_CATALOG_YAML",
			"pattern catalog YAML does not parse").WithCause(err)
	}
	if err := catalogValidate.Struct(file); err != nil {
		return nil, errors.NewValidationError("INVALID_CATALOG",
			"pattern catalog failed validation").WithCause(err)
	}
	return NewPatternCatalog(file.Categories)
}

// LoadPatternCatalog reads and parses a YAML catalog file.
func LoadPatternCatalog(path string) (*PatternCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern catalog %s: %w", path, err)
	}
	return ParsePatternCatalog(data)
}

// Categories returns the catalog's categories in detection order.
func (pc *PatternCatalog) Categories() []Category {
	out := make([]Category, len(pc.categories))
	copy(out, pc.categories)
	return out
}

// Category looks up a category by id.
func (pc *PatternCatalog) Category(id string) (Category, bool) {
	idx, ok := pc.byID[id]
	if !ok {
		return Category{}, false
	}
	return pc.categories[idx], true
}

// Len returns the number of categories.
func (pc *PatternCatalog) Len() int {
	return len(pc.categories)
}

// DefaultPatternCatalog returns the built-in catalog covering the standard
// identifier categories in their canonical detection order. It panics only
// if the built-in specs are themselves broken, which is a programming
// error.
func DefaultPatternCatalog() *PatternCatalog {
	catalog, err := NewPatternCatalog(defaultCategorySpecs())
	if err != nil {
		panic(fmt.Sprintf("built-in pattern catalog invalid: %v", err))
	}
	return catalog
}

// defaultCategorySpecs declares the built-in detection categories. Order
// matters: it is the scan order and the tiebreak for equal-confidence
// findings.
func defaultCategorySpecs() []CategorySpec {
	return []CategorySpec{
		{
			ID:             "ssn",
			Classification: ClassDirectIdentifier.String(),
			KeywordBoost:   0.3,
			Keywords:       []string{"ssn", "social", "social_security", "tax_id", "taxid"},
			Patterns: []PatternSpec{
				{ID: "dashed", Regex: `\b\d{3}-\d{2}-\d{4}\b`},
				{ID: "spaced", Regex: `\b\d{3} \d{2} \d{4}\b`},
				{ID: "bare", Regex: `\b\d{9}\b`},
			},
			Validator:     string(ValidatorSSN),
			DropIfInvalid: true,
		},
		{
			ID:             "mrn",
			Classification: ClassDirectIdentifier.String(),
			KeywordBoost:   0.3,
			Keywords:       []string{"mrn", "medical_record", "record_number", "patient_id", "chart"},
			Patterns: []PatternSpec{
				{ID: "prefixed", Regex: `(?i)\bMRN[-:# ]{0,2}\d{5,10}\b`},
				{ID: "numeric", Regex: `\b\d{6,10}\b`},
			},
		},
		{
			ID:             "dob",
			Classification: ClassQuasiIdentifier.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"dob", "birth", "birthdate", "date_of_birth", "born"},
			Patterns: []PatternSpec{
				{ID: "slash", Regex: `\b\d{1,2}/\d{1,2}/\d{4}\b`},
				{ID: "iso", Regex: `\b\d{4}-\d{2}-\d{2}\b`},
				{ID: "textual", Regex: `\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]* \d{1,2}, \d{4}\b`},
			},
			Validator: string(ValidatorBirthDate),
		},
		{
			ID:             "phone",
			Classification: ClassContactInfo.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"phone", "mobile", "cell", "tel", "fax"},
			Patterns: []PatternSpec{
				{ID: "parenthesized", Regex: `\(\d{3}\)\s?\d{3}[- ]?\d{4}`},
				{ID: "separated", Regex: `\b\d{3}[-.]\d{3}[-.]\d{4}\b`},
				{ID: "bare", Regex: `\b\d{10}\b`},
			},
		},
		{
			ID:             "email",
			Classification: ClassContactInfo.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"email", "e_mail", "mail"},
			Patterns: []PatternSpec{
				{ID: "rfc", Regex: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
			},
		},
		{
			ID:             "address",
			Classification: ClassQuasiIdentifier.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"address", "addr", "street", "city", "zip", "postal"},
			Patterns: []PatternSpec{
				{ID: "street", Regex: `(?i)\b\d{1,5} [A-Za-z0-9 .]+ (?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl|Way)\b\.?`},
				{ID: "zip", Regex: `\b\d{5}(?:-\d{4})?\b`},
			},
		},
		{
			ID:             "name",
			Classification: ClassDirectIdentifier.String(),
			KeywordBoost:   0.3,
			Keywords:       []string{"name", "first", "last", "surname", "given", "middle"},
			Patterns: []PatternSpec{
				{ID: "full", Regex: `\b[A-Z][a-z]+ [A-Z][a-z]+\b`},
				{ID: "initialed", Regex: `\b[A-Z][a-z]+ [A-Z]\. [A-Z][a-z]+\b`},
			},
		},
		{
			ID:             "financial",
			Classification: ClassFinancial.String(),
			KeywordBoost:   0.3,
			Keywords:       []string{"card", "credit", "account", "payment", "billing", "acct", "iban"},
			Patterns: []PatternSpec{
				{ID: "card", Regex: `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011|65\d{2})[- ]?\d{4}[- ]?\d{4}[- ]?\d{2,4}\b`},
			},
			Validator:     string(ValidatorLuhn),
			DropIfInvalid: true,
		},
		{
			ID:             "device_ip",
			Classification: ClassDeviceInfo.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"ip", "device", "mac", "host", "serial", "uuid"},
			Patterns: []PatternSpec{
				{ID: "ipv4", Regex: `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
				{ID: "mac", Regex: `\b(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}\b`},
				{ID: "uuid", Regex: `\b[0-9a-fA-F]{8}-(?:[0-9a-fA-F]{4}-){3}[0-9a-fA-F]{12}\b`},
			},
		},
		{
			ID:             "sensitive_term",
			Classification: ClassSensitiveHealth.String(),
			KeywordBoost:   0.2,
			Keywords:       []string{"diagnosis", "condition", "treatment", "medication", "illness", "disease", "notes", "history"},
			Patterns: []PatternSpec{
				{ID: "term", Regex: `(?i)\b(?:HIV|AIDS|cancer|oncology|chemotherapy|diabetes|hepatitis|schizophrenia|depression|bipolar|psychiatric|substance abuse|alcoholism|overdose|dialysis|genetic disorder|pregnancy|terminated|STD|STI)\b`},
			},
		},
	}
}
