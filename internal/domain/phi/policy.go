package phi

// Action is the protection strategy recommended or applied for a finding.
type Action string

const (
	ActionEncrypt  Action = "encrypt"
	ActionTokenize Action = "tokenize"
	ActionMask     Action = "mask"
	ActionRedact   Action = "redact"
	ActionAllow    Action = "allow"
)

// String returns the string representation of the action
func (a Action) String() string {
	return string(a)
}

// IsValid checks if the action is known
func (a Action) IsValid() bool {
	switch a {
	case ActionEncrypt, ActionTokenize, ActionMask, ActionRedact, ActionAllow:
		return true
	default:
		return false
	}
}

// IsReversible returns true if the action can be undone with the right
// authorization (decrypt or detokenize).
func (a Action) IsReversible() bool {
	return a == ActionEncrypt || a == ActionTokenize
}

// policyKey indexes the action policy by classification and risk.
type policyKey struct {
	Classification Classification
	Risk           RiskLevel
}

// ActionPolicy maps classification and risk level to a protection action.
// The mapping is held as plain data so the effective policy can be dumped,
// diffed, and asserted on directly.
type ActionPolicy struct {
	rules    map[policyKey]Action
	fallback Action
}

// PolicyRule is one row of an action policy table.
type PolicyRule struct {
	Classification Classification
	Risk           RiskLevel
	Action         Action
}

// NewActionPolicy builds a policy from explicit rules. Entries not covered
// by any rule resolve to the fallback action.
func NewActionPolicy(rules []PolicyRule, fallback Action) *ActionPolicy {
	p := &ActionPolicy{
		rules:    make(map[policyKey]Action, len(rules)),
		fallback: fallback,
	}
	for _, r := range rules {
		p.rules[policyKey{r.Classification, r.Risk}] = r.Action
	}
	return p
}

// DefaultActionPolicy returns the standard protection policy:
// high-risk direct identifiers, sensitive health data, and biometrics are
// encrypted; high-risk financial values are tokenized; medium-risk
// quasi-identifiers and contact details are masked; everything else passes
// through unchanged.
func DefaultActionPolicy() *ActionPolicy {
	return NewActionPolicy([]PolicyRule{
		{ClassDirectIdentifier, RiskHigh, ActionEncrypt},
		{ClassSensitiveHealth, RiskHigh, ActionEncrypt},
		{ClassBiometric, RiskHigh, ActionEncrypt},
		{ClassFinancial, RiskHigh, ActionTokenize},
		{ClassQuasiIdentifier, RiskMedium, ActionMask},
		{ClassContactInfo, RiskMedium, ActionMask},
	}, ActionAllow)
}

// ActionFor resolves the action for a classification at a risk level.
func (p *ActionPolicy) ActionFor(c Classification, r RiskLevel) Action {
	if a, ok := p.rules[policyKey{c, r}]; ok {
		return a
	}
	return p.fallback
}

// Rules returns a copy of every explicit rule in the policy, in a stable
// classification-then-risk order, for auditing and tests.
func (p *ActionPolicy) Rules() []PolicyRule {
	out := make([]PolicyRule, 0, len(p.rules))
	for _, c := range AllClassifications() {
		for _, r := range AllRiskLevels() {
			if a, ok := p.rules[policyKey{c, r}]; ok {
				out = append(out, PolicyRule{c, r, a})
			}
		}
	}
	return out
}

// Fallback returns the action applied when no explicit rule matches.
func (p *ActionPolicy) Fallback() Action {
	return p.fallback
}
