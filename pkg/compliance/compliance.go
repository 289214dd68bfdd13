// Package compliance validates a record's compliance metadata against
// jurisdictional policy rules.
//
// Validation is a pure function of the metadata and the policy: no side
// effects, no I/O, no ordering dependency on other components. It can run
// standalone (pre-save preview) or embedded in the save path. Every failed
// rule produces a discrete, named Violation so a caller can present all
// problems at once rather than just the first.
package compliance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default retention bounds for the medical-records profile. The lower bound
// is the regulatory 7-year minimum (2555 days); the upper bound rejects
// nonsensical values (100 years).
const (
	DefaultMinRetentionDays = 2555
	DefaultMaxRetentionDays = 36500
)

// Violation codes. This is a closed set evaluated by a fixed rule pipeline,
// not an extension mechanism.
const (
	CodeConsentMissing          = "CONSENT_MISSING"
	CodeConsentTimestampMissing = "CONSENT_TIMESTAMP_MISSING"
	CodeMinimizationMissing     = "MINIMIZATION_MISSING"
	CodeRetentionTooShort       = "RETENTION_TOO_SHORT"
	CodeRetentionTooLong        = "RETENTION_TOO_LONG"
)

// Metadata describes the consent, minimization, and retention obligations
// attached to a record. It is embedded in, and owned by, its parent record.
// RetentionPeriodDays is immutable after creation: changing a record's
// retention policy requires a re-validated replace, not a field edit.
type Metadata struct {
	ConsentObtained         bool       `json:"consent_obtained" yaml:"consent_obtained"`
	ConsentTimestamp        *time.Time `json:"consent_timestamp,omitempty" yaml:"consent_timestamp,omitempty"`
	DataMinimizationApplied bool       `json:"data_minimization_applied" yaml:"data_minimization_applied"`
	RetentionPeriodDays     int        `json:"retention_period_days" yaml:"retention_period_days"`
	ProfessionalOrderID     string     `json:"professional_order_id,omitempty" yaml:"professional_order_id,omitempty"`
	Deidentified            bool       `json:"deidentified" yaml:"deidentified"`

	// LegalHold excludes the record from the automatic retention sweep.
	LegalHold bool `json:"legal_hold,omitempty" yaml:"legal_hold,omitempty"`
}

// Violation is a single failed rule.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Policy holds the jurisdictional rule parameters. The zero value is not
// usable; construct with DefaultPolicy or LoadPolicy.
type Policy struct {
	// MinRetentionDays is the regulatory minimum retention period.
	MinRetentionDays int `yaml:"min_retention_days"`

	// MaxRetentionDays rejects nonsensical retention values.
	MaxRetentionDays int `yaml:"max_retention_days"`
}

// DefaultPolicy returns the default medical-records profile.
func DefaultPolicy() *Policy {
	return &Policy{
		MinRetentionDays: DefaultMinRetentionDays,
		MaxRetentionDays: DefaultMaxRetentionDays,
	}
}

// LoadPolicy reads a policy profile from a YAML file. Unset bounds fall back
// to the default profile.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("compliance: failed to parse policy file: %w", err)
	}

	if policy.MinRetentionDays <= 0 || policy.MaxRetentionDays < policy.MinRetentionDays {
		return nil, fmt.Errorf("compliance: invalid retention bounds [%d, %d] in %s",
			policy.MinRetentionDays, policy.MaxRetentionDays, path)
	}

	return policy, nil
}

// rule checks one aspect of the metadata and returns a violation or nil.
type rule func(p *Policy, m *Metadata) *Violation

// rules is the fixed evaluation pipeline. Order matters only for output
// ordering; rules are independent of each other.
var rules = []rule{
	checkConsent,
	checkConsentTimestamp,
	checkMinimization,
	checkRetentionLower,
	checkRetentionUpper,
}

// Validate evaluates all rules and returns every violation found.
// A nil result means the metadata is compliant.
func (p *Policy) Validate(m *Metadata) []Violation {
	var violations []Violation
	for _, r := range rules {
		if v := r(p, m); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

func checkConsent(_ *Policy, m *Metadata) *Violation {
	if !m.ConsentObtained {
		return &Violation{
			Code:    CodeConsentMissing,
			Message: "subject consent has not been obtained",
		}
	}
	return nil
}

func checkConsentTimestamp(_ *Policy, m *Metadata) *Violation {
	if m.ConsentObtained && (m.ConsentTimestamp == nil || m.ConsentTimestamp.IsZero()) {
		return &Violation{
			Code:    CodeConsentTimestampMissing,
			Message: "consent is recorded without a consent timestamp",
		}
	}
	return nil
}

// checkMinimization: identified content requires either applied data
// minimization or a professional-order reference.
func checkMinimization(_ *Policy, m *Metadata) *Violation {
	if m.Deidentified {
		return nil
	}
	if m.DataMinimizationApplied || m.ProfessionalOrderID != "" {
		return nil
	}
	return &Violation{
		Code:    CodeMinimizationMissing,
		Message: "identified content requires data minimization or a professional order reference",
	}
}

func checkRetentionLower(p *Policy, m *Metadata) *Violation {
	if m.RetentionPeriodDays < p.MinRetentionDays {
		return &Violation{
			Code: CodeRetentionTooShort,
			Message: fmt.Sprintf("retention period %d days is below the policy minimum of %d days",
				m.RetentionPeriodDays, p.MinRetentionDays),
		}
	}
	return nil
}

func checkRetentionUpper(p *Policy, m *Metadata) *Violation {
	if m.RetentionPeriodDays > p.MaxRetentionDays {
		return &Violation{
			Code: CodeRetentionTooLong,
			Message: fmt.Sprintf("retention period %d days exceeds the policy maximum of %d days",
				m.RetentionPeriodDays, p.MaxRetentionDays),
		}
	}
	return nil
}
