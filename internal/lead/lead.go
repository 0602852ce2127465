// Package lead defines the lead record, the duplicate relationship row, and
// the persistence interface the dedupe engine reads and writes.
package lead

import (
	"slices"
	"time"
)

// Status is the lifecycle tag of a lead.
type Status string

// Lead statuses.
const (
	StatusNew       Status = "new"
	StatusEnriched  Status = "enriched"
	StatusQualified Status = "qualified"
	StatusContacted Status = "contacted"
	StatusRejected  Status = "rejected"
)

// QCFlagMerged marks a rejected lead whose data was folded into another lead.
const QCFlagMerged = "merged"

// ValidationStatus is the verification state of an email or phone value.
type ValidationStatus string

// Validation statuses. The zero value means the status is absent.
const (
	ValidationUnverified  ValidationStatus = "unverified"
	ValidationLikelyValid ValidationStatus = "likely_valid"
	ValidationVerified    ValidationStatus = "verified"
	ValidationInvalid     ValidationStatus = "invalid"
)

// Well-known attribute keys used for matching.
const (
	AttrCompanyName = "company_name"
	AttrCity        = "city"
	AttrState       = "state"
)

// Lead is a prospective contact or business record.
type Lead struct {
	ID     string `json:"id" db:"id"`
	JobID  string `json:"job_id,omitempty" db:"job_id"`
	Domain string `json:"domain" db:"domain"`

	Emails                []string         `json:"emails" db:"emails"`
	BestEmail             string           `json:"best_email,omitempty" db:"best_email"`
	BestEmailSource       string           `json:"best_email_source,omitempty" db:"best_email_source"`
	EmailValidationStatus ValidationStatus `json:"email_validation_status,omitempty" db:"email_validation_status"`

	Phones                []string         `json:"phones" db:"phones"`
	BestPhone             string           `json:"best_phone,omitempty" db:"best_phone"`
	BestPhoneSource       string           `json:"best_phone_source,omitempty" db:"best_phone_source"`
	PhoneValidationStatus ValidationStatus `json:"phone_validation_status,omitempty" db:"phone_validation_status"`

	FullName       string `json:"full_name,omitempty" db:"full_name"`
	FullNameSource string `json:"full_name_source,omitempty" db:"full_name_source"`

	Attributes              Attributes `json:"attributes" db:"attributes"`
	ConfidenceScore         float64    `json:"confidence_score" db:"confidence_score"`
	EnrichmentProvidersUsed []string   `json:"enrichment_providers_used" db:"enrichment_providers_used"`

	Status  Status `json:"status" db:"status"`
	QCFlag  string `json:"qc_flag,omitempty" db:"qc_flag"`
	QCNotes string `json:"qc_notes,omitempty" db:"qc_notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the lead was folded into another lead.
// Terminal leads may still be matched but never act as a primary.
func (l *Lead) IsTerminal() bool {
	return l.Status == StatusRejected && l.QCFlag == QCFlagMerged
}

// IsActive reports whether the lead can still take part in dedupe. Any
// rejected lead is out, whatever its QC flag.
func (l *Lead) IsActive() bool {
	return l.Status != StatusRejected
}

// IsVerified reports whether either contact channel is verified.
func (l *Lead) IsVerified() bool {
	return l.EmailValidationStatus == ValidationVerified ||
		l.PhoneValidationStatus == ValidationVerified
}

// Clone returns a deep copy of l.
func (l *Lead) Clone() *Lead {
	out := *l
	out.Emails = slices.Clone(l.Emails)
	out.Phones = slices.Clone(l.Phones)
	out.EnrichmentProvidersUsed = slices.Clone(l.EnrichmentProvidersUsed)
	out.Attributes = l.Attributes.Clone()
	return &out
}

// MatchReason identifies the index that produced a candidate pairing.
type MatchReason string

// Match reasons, in the order the indexer emits them.
const (
	ReasonEmail              MatchReason = "email"
	ReasonPhone              MatchReason = "phone"
	ReasonDomainName         MatchReason = "domain_name"
	ReasonCompanyCityContact MatchReason = "company_city_contact"
)

// Duplicate is a discovered pairing where DuplicateID folds into PrimaryID.
type Duplicate struct {
	ID          string      `json:"id" db:"id"`
	PrimaryID   string      `json:"primary_id" db:"primary_id"`
	DuplicateID string      `json:"duplicate_id" db:"duplicate_id"`
	MatchReason MatchReason `json:"match_reason" db:"match_reason"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	MergedAt    *time.Time  `json:"merged_at,omitempty" db:"merged_at"`
}

// IsMerged reports whether the merge for this pair already ran.
func (d *Duplicate) IsMerged() bool {
	return d.MergedAt != nil
}
