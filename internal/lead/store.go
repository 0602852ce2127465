package lead

import (
	"context"
	"time"
)

// DuplicateFilter narrows ListDuplicates.
type DuplicateFilter struct {
	UnmergedOnly bool   `json:"unmerged_only,omitempty"`
	LeadID       string `json:"lead_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// Store defines persistence for leads, duplicate relationships, and the
// role lookup used by authorization.
type Store interface {
	// Leads
	CreateLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	GetLeads(ctx context.Context, ids []string) ([]Lead, error)
	ListLeadsByJob(ctx context.Context, jobID string) ([]Lead, error)
	ListActiveLeadsByDomains(ctx context.Context, domains, excludeIDs []string, limit int) ([]Lead, error)
	ListActiveLeads(ctx context.Context, limit int) ([]Lead, error)
	UpdateLead(ctx context.Context, l *Lead) error
	MarkLeadMerged(ctx context.Context, id, note string) error

	// Duplicate relationships
	GetDuplicate(ctx context.Context, id string) (*Duplicate, error)
	FindDuplicate(ctx context.Context, primaryID, duplicateID string) (*Duplicate, error)
	CreateDuplicate(ctx context.Context, d *Duplicate) error
	MarkDuplicateMerged(ctx context.Context, id string, at time.Time) error
	ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]Duplicate, error)

	// Roles
	HasRole(ctx context.Context, userID, role string) (bool, error)
	GrantRole(ctx context.Context, userID, role string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// MergedNote is the audit note written on a lead folded into primaryID.
func MergedNote(primaryID string) string {
	return "merged into " + primaryID
}
