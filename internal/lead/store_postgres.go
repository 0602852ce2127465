package lead

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dedupe/internal/db"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id                    TEXT NOT NULL DEFAULT '',
	domain                    TEXT NOT NULL,
	emails                    TEXT[] NOT NULL DEFAULT '{}',
	best_email                TEXT NOT NULL DEFAULT '',
	best_email_source         TEXT NOT NULL DEFAULT '',
	email_validation_status   TEXT NOT NULL DEFAULT '',
	phones                    TEXT[] NOT NULL DEFAULT '{}',
	best_phone                TEXT NOT NULL DEFAULT '',
	best_phone_source         TEXT NOT NULL DEFAULT '',
	phone_validation_status   TEXT NOT NULL DEFAULT '',
	full_name                 TEXT NOT NULL DEFAULT '',
	full_name_source          TEXT NOT NULL DEFAULT '',
	attributes                JSONB NOT NULL DEFAULT '{}'::jsonb,
	confidence_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	enrichment_providers_used TEXT[] NOT NULL DEFAULT '{}',
	status                    TEXT NOT NULL DEFAULT 'new',
	qc_flag                   TEXT NOT NULL DEFAULT '',
	qc_notes                  TEXT NOT NULL DEFAULT '',
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_job_id ON leads(job_id);
CREATE INDEX IF NOT EXISTS idx_leads_domain ON leads(domain);
CREATE INDEX IF NOT EXISTS idx_leads_status_created ON leads(status, created_at);

CREATE TABLE IF NOT EXISTS lead_duplicates (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	primary_id   TEXT NOT NULL REFERENCES leads(id),
	duplicate_id TEXT NOT NULL REFERENCES leads(id),
	match_reason TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	merged_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_lead_duplicates_pair ON lead_duplicates(primary_id, duplicate_id);
CREATE INDEX IF NOT EXISTS idx_lead_duplicates_duplicate ON lead_duplicates(duplicate_id);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, role)
);
`

const leadColumns = `id, job_id, domain,
	emails, best_email, best_email_source, email_validation_status,
	phones, best_phone, best_phone_source, phone_validation_status,
	full_name, full_name_source,
	attributes, confidence_score, enrichment_providers_used,
	status, qc_flag, qc_notes, created_at, updated_at`

// leadInsertColumns matches the argument order of leadArgs, which puts
// updated_at before created_at so UPDATE can bind the first 20 arguments.
const leadInsertColumns = `id, job_id, domain,
	emails, best_email, best_email_source, email_validation_status,
	phones, best_phone, best_phone_source, phone_validation_status,
	full_name, full_name_source,
	attributes, confidence_score, enrichment_providers_used,
	status, qc_flag, qc_notes, updated_at, created_at`

const duplicateColumns = `id, primary_id, duplicate_id, match_reason, created_at, merged_at`

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateLead inserts a lead. Empty ID and zero timestamps are filled in.
func (s *PostgresStore) CreateLead(ctx context.Context, l *Lead) error {
	prepareNewLead(l)
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO leads (`+leadInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		leadArgs(l, attrs)...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create lead %s", l.ID)
	}
	return nil
}

// GetLead fetches a lead by ID. Returns nil, nil when not found.
func (s *PostgresStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

// GetLeads fetches the given leads oldest-first. Unknown IDs are ignored.
func (s *PostgresStore) GetLeads(ctx context.Context, ids []string) ([]Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE id = ANY($1)
		ORDER BY created_at ASC, id ASC`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get leads")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// ListLeadsByJob returns every lead created by a producing job, oldest-first.
func (s *PostgresStore) ListLeadsByJob(ctx context.Context, jobID string) ([]Lead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list leads for job %s", jobID)
	}
	defer rows.Close()
	return scanLeads(rows)
}

// ListActiveLeadsByDomains returns non-rejected leads on any of the domains,
// excluding excludeIDs, oldest-first and capped at limit.
func (s *PostgresStore) ListActiveLeadsByDomains(ctx context.Context, domains, excludeIDs []string, limit int) ([]Lead, error) {
	if len(domains) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE domain = ANY($1)
		  AND status <> $2
		  AND NOT (id = ANY($3))
		ORDER BY created_at ASC, id ASC
		LIMIT $4`, domains, string(StatusRejected), nonNil(excludeIDs), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads by domains")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// ListActiveLeads returns non-rejected leads oldest-first, capped at limit.
func (s *PostgresStore) ListActiveLeads(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE status <> $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, string(StatusRejected), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active leads")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// UpdateLead writes every mutable column of l.
func (s *PostgresStore) UpdateLead(ctx context.Context, l *Lead) error {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	l.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE leads SET
			job_id=$2, domain=$3,
			emails=$4, best_email=$5, best_email_source=$6, email_validation_status=$7,
			phones=$8, best_phone=$9, best_phone_source=$10, phone_validation_status=$11,
			full_name=$12, full_name_source=$13,
			attributes=$14, confidence_score=$15, enrichment_providers_used=$16,
			status=$17, qc_flag=$18, qc_notes=$19, updated_at=$20
		WHERE id=$1`,
		leadArgs(l, attrs)[:20]...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", l.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: lead not found: %s", l.ID)
	}
	return nil
}

// MarkLeadMerged moves a lead to rejected/merged with an audit note.
func (s *PostgresStore) MarkLeadMerged(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads SET status=$2, qc_flag=$3, qc_notes=$4, updated_at=now()
		WHERE id=$1`,
		id, string(StatusRejected), QCFlagMerged, note,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark lead merged %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: lead not found: %s", id)
	}
	return nil
}

// GetDuplicate fetches a relationship row by ID. Returns nil, nil when not found.
func (s *PostgresStore) GetDuplicate(ctx context.Context, id string) (*Duplicate, error) {
	d, err := scanDuplicate(s.pool.QueryRow(ctx, `SELECT `+duplicateColumns+` FROM lead_duplicates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get duplicate %s", id)
	}
	return d, nil
}

// FindDuplicate fetches the relationship row for an exact directional pair.
// Returns nil, nil when the pair has not been recorded.
func (s *PostgresStore) FindDuplicate(ctx context.Context, primaryID, duplicateID string) (*Duplicate, error) {
	d, err := scanDuplicate(s.pool.QueryRow(ctx, `
		SELECT `+duplicateColumns+` FROM lead_duplicates
		WHERE primary_id = $1 AND duplicate_id = $2
		ORDER BY created_at ASC
		LIMIT 1`, primaryID, duplicateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find duplicate %s/%s", primaryID, duplicateID)
	}
	return d, nil
}

// CreateDuplicate inserts a relationship row.
func (s *PostgresStore) CreateDuplicate(ctx context.Context, d *Duplicate) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lead_duplicates (`+duplicateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.PrimaryID, d.DuplicateID, string(d.MatchReason), d.CreatedAt, d.MergedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create duplicate %s/%s", d.PrimaryID, d.DuplicateID)
	}
	return nil
}

// MarkDuplicateMerged stamps merged_at on a relationship row.
func (s *PostgresStore) MarkDuplicateMerged(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE lead_duplicates SET merged_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark duplicate merged %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: duplicate not found: %s", id)
	}
	return nil
}

// ListDuplicates returns relationship rows, newest first.
func (s *PostgresStore) ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]Duplicate, error) {
	var (
		where []string
		args  []any
	)
	if filter.UnmergedOnly {
		where = append(where, "merged_at IS NULL")
	}
	if filter.LeadID != "" {
		args = append(args, filter.LeadID)
		where = append(where, "(primary_id = $1 OR duplicate_id = $1)")
	}

	query := `SELECT ` + duplicateColumns + ` FROM lead_duplicates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list duplicates")
	}
	defer rows.Close()

	var out []Duplicate
	for rows.Next() {
		d, err := scanDuplicate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan duplicate")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate duplicates")
}

// HasRole reports whether userID holds role.
func (s *PostgresStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`,
		userID, role,
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lookup role %s for %s", role, userID)
	}
	return ok, nil
}

// GrantRole records that userID holds role.
func (s *PostgresStore) GrantRole(ctx context.Context, userID, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING`, userID, role)
	return eris.Wrapf(err, "postgres: grant role %s to %s", role, userID)
}

func leadArgs(l *Lead, attrs []byte) []any {
	return []any{
		l.ID, l.JobID, l.Domain,
		nonNil(l.Emails), l.BestEmail, l.BestEmailSource, string(l.EmailValidationStatus),
		nonNil(l.Phones), l.BestPhone, l.BestPhoneSource, string(l.PhoneValidationStatus),
		l.FullName, l.FullNameSource,
		attrs, l.ConfidenceScore, nonNil(l.EnrichmentProvidersUsed),
		string(l.Status), l.QCFlag, l.QCNotes, l.UpdatedAt, l.CreatedAt,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*Lead, error) {
	var (
		l                     Lead
		emailStatus, phStatus string
		status                string
		attrs                 []byte
	)
	err := row.Scan(
		&l.ID, &l.JobID, &l.Domain,
		&l.Emails, &l.BestEmail, &l.BestEmailSource, &emailStatus,
		&l.Phones, &l.BestPhone, &l.BestPhoneSource, &phStatus,
		&l.FullName, &l.FullNameSource,
		&attrs, &l.ConfidenceScore, &l.EnrichmentProvidersUsed,
		&status, &l.QCFlag, &l.QCNotes, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.EmailValidationStatus = ValidationStatus(emailStatus)
	l.PhoneValidationStatus = ValidationStatus(phStatus)
	l.Status = Status(status)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return nil, eris.Wrapf(err, "decode attributes for lead %s", l.ID)
		}
	}
	return &l, nil
}

func scanLeads(rows pgx.Rows) ([]Lead, error) {
	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func scanDuplicate(row scannable) (*Duplicate, error) {
	var (
		d      Duplicate
		reason string
	)
	if err := row.Scan(&d.ID, &d.PrimaryID, &d.DuplicateID, &reason, &d.CreatedAt, &d.MergedAt); err != nil {
		return nil, err
	}
	d.MatchReason = MatchReason(reason)
	return &d, nil
}

func prepareNewLead(l *Lead) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
