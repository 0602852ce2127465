package lead

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is fixed-width so text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                        TEXT PRIMARY KEY,
	job_id                    TEXT NOT NULL DEFAULT '',
	domain                    TEXT NOT NULL,
	emails                    TEXT NOT NULL DEFAULT '[]',
	best_email                TEXT NOT NULL DEFAULT '',
	best_email_source         TEXT NOT NULL DEFAULT '',
	email_validation_status   TEXT NOT NULL DEFAULT '',
	phones                    TEXT NOT NULL DEFAULT '[]',
	best_phone                TEXT NOT NULL DEFAULT '',
	best_phone_source         TEXT NOT NULL DEFAULT '',
	phone_validation_status   TEXT NOT NULL DEFAULT '',
	full_name                 TEXT NOT NULL DEFAULT '',
	full_name_source          TEXT NOT NULL DEFAULT '',
	attributes                TEXT NOT NULL DEFAULT '{}',
	confidence_score          REAL NOT NULL DEFAULT 0,
	enrichment_providers_used TEXT NOT NULL DEFAULT '[]',
	status                    TEXT NOT NULL DEFAULT 'new',
	qc_flag                   TEXT NOT NULL DEFAULT '',
	qc_notes                  TEXT NOT NULL DEFAULT '',
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_job_id ON leads(job_id);
CREATE INDEX IF NOT EXISTS idx_leads_domain ON leads(domain);
CREATE INDEX IF NOT EXISTS idx_leads_status_created ON leads(status, created_at);

CREATE TABLE IF NOT EXISTS lead_duplicates (
	id           TEXT PRIMARY KEY,
	primary_id   TEXT NOT NULL REFERENCES leads(id),
	duplicate_id TEXT NOT NULL REFERENCES leads(id),
	match_reason TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	merged_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_lead_duplicates_pair ON lead_duplicates(primary_id, duplicate_id);
CREATE INDEX IF NOT EXISTS idx_lead_duplicates_duplicate ON lead_duplicates(duplicate_id);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (user_id, role)
);
`

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateLead inserts a lead. Empty ID and zero timestamps are filled in.
func (s *SQLiteStore) CreateLead(ctx context.Context, l *Lead) error {
	prepareNewLead(l)
	args, err := sqliteLeadArgs(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadInsertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create lead %s", l.ID)
	}
	return nil
}

// GetLead fetches a lead by ID. Returns nil, nil when not found.
func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

// GetLeads fetches the given leads oldest-first. Unknown IDs are ignored.
func (s *SQLiteStore) GetLeads(ctx context.Context, ids []string) ([]Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryLeads(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC`, stringArgs(ids)...)
}

// ListLeadsByJob returns every lead created by a producing job, oldest-first.
func (s *SQLiteStore) ListLeadsByJob(ctx context.Context, jobID string) ([]Lead, error) {
	return s.queryLeads(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE job_id = ?
		ORDER BY created_at ASC, id ASC`, jobID)
}

// ListActiveLeadsByDomains returns non-rejected leads on any of the domains,
// excluding excludeIDs, oldest-first and capped at limit.
func (s *SQLiteStore) ListActiveLeadsByDomains(ctx context.Context, domains, excludeIDs []string, limit int) ([]Lead, error) {
	if len(domains) == 0 || limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + leadColumns + ` FROM leads
		WHERE domain IN (` + placeholders(len(domains)) + `)
		  AND status <> ?`
	args := stringArgs(domains)
	args = append(args, string(StatusRejected))
	if len(excludeIDs) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(excludeIDs)) + `)`
		args = append(args, stringArgs(excludeIDs)...)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.queryLeads(ctx, query, args...)
}

// ListActiveLeads returns non-rejected leads oldest-first, capped at limit.
func (s *SQLiteStore) ListActiveLeads(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryLeads(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE status <> ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(StatusRejected), limit)
}

// UpdateLead writes every mutable column of l.
func (s *SQLiteStore) UpdateLead(ctx context.Context, l *Lead) error {
	l.UpdatedAt = time.Now().UTC()
	args, err := sqliteLeadArgs(l)
	if err != nil {
		return err
	}
	// Move id to the end for the WHERE clause and drop created_at.
	updateArgs := append(args[1:20:20], l.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET
			job_id=?, domain=?,
			emails=?, best_email=?, best_email_source=?, email_validation_status=?,
			phones=?, best_phone=?, best_phone_source=?, phone_validation_status=?,
			full_name=?, full_name_source=?,
			attributes=?, confidence_score=?, enrichment_providers_used=?,
			status=?, qc_flag=?, qc_notes=?, updated_at=?
		WHERE id=?`,
		updateArgs...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", l.ID)
	}
	return checkRowsAffected(res, "lead", l.ID)
}

// MarkLeadMerged moves a lead to rejected/merged with an audit note.
func (s *SQLiteStore) MarkLeadMerged(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status=?, qc_flag=?, qc_notes=?, updated_at=?
		WHERE id=?`,
		string(StatusRejected), QCFlagMerged, note, formatTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark lead merged %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

// GetDuplicate fetches a relationship row by ID. Returns nil, nil when not found.
func (s *SQLiteStore) GetDuplicate(ctx context.Context, id string) (*Duplicate, error) {
	d, err := scanSQLiteDuplicate(s.db.QueryRowContext(ctx,
		`SELECT `+duplicateColumns+` FROM lead_duplicates WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get duplicate %s", id)
	}
	return d, nil
}

// FindDuplicate fetches the relationship row for an exact directional pair.
func (s *SQLiteStore) FindDuplicate(ctx context.Context, primaryID, duplicateID string) (*Duplicate, error) {
	d, err := scanSQLiteDuplicate(s.db.QueryRowContext(ctx, `
		SELECT `+duplicateColumns+` FROM lead_duplicates
		WHERE primary_id = ? AND duplicate_id = ?
		ORDER BY created_at ASC
		LIMIT 1`, primaryID, duplicateID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find duplicate %s/%s", primaryID, duplicateID)
	}
	return d, nil
}

// CreateDuplicate inserts a relationship row.
func (s *SQLiteStore) CreateDuplicate(ctx context.Context, d *Duplicate) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var mergedAt any
	if d.MergedAt != nil {
		mergedAt = formatTime(*d.MergedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_duplicates (`+duplicateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.PrimaryID, d.DuplicateID, string(d.MatchReason), formatTime(d.CreatedAt), mergedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create duplicate %s/%s", d.PrimaryID, d.DuplicateID)
	}
	return nil
}

// MarkDuplicateMerged stamps merged_at on a relationship row.
func (s *SQLiteStore) MarkDuplicateMerged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_duplicates SET merged_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark duplicate merged %s", id)
	}
	return checkRowsAffected(res, "duplicate", id)
}

// ListDuplicates returns relationship rows, newest first.
func (s *SQLiteStore) ListDuplicates(ctx context.Context, filter DuplicateFilter) ([]Duplicate, error) {
	var (
		where []string
		args  []any
	)
	if filter.UnmergedOnly {
		where = append(where, "merged_at IS NULL")
	}
	if filter.LeadID != "" {
		where = append(where, "(primary_id = ? OR duplicate_id = ?)")
		args = append(args, filter.LeadID, filter.LeadID)
	}
	query := `SELECT ` + duplicateColumns + ` FROM lead_duplicates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list duplicates")
	}
	defer rows.Close()

	var out []Duplicate
	for rows.Next() {
		d, err := scanSQLiteDuplicate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan duplicate")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate duplicates")
}

// HasRole reports whether userID holds role.
func (s *SQLiteStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM user_roles WHERE user_id = ? AND role = ?`, userID, role,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lookup role %s for %s", role, userID)
	}
	return n > 0, nil
}

// GrantRole records that userID holds role.
func (s *SQLiteStore) GrantRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)`, userID, role)
	return eris.Wrapf(err, "sqlite: grant role %s to %s", role, userID)
}

func (s *SQLiteStore) queryLeads(ctx context.Context, query string, args ...any) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query leads")
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func sqliteLeadArgs(l *Lead) ([]any, error) {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal attributes")
	}
	emails, err := json.Marshal(nonNil(l.Emails))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal emails")
	}
	phones, err := json.Marshal(nonNil(l.Phones))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal phones")
	}
	providers, err := json.Marshal(nonNil(l.EnrichmentProvidersUsed))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal providers")
	}
	// Same order as leadInsertColumns.
	return []any{
		l.ID, l.JobID, l.Domain,
		string(emails), l.BestEmail, l.BestEmailSource, string(l.EmailValidationStatus),
		string(phones), l.BestPhone, l.BestPhoneSource, string(l.PhoneValidationStatus),
		l.FullName, l.FullNameSource,
		string(attrs), l.ConfidenceScore, string(providers),
		string(l.Status), l.QCFlag, l.QCNotes, formatTime(l.UpdatedAt), formatTime(l.CreatedAt),
	}, nil
}

func scanSQLiteLead(row scannable) (*Lead, error) {
	var (
		l                                Lead
		emails, phones, providers, attrs string
		emailStatus, phoneStatus, status string
		createdAt, updatedAt             string
	)
	err := row.Scan(
		&l.ID, &l.JobID, &l.Domain,
		&emails, &l.BestEmail, &l.BestEmailSource, &emailStatus,
		&phones, &l.BestPhone, &l.BestPhoneSource, &phoneStatus,
		&l.FullName, &l.FullNameSource,
		&attrs, &l.ConfidenceScore, &providers,
		&status, &l.QCFlag, &l.QCNotes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.EmailValidationStatus = ValidationStatus(emailStatus)
	l.PhoneValidationStatus = ValidationStatus(phoneStatus)
	l.Status = Status(status)

	for _, f := range []struct {
		raw  string
		dest any
	}{
		{emails, &l.Emails},
		{phones, &l.Phones},
		{providers, &l.EnrichmentProvidersUsed},
		{attrs, &l.Attributes},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return nil, eris.Wrapf(err, "decode json column for lead %s", l.ID)
		}
	}

	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanSQLiteDuplicate(row scannable) (*Duplicate, error) {
	var (
		d         Duplicate
		reason    string
		createdAt string
		mergedAt  sql.NullString
	)
	if err := row.Scan(&d.ID, &d.PrimaryID, &d.DuplicateID, &reason, &createdAt, &mergedAt); err != nil {
		return nil, err
	}
	d.MatchReason = MatchReason(reason)

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if mergedAt.Valid && mergedAt.String != "" {
		t, err := parseTime(mergedAt.String)
		if err != nil {
			return nil, err
		}
		d.MergedAt = &t
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, eris.Wrapf(err, "parse time %q", s)
		}
	}
	return t.UTC(), nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
