package lead

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

var leadColumnNames = []string{
	"id", "job_id", "domain",
	"emails", "best_email", "best_email_source", "email_validation_status",
	"phones", "best_phone", "best_phone_source", "phone_validation_status",
	"full_name", "full_name_source",
	"attributes", "confidence_score", "enrichment_providers_used",
	"status", "qc_flag", "qc_notes", "created_at", "updated_at",
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, job_id, domain,.* FROM leads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	l, err := s.GetLead(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_Scan(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := pgxmock.NewRows(leadColumnNames).AddRow(
		"lead-1", "job-9", "acme.com",
		[]string{"a@acme.com"}, "a@acme.com", "https://acme.com/team", "verified",
		[]string{"5551234567"}, "5551234567", "", "unverified",
		"Jane Doe", "",
		[]byte(`{"company_name":"Acme","employees":12}`), 72.5, []string{"hunter"},
		"enriched", "", "", created, created,
	)
	mock.ExpectQuery(`FROM leads WHERE id = \$1`).
		WithArgs("lead-1").
		WillReturnRows(rows)

	l, err := s.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "acme.com", l.Domain)
	assert.Equal(t, ValidationVerified, l.EmailValidationStatus)
	assert.Equal(t, StatusEnriched, l.Status)
	assert.Equal(t, []string{"company_name", "employees"}, l.Attributes.Keys())
	assert.Equal(t, "12", l.Attributes.String("employees"))
	assert.Equal(t, created, l.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE id = \$1`).
		WithArgs("lead-1").
		WillReturnError(assert.AnError)

	_, err := s.GetLead(context.Background(), "lead-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: get lead lead-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLeads_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	leads, err := s.GetLeads(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActiveLeadsByDomains(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE domain = ANY\(\$1\)\s+AND status <> \$2\s+AND NOT \(id = ANY\(\$3\)\)`).
		WithArgs([]string{"acme.com"}, "rejected", []string{}, 500).
		WillReturnRows(pgxmock.NewRows(leadColumnNames))

	leads, err := s.ListActiveLeadsByDomains(context.Background(), []string{"acme.com"}, nil, 500)
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActiveLeads_ZeroLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	leads, err := s.ListActiveLeads(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, leads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateLead_Defaults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	args := make([]any, 21)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec(`INSERT INTO leads`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	l := &Lead{Domain: "acme.com"}
	require.NoError(t, s.CreateLead(context.Background(), l))
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, StatusNew, l.Status)
	assert.False(t, l.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	args := make([]any, 20)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec(`UPDATE leads SET`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLead(context.Background(), &Lead{ID: "gone", Domain: "acme.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead not found: gone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkLeadMerged(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status=\$2, qc_flag=\$3, qc_notes=\$4`).
		WithArgs("dup-1", "rejected", "merged", "merged into prim-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkLeadMerged(context.Background(), "dup-1", MergedNote("prim-1"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDuplicate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM lead_duplicates\s+WHERE primary_id = \$1 AND duplicate_id = \$2`).
		WithArgs("a", "b").
		WillReturnError(pgx.ErrNoRows)

	d, err := s.FindDuplicate(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO lead_duplicates`).
		WithArgs(pgxmock.AnyArg(), "a", "b", "email", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	d := &Duplicate{PrimaryID: "a", DuplicateID: "b", MatchReason: ReasonEmail}
	require.NoError(t, s.CreateDuplicate(context.Background(), d))
	assert.NotEmpty(t, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkDuplicateMerged_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE lead_duplicates SET merged_at = \$2 WHERE id = \$1`).
		WithArgs("rel-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkDuplicateMerged(context.Background(), "rel-1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDuplicates_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE merged_at IS NULL AND \(primary_id = \$1 OR duplicate_id = \$1\) ORDER BY created_at DESC, id ASC LIMIT \$2`).
		WithArgs("lead-1", 25).
		WillReturnRows(pgxmock.NewRows([]string{"id", "primary_id", "duplicate_id", "match_reason", "created_at", "merged_at"}))

	out, err := s.ListDuplicates(context.Background(), DuplicateFilter{UnmergedOnly: true, LeadID: "lead-1", Limit: 25})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasRole(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("user-1", "admin").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasRole(context.Background(), "user-1", "admin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GrantRole_Idempotent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(user_id, role\) DO NOTHING`).
		WithArgs("user-1", "admin").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.GrantRole(context.Background(), "user-1", "admin"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS leads`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
