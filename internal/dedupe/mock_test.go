package dedupe

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dedupe/internal/events"
	"github.com/sells-group/lead-dedupe/internal/lead"
)

func newTestStore(t *testing.T) *lead.SQLiteStore {
	t.Helper()
	st, err := lead.NewSQLite(filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st lead.Store, l lead.Lead) *lead.Lead {
	t.Helper()
	require.NoError(t, st.CreateLead(context.Background(), &l))
	return &l
}

// countingStore records how often relationships are written and can fail
// selected calls.
type countingStore struct {
	lead.Store
	creates   int
	createErr error
	listErr   error
}

func (c *countingStore) CreateDuplicate(ctx context.Context, d *lead.Duplicate) error {
	c.creates++
	if c.createErr != nil {
		return c.createErr
	}
	return c.Store.CreateDuplicate(ctx, d)
}

func (c *countingStore) ListActiveLeads(ctx context.Context, limit int) ([]lead.Lead, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.Store.ListActiveLeads(ctx, limit)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }
