package merge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dedupe/internal/events"
	"github.com/sells-group/lead-dedupe/internal/lead"
)

func newTestStore(t *testing.T) *lead.SQLiteStore {
	t.Helper()
	st, err := lead.NewSQLite(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// flakyStore wraps a real store and fails selected calls.
type flakyStore struct {
	lead.Store
	updateErrs []error // popped per UpdateLead call
	markErr    error
	updates    int
}

func (f *flakyStore) UpdateLead(ctx context.Context, l *lead.Lead) error {
	f.updates++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.Store.UpdateLead(ctx, l)
}

func (f *flakyStore) MarkLeadMerged(ctx context.Context, id, note string) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.Store.MarkLeadMerged(ctx, id, note)
}

// recordingPublisher keeps published events in memory.
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

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}
