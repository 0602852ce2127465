package merge

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-dedupe/internal/events"
	"github.com/sells-group/lead-dedupe/internal/lead"
	"github.com/sells-group/lead-dedupe/internal/lock"
	"github.com/sells-group/lead-dedupe/internal/metrics"
	"github.com/sells-group/lead-dedupe/internal/resilience"
	"github.com/sells-group/lead-dedupe/internal/tracing"
)

// Per-pair outcomes.
var (
	// ErrLeadMissing means one of the pair's leads no longer exists.
	ErrLeadMissing = eris.New("merge: lead missing")
	// ErrPairMissing means the relationship row no longer exists.
	ErrPairMissing = eris.New("merge: relationship missing")
	// ErrAlreadyMerged means the pair or its duplicate was already folded.
	ErrAlreadyMerged = eris.New("merge: already merged")
	// ErrPrimaryTerminal means the primary was itself folded into another lead.
	ErrPrimaryTerminal = eris.New("merge: primary is terminal")
)

// Summary counts per-pair outcomes of MergeAll.
type Summary struct {
	Merged   int           `json:"merged"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Failures []PairFailure `json:"failures,omitempty"`
}

// PairFailure describes one failed pair. Err is for logs and operators,
// never for API callers.
type PairFailure struct {
	RelationshipID string `json:"relationship_id"`
	PrimaryID      string `json:"primary_id"`
	DuplicateID    string `json:"duplicate_id"`
	Err            string `json:"error"`
}

// Engine applies a Policy to recorded pairs and persists the outcome.
type Engine struct {
	store     lead.Store
	policy    *Policy
	locker    lock.Locker
	lockTTL   time.Duration
	publisher events.Publisher
	limiter   *rate.Limiter
	retry     resilience.Policy
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the reconciliation policy.
func WithPolicy(p *Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLocker sets the per-primary locker and lease TTL.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithPublisher sets where lead_merged events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithWriteRate throttles merges to perSec pairs per second. Zero disables.
func WithWriteRate(perSec float64) Option {
	return func(e *Engine) {
		if perSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithRetry sets the retry policy for store calls.
func WithRetry(p resilience.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a merge engine over store.
func NewEngine(store lead.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		policy:    DefaultPolicy(),
		locker:    lock.NewLocalLocker(),
		lockTTL:   30 * time.Second,
		publisher: events.NopPublisher{},
		retry:     resilience.DefaultPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MergeAll merges each pair independently. A failing pair is logged and
// counted; it never stops the rest.
func (e *Engine) MergeAll(ctx context.Context, pairs []lead.Duplicate) Summary {
	var s Summary
	for _, d := range pairs {
		err := e.MergePair(ctx, d)
		switch {
		case err == nil:
			s.Merged++
			metrics.MergesTotal.WithLabelValues("merged").Inc()
		case errors.Is(err, ErrAlreadyMerged):
			s.Skipped++
			metrics.MergesTotal.WithLabelValues("skipped").Inc()
			zap.L().Debug("merge: pair skipped",
				zap.String("relationship_id", d.ID),
				zap.String("primary_id", d.PrimaryID),
				zap.String("duplicate_id", d.DuplicateID),
			)
		default:
			s.Failed++
			s.Failures = append(s.Failures, PairFailure{
				RelationshipID: d.ID,
				PrimaryID:      d.PrimaryID,
				DuplicateID:    d.DuplicateID,
				Err:            err.Error(),
			})
			metrics.MergesTotal.WithLabelValues("failed").Inc()
			zap.L().Warn("merge: pair failed",
				zap.String("relationship_id", d.ID),
				zap.String("primary_id", d.PrimaryID),
				zap.String("duplicate_id", d.DuplicateID),
				zap.Error(err),
			)
		}
	}
	return s
}

// MergePair folds d's duplicate into its primary while holding the
// primary's lock. The relationship's merged_at stamp is re-read under the
// lock and acts as the completion gate.
func (e *Engine) MergePair(ctx context.Context, d lead.Duplicate) (err error) {
	ctx, span := tracing.StartSpan(ctx, "merge.MergePair")
	defer func() { tracing.End(span, err) }()

	lease, err := e.locker.Acquire(ctx, d.PrimaryID, e.lockTTL)
	if err != nil {
		return eris.Wrapf(err, "merge: lock primary %s", d.PrimaryID)
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			zap.L().Warn("merge: release lock", zap.String("primary_id", d.PrimaryID), zap.Error(rerr))
		}
	}()

	current, err := resilience.DoVal(ctx, e.retry.WithOperation("get_duplicate"), func(ctx context.Context) (*lead.Duplicate, error) {
		return e.store.GetDuplicate(ctx, d.ID)
	})
	if err != nil {
		return eris.Wrapf(err, "merge: reload relationship %s", d.ID)
	}
	if current == nil {
		return eris.Wrapf(ErrPairMissing, "relationship %s", d.ID)
	}
	if current.IsMerged() {
		return eris.Wrapf(ErrAlreadyMerged, "relationship %s", d.ID)
	}

	primary, err := e.loadLead(ctx, current.PrimaryID)
	if err != nil {
		return err
	}
	dup, err := e.loadLead(ctx, current.DuplicateID)
	if err != nil {
		return err
	}

	if dup.IsTerminal() {
		// A previous attempt folded this duplicate but died before stamping.
		if dup.QCNotes == lead.MergedNote(primary.ID) {
			if err := e.stamp(ctx, current.ID); err != nil {
				return err
			}
		}
		return eris.Wrapf(ErrAlreadyMerged, "duplicate %s", dup.ID)
	}
	if primary.IsTerminal() {
		return eris.Wrapf(ErrPrimaryTerminal, "primary %s", primary.ID)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "merge: write throttle")
		}
	}

	merged := e.policy.Apply(primary, dup)
	if err := resilience.Do(ctx, e.retry.WithOperation("update_primary"), func(ctx context.Context) error {
		return e.store.UpdateLead(ctx, merged)
	}); err != nil {
		return eris.Wrapf(err, "merge: update primary %s", primary.ID)
	}
	if err := resilience.Do(ctx, e.retry.WithOperation("mark_duplicate"), func(ctx context.Context) error {
		return e.store.MarkLeadMerged(ctx, dup.ID, lead.MergedNote(primary.ID))
	}); err != nil {
		return eris.Wrapf(err, "merge: mark duplicate %s", dup.ID)
	}
	if err := e.stamp(ctx, current.ID); err != nil {
		return err
	}

	zap.L().Info("merge: pair merged",
		zap.String("primary_id", primary.ID),
		zap.String("duplicate_id", dup.ID),
		zap.String("match_reason", string(current.MatchReason)),
	)

	if perr := e.publisher.Publish(ctx, events.Event{
		Type:      events.TypeLeadMerged,
		Key:       primary.ID,
		PrimaryID: primary.ID,
		LeadID:    dup.ID,
		Pairs: []events.PairRef{{
			PrimaryID:   primary.ID,
			DuplicateID: dup.ID,
			MatchReason: string(current.MatchReason),
		}},
	}); perr != nil {
		zap.L().Warn("merge: publish lead_merged", zap.String("primary_id", primary.ID), zap.Error(perr))
	}
	return nil
}

// MergeByID merges one recorded relationship.
func (e *Engine) MergeByID(ctx context.Context, relationshipID string) error {
	d, err := e.store.GetDuplicate(ctx, relationshipID)
	if err != nil {
		return eris.Wrapf(err, "merge: load relationship %s", relationshipID)
	}
	if d == nil {
		return eris.Wrapf(ErrPairMissing, "relationship %s", relationshipID)
	}
	return e.MergePair(ctx, *d)
}

func (e *Engine) loadLead(ctx context.Context, id string) (*lead.Lead, error) {
	l, err := resilience.DoVal(ctx, e.retry.WithOperation("get_lead"), func(ctx context.Context) (*lead.Lead, error) {
		return e.store.GetLead(ctx, id)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "merge: load lead %s", id)
	}
	if l == nil {
		return nil, eris.Wrapf(ErrLeadMissing, "lead %s", id)
	}
	return l, nil
}

func (e *Engine) stamp(ctx context.Context, relationshipID string) error {
	at := e.now()
	if err := resilience.Do(ctx, e.retry.WithOperation("stamp_merged_at"), func(ctx context.Context) error {
		return e.store.MarkDuplicateMerged(ctx, relationshipID, at)
	}); err != nil {
		return eris.Wrapf(err, "merge: stamp relationship %s", relationshipID)
	}
	return nil
}
