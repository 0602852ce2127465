package dedupe

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/events"
	"github.com/sells-group/lead-dedupe/internal/lead"
	"github.com/sells-group/lead-dedupe/internal/merge"
	"github.com/sells-group/lead-dedupe/internal/metrics"
	"github.com/sells-group/lead-dedupe/internal/resilience"
	"github.com/sells-group/lead-dedupe/internal/tracing"
)

// Mode is how a run assembles its working set.
type Mode string

// Run modes.
const (
	ModeExplicit Mode = "explicit"
	ModeJob      Mode = "job"
	ModeSweep    Mode = "sweep"
)

// Request selects the working set and whether to merge.
type Request struct {
	JobID     string   `json:"job_id,omitempty"`
	LeadIDs   []string `json:"lead_ids,omitempty"`
	AutoMerge bool     `json:"auto_merge"`
}

// Mode returns the run mode the request selects. An explicit lead list
// takes precedence over a job id; neither means a full sweep.
func (r Request) Mode() Mode {
	switch {
	case len(r.LeadIDs) > 0:
		return ModeExplicit
	case r.JobID != "":
		return ModeJob
	default:
		return ModeSweep
	}
}

// RunResult summarizes one run.
type RunResult struct {
	Mode                 Mode   `json:"mode"`
	WorkingSetSize       int    `json:"working_set_size"`
	DuplicatesFound      int    `json:"duplicates_found"`
	RelationshipsCreated int    `json:"relationships_created"`
	MergedCount          int    `json:"merged_count"`
	MergeSkipped         int    `json:"merge_skipped_count"`
	MergeFailed          int    `json:"merge_failed_count"`
	Pairs                []Pair `json:"duplicate_pairs"`
}

// Config bounds working-set assembly.
type Config struct {
	DomainNeighborCap int `yaml:"domain_neighbor_cap" mapstructure:"domain_neighbor_cap"`
	FullSweepCap      int `yaml:"full_sweep_cap" mapstructure:"full_sweep_cap"`
}

// DefaultConfig returns the production caps.
func DefaultConfig() Config {
	return Config{DomainNeighborCap: 500, FullSweepCap: 1000}
}

// Merger folds recorded pairs.
type Merger interface {
	MergeAll(ctx context.Context, pairs []lead.Duplicate) merge.Summary
}

// Orchestrator runs the detect, record, and optional merge pipeline.
type Orchestrator struct {
	store       lead.Store
	merger      Merger
	publisher   events.Publisher
	cfg         Config
	retry       resilience.Policy
	comparators []Comparator
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets working-set caps. Non-positive values keep the defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		if cfg.DomainNeighborCap > 0 {
			o.cfg.DomainNeighborCap = cfg.DomainNeighborCap
		}
		if cfg.FullSweepCap > 0 {
			o.cfg.FullSweepCap = cfg.FullSweepCap
		}
	}
}

// WithPublisher sets where duplicates_detected events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRetry sets the retry policy for store calls.
func WithRetry(p resilience.Policy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithComparators replaces the primary-selection policy.
func WithComparators(cs ...Comparator) Option {
	return func(o *Orchestrator) { o.comparators = cs }
}

// NewOrchestrator creates an orchestrator. merger may be nil when runs never
// merge.
func NewOrchestrator(store lead.Store, merger Merger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		merger:    merger,
		publisher: events.NopPublisher{},
		cfg:       DefaultConfig(),
		retry:     resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one dedupe run. Errors are persistence failures; per-pair
// merge failures are counted in the result instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *RunResult, err error) {
	mode := req.Mode()
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "dedupe.Run",
		attribute.String("run_mode", string(mode)),
		attribute.Bool("auto_merge", req.AutoMerge),
	)
	defer func() {
		tracing.End(span, err)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RunsTotal.WithLabelValues(string(mode), status).Inc()
		metrics.RunDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	log := zap.L().With(zap.String("run_mode", string(mode)), zap.String("job_id", req.JobID))

	leads, err := o.workingSet(ctx, req)
	if err != nil {
		log.Error("dedupe: assemble working set", zap.Error(err))
		return nil, err
	}
	metrics.WorkingSetSize.WithLabelValues(string(mode)).Observe(float64(len(leads)))

	res = &RunResult{Mode: mode, WorkingSetSize: len(leads), Pairs: []Pair{}}
	if len(leads) == 0 {
		log.Info("dedupe: empty working set")
		return res, nil
	}

	clusters := BuildClusters(leads)
	pairs := NewResolver(o.comparators...).ResolveAll(clusters)
	res.Pairs = append(res.Pairs, pairs...)
	res.DuplicatesFound = len(pairs)
	for _, p := range pairs {
		metrics.PairsFound.WithLabelValues(string(p.MatchReason)).Inc()
	}

	rows, created, err := o.record(ctx, pairs)
	if err != nil {
		log.Error("dedupe: record relationships", zap.Error(err))
		return nil, err
	}
	res.RelationshipsCreated = created

	log.Info("dedupe: pairs resolved",
		zap.Int("working_set", len(leads)),
		zap.Int("clusters", len(clusters)),
		zap.Int("pairs", len(pairs)),
		zap.Int("relationships_created", created),
	)

	if len(pairs) > 0 {
		o.publishDetected(ctx, req, mode, pairs)
	}

	if req.AutoMerge && o.merger != nil {
		var pending []lead.Duplicate
		for _, r := range rows {
			if !r.IsMerged() {
				pending = append(pending, r)
			}
		}
		if len(pending) > 0 {
			s := o.merger.MergeAll(ctx, pending)
			res.MergedCount = s.Merged
			res.MergeSkipped = s.Skipped
			res.MergeFailed = s.Failed
			log.Info("dedupe: merge finished",
				zap.Int("merged", s.Merged),
				zap.Int("skipped", s.Skipped),
				zap.Int("failed", s.Failed),
			)
		}
	}
	return res, nil
}

// workingSet fetches the run's leads ordered oldest-first.
func (o *Orchestrator) workingSet(ctx context.Context, req Request) ([]lead.Lead, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupe.workingSet")
	defer span.End()

	var (
		leads []lead.Lead
		err   error
	)
	switch req.Mode() {
	case ModeExplicit:
		leads, err = o.explicitSet(ctx, req.LeadIDs)
	case ModeJob:
		leads, err = resilience.DoVal(ctx, o.retry.WithOperation("list_leads_by_job"), func(ctx context.Context) ([]lead.Lead, error) {
			return o.store.ListLeadsByJob(ctx, req.JobID)
		})
		err = eris.Wrapf(err, "dedupe: load job %s", req.JobID)
	default:
		leads, err = resilience.DoVal(ctx, o.retry.WithOperation("list_active_leads"), func(ctx context.Context) ([]lead.Lead, error) {
			return o.store.ListActiveLeads(ctx, o.cfg.FullSweepCap)
		})
		err = eris.Wrap(err, "dedupe: load sweep")
	}
	if err != nil {
		return nil, err
	}

	leads = activeOnly(leads)
	sortOldestFirst(leads)
	return leads, nil
}

// activeOnly drops rejected leads in place. Explicit and job lookups return
// every status; a rejected lead must never absorb or be absorbed by a live one.
func activeOnly(leads []lead.Lead) []lead.Lead {
	out := leads[:0]
	for _, l := range leads {
		if l.IsActive() {
			out = append(out, l)
		}
	}
	if dropped := len(leads) - len(out); dropped > 0 {
		zap.L().Debug("dedupe: rejected leads left out of working set", zap.Int("dropped", dropped))
	}
	return out
}

// explicitSet loads the batch plus live leads sharing any of its domains.
func (o *Orchestrator) explicitSet(ctx context.Context, ids []string) ([]lead.Lead, error) {
	ids = uniqueNonEmpty(ids)
	batch, err := resilience.DoVal(ctx, o.retry.WithOperation("get_leads"), func(ctx context.Context) ([]lead.Lead, error) {
		return o.store.GetLeads(ctx, ids)
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: load batch")
	}

	domains := make([]string, 0, len(batch))
	batchIDs := make([]string, 0, len(batch))
	for _, l := range batch {
		batchIDs = append(batchIDs, l.ID)
		if l.Domain != "" {
			domains = append(domains, l.Domain)
		}
	}
	domains = uniqueNonEmpty(domains)
	if len(domains) == 0 {
		return batch, nil
	}

	neighbors, err := resilience.DoVal(ctx, o.retry.WithOperation("list_domain_neighbors"), func(ctx context.Context) ([]lead.Lead, error) {
		return o.store.ListActiveLeadsByDomains(ctx, domains, batchIDs, o.cfg.DomainNeighborCap)
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: load domain neighbors")
	}

	zap.L().Debug("dedupe: explicit batch",
		zap.Int("batch", len(batch)),
		zap.Int("domains", len(domains)),
		zap.Int("neighbors", len(neighbors)),
	)
	return append(batch, neighbors...), nil
}

// record inserts a relationship row for each pair that lacks one and returns
// the row for every pair.
func (o *Orchestrator) record(ctx context.Context, pairs []Pair) ([]lead.Duplicate, int, error) {
	ctx, span := tracing.StartSpan(ctx, "dedupe.record", attribute.Int("pairs", len(pairs)))
	defer span.End()

	rows := make([]lead.Duplicate, 0, len(pairs))
	created := 0
	for _, p := range pairs {
		existing, err := resilience.DoVal(ctx, o.retry.WithOperation("find_duplicate"), func(ctx context.Context) (*lead.Duplicate, error) {
			return o.store.FindDuplicate(ctx, p.PrimaryID, p.DuplicateID)
		})
		if err != nil {
			return nil, created, eris.Wrapf(err, "dedupe: check relationship %s/%s", p.PrimaryID, p.DuplicateID)
		}
		if existing != nil {
			rows = append(rows, *existing)
			continue
		}

		d := &lead.Duplicate{
			PrimaryID:   p.PrimaryID,
			DuplicateID: p.DuplicateID,
			MatchReason: p.MatchReason,
		}
		if err := resilience.Do(ctx, o.retry.WithOperation("create_duplicate"), func(ctx context.Context) error {
			return o.store.CreateDuplicate(ctx, d)
		}); err != nil {
			return nil, created, eris.Wrapf(err, "dedupe: record relationship %s/%s", p.PrimaryID, p.DuplicateID)
		}
		created++
		metrics.RelationshipsCreated.Inc()
		rows = append(rows, *d)
	}
	return rows, created, nil
}

func (o *Orchestrator) publishDetected(ctx context.Context, req Request, mode Mode, pairs []Pair) {
	refs := make([]events.PairRef, len(pairs))
	for i, p := range pairs {
		refs[i] = events.PairRef{
			PrimaryID:   p.PrimaryID,
			DuplicateID: p.DuplicateID,
			MatchReason: string(p.MatchReason),
		}
	}
	key := req.JobID
	if key == "" {
		key = pairs[0].PrimaryID
	}
	err := o.publisher.Publish(ctx, events.Event{
		Type:  events.TypeDuplicatesDetected,
		Key:   key,
		JobID: req.JobID,
		Mode:  string(mode),
		Pairs: refs,
	})
	if err != nil {
		zap.L().Warn("dedupe: publish duplicates_detected", zap.Error(err))
	}
}

func sortOldestFirst(leads []lead.Lead) {
	slices.SortStableFunc(leads, func(a, b lead.Lead) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
