package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// Config tunes a Syncer. Zero fields take the defaults from DefaultConfig.
type Config struct {
	// Concurrency is the number of ids processed in parallel within a run.
	Concurrency int
	// InterCallDelay is slept between ids when Concurrency is 1.
	InterCallDelay time.Duration
	LockTTL        time.Duration
	// LockWait bounds how long TargetedSync and display updates wait for a
	// held per-market lock.
	LockWait time.Duration
	// AbortAfter consecutive transient or store failures abort a run.
	AbortAfter   int
	RecentWindow int
	// Confirmations keeps EventSync this many blocks behind the head.
	Confirmations uint64
	// MaxBlockSpan caps the block range of one EventSync run.
	MaxBlockSpan uint64
	DeployBlocks map[domain.SchemaVersion]uint64
}

// DefaultConfig returns sequential processing with conservative limits.
func DefaultConfig() Config {
	return Config{
		Concurrency:    1,
		InterCallDelay: 0,
		LockTTL:        2 * time.Minute,
		LockWait:       10 * time.Second,
		AbortAfter:     10,
		RecentWindow:   50,
		Confirmations:  5,
		MaxBlockSpan:   50_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	if c.AbortAfter < 1 {
		c.AbortAfter = d.AbortAfter
	}
	if c.RecentWindow < 1 {
		c.RecentWindow = d.RecentWindow
	}
	if c.MaxBlockSpan == 0 {
		c.MaxBlockSpan = d.MaxBlockSpan
	}
	return c
}

// Deps are the collaborators of a Syncer. Readers, Markets, Stakes, Cursors
// and Locks are required; the rest may be nil.
type Deps struct {
	Readers  []domain.ChainReader
	Markets  domain.MarketCache
	Stakes   domain.StakeCache
	Cursors  domain.CursorStore
	Locks    domain.LockManager
	Counters domain.Counters
	Bus      domain.SyncNotifier
	Runs     domain.RunStore
	Review   domain.ReviewStore
	Audit    domain.AuditStore
}

// Syncer runs the sync strategies. Each run iterates an id range, refreshes
// every id with a fetch-map-upsert body under a per-market lock, and records
// a RunSummary. Per-id failures never abort a run; provider or store outages
// do.
type Syncer struct {
	readers  map[domain.SchemaVersion]domain.ChainReader
	markets  domain.MarketCache
	stakes   domain.StakeCache
	cursors  domain.CursorStore
	locks    domain.LockManager
	counters domain.Counters
	bus      domain.SyncNotifier
	runs     domain.RunStore
	review   domain.ReviewStore
	audit    domain.AuditStore

	cfg    Config
	rec    Reconciler
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer validates deps and builds a Syncer.
func NewSyncer(deps Deps, cfg Config, logger *slog.Logger) (*Syncer, error) {
	var errs []error
	if len(deps.Readers) == 0 {
		errs = append(errs, errors.New("no chain readers"))
	}
	if deps.Markets == nil {
		errs = append(errs, errors.New("market cache is required"))
	}
	if deps.Stakes == nil {
		errs = append(errs, errors.New("stake cache is required"))
	}
	if deps.Cursors == nil {
		errs = append(errs, errors.New("cursor store is required"))
	}
	if deps.Locks == nil {
		errs = append(errs, errors.New("lock manager is required"))
	}

	readers := make(map[domain.SchemaVersion]domain.ChainReader, len(deps.Readers))
	for _, r := range deps.Readers {
		if _, dup := readers[r.Version()]; dup {
			errs = append(errs, fmt.Errorf("duplicate reader for %s", r.Version()))
			continue
		}
		readers[r.Version()] = r
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("engine: new syncer: %w", errors.Join(errs...))
	}

	return &Syncer{
		readers:  readers,
		markets:  deps.Markets,
		stakes:   deps.Stakes,
		cursors:  deps.Cursors,
		locks:    deps.Locks,
		counters: deps.Counters,
		bus:      deps.Bus,
		runs:     deps.Runs,
		review:   deps.Review,
		audit:    deps.Audit,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "syncer")),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Versions lists the schema versions this Syncer has readers for.
func (s *Syncer) Versions() []domain.SchemaVersion {
	out := make([]domain.SchemaVersion, 0, len(s.readers))
	for v := range s.readers {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (s *Syncer) reader(v domain.SchemaVersion) (domain.ChainReader, error) {
	r, ok := s.readers[v]
	if !ok {
		return nil, fmt.Errorf("engine: no reader for %q: %w", v, domain.ErrUnknownVersion)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// per-id outcomes
// ---------------------------------------------------------------------------

type outcomeStatus int

const (
	outcomeSynced outcomeStatus = iota
	outcomeLocked
	outcomePermanent
	outcomeTransient
	outcomeStore
)

func (o outcomeStatus) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeLocked:
		return "locked"
	case outcomePermanent:
		return "skipped"
	case outcomeTransient:
		return "transient"
	default:
		return "store"
	}
}

const (
	kindLocked          = "locked"
	kindCancelled       = "cancelled"
	kindInvalidDeadline = "invalid_deadline"
	kindCacheWrite      = "cache_write"
	kindCacheRead       = "cache_read"
)

type idOutcome struct {
	id         domain.MarketID
	status     outcomeStatus
	kind       string
	err        error
	reconciled int
	anomalies  int
}

// processed reports whether the id needs no retry: it synced or it can never
// sync. Only processed ids let a cursor advance.
func (o idOutcome) processed() bool {
	return o.status == outcomeSynced || o.status == outcomePermanent
}

type idJob func(ctx context.Context, num uint64) idOutcome

// classifyFailure maps a per-id error onto an outcome.
func classifyFailure(err error) (outcomeStatus, string) {
	var ce *domain.ChainError
	switch {
	case errors.As(err, &ce):
		if ce.Kind.Transient() {
			return outcomeTransient, ce.Kind.String()
		}
		return outcomePermanent, ce.Kind.String()
	case errors.Is(err, domain.ErrInvalidDeadline):
		return outcomePermanent, kindInvalidDeadline
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeTransient, kindCancelled
	case errors.Is(err, domain.ErrCacheWrite):
		return outcomeStore, kindCacheWrite
	default:
		return outcomeStore, kindCacheRead
	}
}

func (s *Syncer) failure(ctx context.Context, id domain.MarketID, err error) idOutcome {
	status, kind := classifyFailure(err)
	if ctx.Err() != nil && status != outcomePermanent {
		status, kind = outcomeTransient, kindCancelled
	}
	out := idOutcome{id: id, status: status, kind: kind, err: err}

	attrs := []any{
		slog.String("market_id", id.String()),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	}
	switch status {
	case outcomePermanent:
		s.logger.InfoContext(ctx, "market skipped", attrs...)
	case outcomeTransient:
		if kind != kindCancelled {
			s.logger.WarnContext(ctx, "market sync failed", attrs...)
		}
	default:
		s.logger.ErrorContext(ctx, "market cache failure", attrs...)
	}

	if errors.Is(err, domain.ErrDataShape) || kind == kindInvalidDeadline {
		s.flagReview(ctx, id, kind, err)
	}
	return out
}

func (s *Syncer) flagReview(ctx context.Context, id domain.MarketID, reason string, cause error) {
	if s.review == nil {
		return
	}
	detail := map[string]any{"error": cause.Error()}
	if err := s.review.Flag(context.WithoutCancel(ctx), id, reason, detail); err != nil {
		s.logger.WarnContext(ctx, "review flag failed",
			slog.String("market_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// run bookkeeping
// ---------------------------------------------------------------------------

type runState struct {
	mu          sync.Mutex
	summary     domain.RunSummary
	outcomes    map[uint64]idOutcome
	consecutive int
	abortAfter  int
	abortErr    error
	cancel      context.CancelFunc
}

func (rs *runState) record(out idOutcome) {
	metrics.SyncIDs.WithLabelValues(string(rs.summary.Strategy), out.status.String()).Inc()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.outcomes[out.id.Num] = out
	rs.summary.Reconciled += out.reconciled
	rs.summary.Anomalies += out.anomalies

	switch out.status {
	case outcomeSynced:
		rs.summary.Synced++
		rs.consecutive = 0
		return
	case outcomeLocked:
		rs.summary.Skipped++
		return
	case outcomePermanent:
		rs.summary.Skipped++
		rs.consecutive = 0
	}

	rs.summary.Failed = append(rs.summary.Failed, domain.IDFailure{
		ID:    out.id.Num,
		Kind:  out.kind,
		Error: out.err.Error(),
	})
	if out.status == outcomePermanent || out.kind == kindCancelled {
		return
	}

	rs.consecutive++
	if rs.consecutive >= rs.abortAfter && rs.abortErr == nil {
		sentinel := domain.ErrProviderUnavailable
		if out.status == outcomeStore {
			sentinel = domain.ErrStoreUnavailable
		}
		rs.abortErr = fmt.Errorf("%w: %d consecutive failures, last %s: %v", sentinel, rs.consecutive, out.id, out.err)
		rs.cancel()
	}
}

func (rs *runState) outcome(num uint64) (idOutcome, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	o, ok := rs.outcomes[num]
	return o, ok
}

// settled reports whether every id was visited and needs no retry.
func (rs *runState) settled(ids []uint64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.abortErr != nil {
		return false
	}
	for _, num := range ids {
		o, ok := rs.outcomes[num]
		if !ok || !o.processed() {
			return false
		}
	}
	return true
}

func (rs *runState) setCursor(v uint64) {
	rs.mu.Lock()
	rs.summary.Cursor = v
	rs.mu.Unlock()
}

// run wraps a strategy body with run bookkeeping. The body receives a context
// that is cancelled when the run aborts.
func (s *Syncer) run(ctx context.Context, strategy domain.Strategy, v domain.SchemaVersion, body func(ctx context.Context, rs *runState) error) (domain.RunSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{
		summary: domain.RunSummary{
			RunID:     uuid.New().String(),
			Strategy:  strategy,
			Version:   v,
			StartedAt: s.now(),
		},
		outcomes:   make(map[uint64]idOutcome),
		abortAfter: s.cfg.AbortAfter,
		cancel:     cancel,
	}
	logger := s.logger.With(
		slog.String("run_id", rs.summary.RunID),
		slog.String("strategy", string(strategy)),
		slog.String("version", string(v)),
	)
	logger.DebugContext(ctx, "sync run started")

	bodyErr := body(runCtx, rs)

	rs.mu.Lock()
	summary := rs.summary
	summary.Failed = slices.Clone(rs.summary.Failed)
	abortErr := rs.abortErr
	rs.mu.Unlock()

	summary.FinishedAt = s.now()
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i].ID < summary.Failed[j].ID })

	var runErr error
	switch {
	case abortErr != nil:
		runErr = abortErr
	case bodyErr != nil:
		runErr = bodyErr
	case ctx.Err() != nil:
		runErr = ctx.Err()
	}
	if runErr != nil {
		summary.Aborted = true
		summary.AbortReason = runErr.Error()
		runErr = fmt.Errorf("engine: %s %s: %w", strategy, v, runErr)
	}

	s.finish(context.WithoutCancel(ctx), logger, summary)
	return summary, runErr
}

// finish publishes a completed run to metrics, counters, the run store and
// the run stream. Every sink is best effort.
func (s *Syncer) finish(ctx context.Context, logger *slog.Logger, summary domain.RunSummary) {
	outcome := "ok"
	switch {
	case summary.Aborted:
		outcome = "aborted"
	case len(summary.Failed) > 0:
		outcome = "partial"
	}
	metrics.SyncRuns.WithLabelValues(string(summary.Strategy), string(summary.Version), outcome).Inc()
	metrics.SyncRunDuration.WithLabelValues(string(summary.Strategy)).Observe(summary.Duration().Seconds())

	if s.counters != nil {
		if summary.Synced > 0 {
			s.incr(ctx, logger, "synced:"+string(summary.Version), int64(summary.Synced))
		}
		if n := len(summary.Failed); n > 0 {
			s.incr(ctx, logger, "failed:"+string(summary.Version), int64(n))
		}
	}
	if s.runs != nil {
		if err := s.runs.Record(ctx, summary); err != nil {
			logger.WarnContext(ctx, "record run failed", slog.String("error", err.Error()))
		}
	}

	attrs := []any{
		slog.Int("synced", summary.Synced),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", len(summary.Failed)),
		slog.Uint64("cursor", summary.Cursor),
		slog.Duration("duration", summary.Duration()),
	}
	if summary.Reconciled > 0 || summary.Anomalies > 0 {
		attrs = append(attrs, slog.Int("reconciled", summary.Reconciled), slog.Int("anomalies", summary.Anomalies))
	}
	if summary.Aborted {
		logger.ErrorContext(ctx, "sync run aborted", append(attrs, slog.String("reason", summary.AbortReason))...)
		return
	}
	logger.InfoContext(ctx, "sync run finished", attrs...)
}

func (s *Syncer) incr(ctx context.Context, logger *slog.Logger, name string, delta int64) {
	if _, err := s.counters.Incr(ctx, name, delta); err != nil {
		logger.WarnContext(ctx, "counter increment failed",
			slog.String("counter", name),
			slog.String("error", err.Error()),
		)
	}
}

// runIDs processes ids with the configured worker pool. Dispatch stops once
// ctx is done, so unvisited ids have no outcome.
func (s *Syncer) runIDs(ctx context.Context, rs *runState, ids []uint64, job idJob) {
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i, num := range ids {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.cfg.Concurrency == 1 && s.cfg.InterCallDelay > 0 {
			if err := sleepCtx(ctx, s.cfg.InterCallDelay); err != nil {
				break
			}
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rs.record(job(ctx, num))
			return nil
		})
	}
	_ = g.Wait()
}

// advanceCursor moves key to the end of the contiguous run of processed ids
// at the head of ids, which must be ascending and start right after the
// current cursor or at 1. The cursor never moves backwards.
func (s *Syncer) advanceCursor(ctx context.Context, rs *runState, v domain.SchemaVersion, ids []uint64) error {
	key := domain.CursorKey(v)
	cur, err := s.cursors.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: read cursor: %w", domain.ErrStoreUnavailable, err)
	}

	var target uint64
	for _, num := range ids {
		o, ok := rs.outcome(num)
		if !ok || !o.processed() {
			break
		}
		target = num
	}

	if target > cur {
		if err := s.cursors.Advance(ctx, key, target); err != nil && !errors.Is(err, domain.ErrCursorRegression) {
			return fmt.Errorf("%w: advance cursor: %w", domain.ErrStoreUnavailable, err)
		}
		cur = target
	}

	rs.setCursor(cur)
	metrics.Cursor.WithLabelValues(string(v)).Set(float64(cur))
	return nil
}

// ---------------------------------------------------------------------------
// per-id bodies
// ---------------------------------------------------------------------------

type fetchMode int

const (
	// fetchAll reads every candidate owner's stake.
	fetchAll fetchMode = iota
	// fetchNewOwners skips owners already listed as participants.
	fetchNewOwners
)

// withLock runs fn holding the market's advisory lock. A held lock yields a
// locked outcome; wait selects AcquireWait over a single attempt.
func (s *Syncer) withLock(ctx context.Context, id domain.MarketID, wait bool, fn func() idOutcome) idOutcome {
	var (
		unlock func()
		err    error
	)
	if wait {
		unlock, err = s.locks.AcquireWait(ctx, id.LockName(), s.cfg.LockTTL, s.cfg.LockWait)
	} else {
		unlock, err = s.locks.Acquire(ctx, id.LockName(), s.cfg.LockTTL)
	}
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.DebugContext(ctx, "market locked", slog.String("market_id", id.String()))
		return idOutcome{id: id, status: outcomeLocked, kind: kindLocked, err: err}
	}
	if err != nil {
		return s.failure(ctx, id, fmt.Errorf("engine: lock %s: %w", id, err))
	}
	defer unlock()
	return fn()
}

func (s *Syncer) refreshJob(reader domain.ChainReader, strategy domain.Strategy, mode fetchMode, wait bool) idJob {
	return func(ctx context.Context, num uint64) idOutcome {
		id := domain.NewMarketID(reader.Version(), num)
		return s.withLock(ctx, id, wait, func() idOutcome {
			return s.refreshMarket(ctx, reader, id, strategy, mode)
		})
	}
}

// checkTuple rejects a tuple that maps to a different id than the one being
// synced, such as a v1 tuple from a v2 reader.
func checkTuple(got, want domain.MarketID) error {
	if got == want {
		return nil
	}
	return domain.NewChainError(domain.KindDataShape, "read_market",
		fmt.Errorf("asked for %s, tuple maps to %s", want, got))
}

// refreshMarket is the fetch-map-upsert body: read the market tuple and its
// participants, read stakes, merge with the cache and write stakes before the
// market so a listed participant always has a stake record.
func (s *Syncer) refreshMarket(ctx context.Context, reader domain.ChainReader, id domain.MarketID, strategy domain.Strategy, mode fetchMode) idOutcome {
	raw, err := reader.ReadMarket(ctx, id.Num)
	if err != nil {
		return s.failure(ctx, id, err)
	}
	fresh, err := Canonicalize(raw)
	if err != nil {
		return s.failure(ctx, id, err)
	}
	if err := checkTuple(fresh.ID, id); err != nil {
		return s.failure(ctx, id, err)
	}
	chainParticipants, err := reader.ReadParticipants(ctx, id.Num)
	if err != nil {
		return s.failure(ctx, id, err)
	}

	prev, err := s.previous(ctx, id)
	if err != nil {
		return s.failure(ctx, id, err)
	}
	cached, err := s.stakes.ListByMarket(ctx, id)
	if err != nil {
		return s.failure(ctx, id, fmt.Errorf("engine: list stakes %s: %w", id, err))
	}
	byOwner := make(map[string]domain.StakeRecord, len(cached))
	for _, st := range cached {
		byOwner[st.Owner] = st
	}

	known := make(map[string]struct{})
	if mode == fetchNewOwners && prev != nil {
		for _, p := range prev.Participants {
			known[p] = struct{}{}
		}
	}

	out := idOutcome{id: id, status: outcomeSynced}
	now := s.now()
	var writes []domain.StakeRecord
	for _, owner := range candidateOwners(chainParticipants, byOwner) {
		if _, ok := known[owner]; ok {
			continue
		}
		positions, err := s.readPositions(ctx, reader, id.Num, owner, reader.Version().TokenTypes())
		if err != nil {
			return s.failure(ctx, id, err)
		}

		var prevStake *domain.StakeRecord
		if st, ok := byOwner[owner]; ok {
			prevStake = &st
		}
		merged, res := s.rec.Merge(prevStake, owner, id, positions, now)
		s.noteReconcile(ctx, id, owner, res, &out)
		if res.Changed && (prevStake != nil || merged.Observed()) {
			writes = append(writes, merged)
		}
		byOwner[owner] = merged
	}

	rec, changed := MapMarket(fresh, Participants(chainParticipants, byOwner), prev, now)

	for _, st := range writes {
		if err := s.stakes.Put(ctx, st); err != nil {
			return s.failure(ctx, id, fmt.Errorf("engine: put stake %s/%s: %w", id, st.Owner, err))
		}
	}
	if changed {
		if err := s.markets.Put(ctx, rec, prev); err != nil {
			return s.failure(ctx, id, fmt.Errorf("engine: put market %s: %w", id, err))
		}
	}

	s.publish(ctx, domain.MarketSyncedEvent{
		MarketID: id,
		Status:   rec.Status,
		Strategy: strategy,
		Changed:  changed || len(writes) > 0,
		SyncedAt: now,
	})
	return out
}

// reconcileClaims re-reads every stake of a settled market that still has an
// unclaimed position and raises the claimed flags the chain reports. Fully
// claimed stakes are not read again.
func (s *Syncer) reconcileClaims(ctx context.Context, reader domain.ChainReader, id domain.MarketID) idOutcome {
	stakes, err := s.stakes.ListByMarket(ctx, id)
	if err != nil {
		return s.failure(ctx, id, fmt.Errorf("engine: list stakes %s: %w", id, err))
	}

	out := idOutcome{id: id, status: outcomeSynced}
	now := s.now()
	for _, st := range stakes {
		if len(st.Unclaimed(reader.Version().TokenTypes())) == 0 {
			continue
		}
		types := heldTypes(st, reader.Version())
		positions, err := s.readPositions(ctx, reader, id.Num, st.Owner, types)
		if err != nil {
			return s.failure(ctx, id, err)
		}
		next, res := s.rec.Reconcile(st, positions, now)
		s.noteReconcile(ctx, id, st.Owner, res, &out)
		if !res.Changed {
			continue
		}
		if err := s.stakes.Put(ctx, next); err != nil {
			return s.failure(ctx, id, fmt.Errorf("engine: put stake %s/%s: %w", id, st.Owner, err))
		}
	}
	return out
}

// readPositions reads one owner's stake for each token type. Any failure
// fails the whole read; a missing position is never coerced to zero.
func (s *Syncer) readPositions(ctx context.Context, reader domain.ChainReader, num uint64, owner string, types []domain.TokenType) (map[domain.TokenType]domain.Position, error) {
	out := make(map[domain.TokenType]domain.Position, len(types))
	for _, tt := range types {
		pos, err := reader.ReadStake(ctx, num, owner, tt)
		if err != nil {
			return nil, err
		}
		out[tt] = pos
	}
	return out, nil
}

// heldTypes lists the token types of st that carry an amount or a claim.
func heldTypes(st domain.StakeRecord, v domain.SchemaVersion) []domain.TokenType {
	var out []domain.TokenType
	for _, tt := range v.TokenTypes() {
		p := st.Positions.Get(tt)
		if p.HasAmount() || p.Claimed {
			out = append(out, tt)
		}
	}
	return out
}

func (s *Syncer) previous(ctx context.Context, id domain.MarketID) (*domain.MarketRecord, error) {
	rec, err := s.markets.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: get market %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Syncer) noteReconcile(ctx context.Context, id domain.MarketID, owner string, res ReconcileResult, out *idOutcome) {
	if n := len(res.Claimed); n > 0 {
		out.reconciled += n
		metrics.ClaimsReconciled.Add(float64(n))
	}
	for _, tt := range res.Anomalies {
		out.anomalies++
		metrics.ClaimAnomalies.Inc()
		s.logger.WarnContext(ctx, "claim anomaly: chain reports unclaimed for cached claim",
			slog.String("market_id", id.String()),
			slog.String("owner", owner),
			slog.String("token", tt.String()),
		)
		if s.audit == nil {
			continue
		}
		detail := map[string]any{"market_id": id.String(), "owner": owner, "token": tt.String()}
		if err := s.audit.Log(context.WithoutCancel(ctx), "claim.anomaly", detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Syncer) publish(ctx context.Context, ev domain.MarketSyncedEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.MarketSynced(ctx, ev); err != nil {
		s.logger.DebugContext(ctx, "publish market synced failed",
			slog.String("market_id", ev.MarketID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// candidateOwners is the sorted union of the chain participant list and every
// owner with a cached stake.
func candidateOwners(chain []string, cached map[string]domain.StakeRecord) []string {
	set := make(map[string]struct{}, len(chain)+len(cached))
	for _, p := range chain {
		if p = domain.NormalizeAddress(p); p != "" {
			set[p] = struct{}{}
		}
	}
	for owner := range cached {
		set[owner] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
