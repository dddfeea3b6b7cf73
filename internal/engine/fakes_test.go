package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

var baseTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type stakeKey struct {
	num   uint64
	owner string
	tt    domain.TokenType
}

// fakeChain is an in-memory contract. Zero-value stakes read as zero
// positions, like the real getUserStake.
type fakeChain struct {
	mu           sync.Mutex
	version      domain.SchemaVersion
	count        uint64
	markets      map[uint64]domain.RawMarket
	participants map[uint64][]string
	stakes       map[stakeKey]domain.Position
	marketErrs   map[uint64]error
	stakeErrs    map[uint64]error
	countErr     error
	head         uint64
	events       []domain.ChainEvent
	// gates block ReadMarket for an id until closed; entered is signalled first.
	gates   map[uint64]chan struct{}
	entered chan uint64
	calls   map[string]int
	reads   map[uint64]int
}

func newFakeChain(v domain.SchemaVersion) *fakeChain {
	return &fakeChain{
		version:      v,
		count:        1,
		markets:      make(map[uint64]domain.RawMarket),
		participants: make(map[uint64][]string),
		stakes:       make(map[stakeKey]domain.Position),
		marketErrs:   make(map[uint64]error),
		stakeErrs:    make(map[uint64]error),
		gates:        make(map[uint64]chan struct{}),
		entered:      make(chan uint64, 16),
		calls:        make(map[string]int),
		reads:        make(map[uint64]int),
	}
}

func (f *fakeChain) addMarket(raw domain.RawMarket, participants ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := raw.MarketNum()
	f.markets[n] = raw
	f.participants[n] = participants
	if n >= f.count {
		f.count = n + 1
	}
}

func (f *fakeChain) setStake(num uint64, owner string, tt domain.TokenType, yes, no int64, claimed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stakes[stakeKey{num, domain.NormalizeAddress(owner), tt}] = domain.Position{
		Yes: big.NewInt(yes), No: big.NewInt(no), Claimed: claimed,
	}
}

func (f *fakeChain) setMarketErr(num uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.marketErrs, num)
		return
	}
	f.marketErrs[num] = err
}

func (f *fakeChain) marketReads(num uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[num]
}

func (f *fakeChain) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeChain) Version() domain.SchemaVersion { return f.version }

func (f *fakeChain) ReadMarket(ctx context.Context, id uint64) (domain.RawMarket, error) {
	f.mu.Lock()
	f.calls["read_market"]++
	f.reads[id]++
	gate := f.gates[id]
	f.mu.Unlock()

	if gate != nil {
		f.entered <- id
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, domain.NewChainError(domain.KindTimeout, "read_market", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.marketErrs[id]; err != nil {
		return nil, err
	}
	raw, ok := f.markets[id]
	if !ok {
		return nil, domain.NewChainError(domain.KindNotFound, "read_market", fmt.Errorf("market %d", id))
	}
	return raw, nil
}

func (f *fakeChain) ReadParticipants(_ context.Context, id uint64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_participants"]++
	return append([]string(nil), f.participants[id]...), nil
}

func (f *fakeChain) ReadStake(_ context.Context, id uint64, owner string, tt domain.TokenType) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_stake"]++
	if err := f.stakeErrs[id]; err != nil {
		return domain.Position{}, err
	}
	if !f.version.Supports(tt) {
		return domain.Position{}, domain.NewChainError(domain.KindDataShape, "read_stake", domain.ErrUnsupportedToken)
	}
	pos, ok := f.stakes[stakeKey{id, domain.NormalizeAddress(owner), tt}]
	if !ok {
		return domain.Position{Yes: new(big.Int), No: new(big.Int)}, nil
	}
	return pos, nil
}

func (f *fakeChain) ReadEntityCount(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_entity_count"]++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.count, nil
}

func (f *fakeChain) ReadLatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) ReadEventLogs(_ context.Context, from, to uint64, _ domain.LogFilter) ([]domain.ChainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_event_logs"]++
	var out []domain.ChainEvent
	for _, ev := range f.events {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

type reviewFlag struct {
	id     domain.MarketID
	reason string
}

type memReview struct {
	mu    sync.Mutex
	flags []reviewFlag
}

func (m *memReview) Flag(_ context.Context, id domain.MarketID, reason string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = append(m.flags, reviewFlag{id, reason})
	return nil
}

func (m *memReview) ListOpen(context.Context, int) ([]domain.ReviewItem, error) { return nil, nil }

func (m *memReview) Resolve(context.Context, domain.MarketID, string) error { return nil }

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type memRuns struct {
	mu   sync.Mutex
	runs []domain.RunSummary
}

func (m *memRuns) Record(_ context.Context, run domain.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) ListRecent(context.Context, int) ([]domain.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RunSummary(nil), m.runs...), nil
}

// harness wires a Syncer to miniredis-backed caches and fake chains.
type harness struct {
	mr       *miniredis.Miniredis
	syncer   *Syncer
	markets  *rediscache.MarketCache
	stakes   *rediscache.StakeCache
	cursors  *rediscache.CursorStore
	locks    *rediscache.LockManager
	counters *rediscache.Counters
	review   *memReview
	audit    *memAudit
	runs     *memRuns

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, cfg Config, chains ...*fakeChain) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := rediscache.Wrap(rdb)

	h := &harness{
		mr:       mr,
		markets:  rediscache.NewMarketCache(c),
		stakes:   rediscache.NewStakeCache(c),
		cursors:  rediscache.NewCursorStore(c),
		locks:    rediscache.NewLockManager(c),
		counters: rediscache.NewCounters(c),
		review:   &memReview{},
		audit:    &memAudit{},
		runs:     &memRuns{},
		now:      baseTime,
	}

	readers := make([]domain.ChainReader, 0, len(chains))
	for _, ch := range chains {
		readers = append(readers, ch)
	}
	s, err := NewSyncer(Deps{
		Readers:  readers,
		Markets:  h.markets,
		Stakes:   h.stakes,
		Cursors:  h.cursors,
		Locks:    h.locks,
		Counters: h.counters,
		Bus:      rediscache.NewEventBus(c),
		Runs:     h.runs,
		Review:   h.review,
		Audit:    h.audit,
	}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	s.now = h.clock
	h.syncer = s
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// v2Market builds an approved, open v2 tuple with the given deadline.
func v2Market(num uint64, deadline time.Time, opts ...func(*domain.RawMarketV2)) domain.RawMarketV2 {
	raw := domain.RawMarketV2{
		Num:       num,
		Question:  fmt.Sprintf("Will event %d happen?", num),
		Category:  "sports",
		EndTime:   big.NewInt(deadline.Unix()),
		CreatedAt: big.NewInt(baseTime.Add(-48 * time.Hour).Unix()),
		Creator:   "0xC0FFEE",
		Pools: [6]*big.Int{
			big.NewInt(100), big.NewInt(40),
			big.NewInt(0), big.NewInt(0),
			big.NewInt(25), big.NewInt(0),
		},
		Approved: true,
	}
	for _, o := range opts {
		o(&raw)
	}
	return raw
}

func resolvedYes(r *domain.RawMarketV2) { r.Resolved = true; r.Outcome = 1 }

func cancelled(r *domain.RawMarketV2) { r.Cancelled = true }

func v1Market(num uint64, deadline time.Time) domain.RawMarketV1 {
	return domain.RawMarketV1{
		Num:        num,
		Question:   fmt.Sprintf("Legacy question %d?", num),
		Category:   "politics",
		EndTime:    big.NewInt(deadline.Unix()),
		CreatedAt:  big.NewInt(baseTime.Add(-72 * time.Hour).Unix()),
		Creator:    "0xABCDEF",
		YesPool:    big.NewInt(10),
		NoPool:     big.NewInt(20),
		AltYesPool: big.NewInt(3),
		AltNoPool:  big.NewInt(4),
	}
}
