// Package engine keeps the market and stake caches consistent with the
// prediction-market contracts. It owns the sync strategies, the canonical
// mapping of versioned chain tuples and the claim-flag reconciler.
package engine

import (
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// maxUnixSeconds is the first second of year 10000; time.Time refuses to
// marshal anything later.
const maxUnixSeconds = 253402300800

// Canonicalize converts a versioned raw tuple into a MarketRecord carrying
// only chain-derived fields. Participants, Status, Display and UpdatedAt are
// left for MapMarket.
func Canonicalize(raw domain.RawMarket) (domain.MarketRecord, error) {
	switch r := raw.(type) {
	case domain.RawMarketV1:
		return canonicalV1(r)
	case *domain.RawMarketV1:
		if r != nil {
			return canonicalV1(*r)
		}
	case domain.RawMarketV2:
		return canonicalV2(r)
	case *domain.RawMarketV2:
		if r != nil {
			return canonicalV2(*r)
		}
	}
	// An unknown or nil tuple is a decode problem for this id only.
	return domain.MarketRecord{}, domain.NewChainError(domain.KindDataShape, "canonicalize",
		fmt.Errorf("unrecognised tuple %T", raw))
}

func canonicalV1(r domain.RawMarketV1) (domain.MarketRecord, error) {
	id := domain.NewMarketID(domain.SchemaV1, r.Num)
	deadline, err := unixDeadline(id, r.EndTime)
	if err != nil {
		return domain.MarketRecord{}, err
	}

	outcome := domain.OutcomeUnset
	if r.Resolved {
		outcome = domain.OutcomeNo
		if r.Outcome {
			outcome = domain.OutcomeYes
		}
	}

	return domain.MarketRecord{
		ID:       id,
		Question: r.Question,
		Category: r.Category,
		Pools: domain.Pools{
			Native: domain.Pool{Yes: amount(r.YesPool), No: amount(r.NoPool)},
			Alt:    domain.Pool{Yes: amount(r.AltYesPool), No: amount(r.AltNoPool)},
			Stable: domain.Pool{Yes: new(big.Int), No: new(big.Int)},
		},
		Resolved: r.Resolved,
		Outcome:  outcome,
		// v1 has neither cancellation nor an approval gate.
		Approved:  true,
		Creator:   domain.NormalizeAddress(r.Creator),
		Deadline:  deadline,
		CreatedAt: unixTime(r.CreatedAt),
	}, nil
}

func canonicalV2(r domain.RawMarketV2) (domain.MarketRecord, error) {
	id := domain.NewMarketID(domain.SchemaV2, r.Num)
	deadline, err := unixDeadline(id, r.EndTime)
	if err != nil {
		return domain.MarketRecord{}, err
	}

	var outcome domain.Outcome
	switch r.Outcome {
	case 0:
		outcome = domain.OutcomeUnset
	case 1:
		outcome = domain.OutcomeYes
	case 2:
		outcome = domain.OutcomeNo
	default:
		return domain.MarketRecord{}, domain.NewChainError(domain.KindDataShape, "canonicalize",
			fmt.Errorf("market %s: outcome %d out of range", id, r.Outcome))
	}

	return domain.MarketRecord{
		ID:       id,
		Question: r.Question,
		Category: r.Category,
		Pools: domain.Pools{
			Native: domain.Pool{Yes: amount(r.Pools[0]), No: amount(r.Pools[1])},
			Alt:    domain.Pool{Yes: amount(r.Pools[2]), No: amount(r.Pools[3])},
			Stable: domain.Pool{Yes: amount(r.Pools[4]), No: amount(r.Pools[5])},
		},
		Resolved:  r.Resolved,
		Outcome:   outcome,
		Cancelled: r.Cancelled,
		Approved:  r.Approved,
		Creator:   domain.NormalizeAddress(r.Creator),
		Deadline:  deadline,
		CreatedAt: unixTime(r.CreatedAt),
	}, nil
}

// MapMarket completes a canonical record for storage. Chain fields always come
// from fresh; Display is carried over from prev. UpdatedAt only moves when the
// chain-derived content differs from prev, which keeps a repeated sync with an
// unchanged chain byte-identical. changed reports whether a write is needed.
func MapMarket(fresh domain.MarketRecord, participants []string, prev *domain.MarketRecord, now time.Time) (domain.MarketRecord, bool) {
	rec := fresh
	rec.Participants = participants
	if rec.Participants == nil {
		rec.Participants = []string{}
	}
	rec.Status = rec.DeriveStatus(now)

	if prev == nil {
		rec.UpdatedAt = now
		return rec, true
	}

	rec.Display = prev.Display
	if prev.ChainEqual(rec) {
		rec.UpdatedAt = prev.UpdatedAt
		return rec, prev.Status != rec.Status
	}
	rec.UpdatedAt = now
	return rec, true
}

// Participants unions the chain's participant list with every owner holding a
// nonzero stake, normalized and sorted.
func Participants(chain []string, stakes map[string]domain.StakeRecord) []string {
	seen := make(map[string]struct{}, len(chain)+len(stakes))
	out := make([]string, 0, len(chain)+len(stakes))
	add := func(addr string) {
		addr = domain.NormalizeAddress(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, addr := range chain {
		add(addr)
	}
	for owner, st := range stakes {
		if st.HasStake() {
			add(owner)
		}
	}
	slices.Sort(out)
	return out
}

func unixDeadline(id domain.MarketID, v *big.Int) (time.Time, error) {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() || v.Int64() >= maxUnixSeconds {
		return time.Time{}, fmt.Errorf("engine: market %s deadline %v: %w", id, v, domain.ErrInvalidDeadline)
	}
	return time.Unix(v.Int64(), 0).UTC(), nil
}

// unixTime is lenient: creation time is informational, so anything out of
// range maps to the zero time.
func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() || v.Int64() >= maxUnixSeconds {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
