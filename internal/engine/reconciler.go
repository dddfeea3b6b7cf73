package engine

import (
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ReconcileResult describes what a reconciliation or merge changed.
type ReconcileResult struct {
	// Changed is true when the returned record differs from the input.
	Changed bool
	// Claimed lists token types whose claimed flag flipped false to true.
	Claimed []domain.TokenType
	// Anomalies lists token types the cache holds as claimed while the chain
	// reports unclaimed. The cached flag is kept.
	Anomalies []domain.TokenType
}

// Reconciler corrects drift in cached claim flags. It performs no I/O.
type Reconciler struct{}

// Reconcile raises claimed flags the chain reports as claimed. Amounts are not
// touched. When nothing flips the input is returned unchanged.
func (Reconciler) Reconcile(cached domain.StakeRecord, fresh map[domain.TokenType]domain.Position, now time.Time) (domain.StakeRecord, ReconcileResult) {
	var res ReconcileResult
	out := cached
	for _, tt := range domain.AllTokenTypes {
		pos, ok := fresh[tt]
		if !ok {
			continue
		}
		cur := out.Positions.Get(tt)
		switch {
		case pos.Claimed && !cur.Claimed:
			cur.Claimed = true
			out.Positions.Set(tt, cur)
			res.Claimed = append(res.Claimed, tt)
		case !pos.Claimed && cur.Claimed:
			res.Anomalies = append(res.Anomalies, tt)
		}
	}
	if len(res.Claimed) == 0 {
		return cached, res
	}
	res.Changed = true
	out.UpdatedAt = now
	return out, res
}

// Merge folds a full chain read of an owner's positions into the cached
// record, which may be nil. Amounts come from the chain; a claimed flag is
// the OR of cache and chain so it can never revert.
func (Reconciler) Merge(cached *domain.StakeRecord, owner string, id domain.MarketID, fresh map[domain.TokenType]domain.Position, now time.Time) (domain.StakeRecord, ReconcileResult) {
	var res ReconcileResult
	var out domain.StakeRecord
	if cached != nil {
		out = *cached
	} else {
		out = domain.StakeRecord{Owner: domain.NormalizeAddress(owner), MarketID: id}
	}
	prev := out

	for _, tt := range domain.AllTokenTypes {
		pos, ok := fresh[tt]
		if !ok {
			continue
		}
		cur := prev.Positions.Get(tt)
		next := domain.Position{Yes: amount(pos.Yes), No: amount(pos.No), Claimed: pos.Claimed || cur.Claimed}
		switch {
		case pos.Claimed && !cur.Claimed:
			res.Claimed = append(res.Claimed, tt)
		case !pos.Claimed && cur.Claimed:
			res.Anomalies = append(res.Anomalies, tt)
		}
		out.Positions.Set(tt, next)
	}

	if cached != nil && prev.PositionsEqual(out) {
		return *cached, res
	}
	res.Changed = true
	out.UpdatedAt = now
	return out, res
}
