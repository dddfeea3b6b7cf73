// Package stats aggregates the synced market set into a compact snapshot.
package stats

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// DefaultDecimals is used for token types without a configured precision.
const DefaultDecimals int32 = 18

// Compute aggregates markets as of now. It reads the records only. Status is
// re-derived at now so markets whose deadline has passed count as expired
// even before a sync reindexes them.
func Compute(markets []domain.MarketRecord, decimals map[domain.TokenType]int32, now time.Time) domain.StatsSnapshot {
	snap := domain.StatsSnapshot{
		TotalMarkets: len(markets),
		Volume:       make(map[string]domain.VolumeStat, len(domain.AllTokenTypes)),
		ComputedAt:   now,
	}

	volume := make(map[domain.TokenType]*big.Int, len(domain.AllTokenTypes))
	for _, tt := range domain.AllTokenTypes {
		volume[tt] = new(big.Int)
	}
	participants := make(map[string]struct{})
	activeByCategory := make(map[string]int)

	for _, m := range markets {
		switch m.DeriveStatus(now) {
		case domain.MarketStatusActive:
			snap.ActiveMarkets++
			if m.Category != "" {
				activeByCategory[m.Category]++
			}
		case domain.MarketStatusResolved:
			snap.ResolvedMarkets++
		case domain.MarketStatusCancelled:
			snap.CancelledMarkets++
		case domain.MarketStatusPending:
			snap.PendingMarkets++
		case domain.MarketStatusExpired:
			snap.ExpiredMarkets++
		}

		for _, tt := range domain.AllTokenTypes {
			volume[tt].Add(volume[tt], m.Pools.Get(tt).Total())
		}
		for _, p := range m.Participants {
			participants[domain.NormalizeAddress(p)] = struct{}{}
		}
	}

	for _, tt := range domain.AllTokenTypes {
		snap.Volume[tt.String()] = volumeStat(volume[tt], precision(decimals, tt))
	}
	snap.UniqueParticipants = len(participants)
	snap.TopCategory = topCategory(activeByCategory)
	snap.ResolutionRate = resolutionRate(snap.ResolvedMarkets, snap.TotalMarkets-snap.CancelledMarkets)
	return snap
}

func precision(decimals map[domain.TokenType]int32, tt domain.TokenType) int32 {
	if d, ok := decimals[tt]; ok {
		return d
	}
	return DefaultDecimals
}

func volumeStat(raw *big.Int, decimals int32) domain.VolumeStat {
	return domain.VolumeStat{
		Raw:     raw.String(),
		Display: decimal.NewFromBigInt(raw, -decimals).String(),
	}
}

// topCategory picks the highest count, breaking ties lexicographically.
func topCategory(counts map[string]int) string {
	best, bestN := "", 0
	for c, n := range counts {
		if n > bestN || (n == bestN && c < best) {
			best, bestN = c, n
		}
	}
	return best
}

func resolutionRate(resolved, eligible int) float64 {
	if eligible <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(resolved)).
		DivRound(decimal.NewFromInt(int64(eligible)), 4).
		InexactFloat64()
}
