package domain

import (
	"math/big"
	"time"
)

// Position is one owner's stake in one market for one token type. It is also
// the shape of the chain's per-(market, owner, token) stake tuple.
type Position struct {
	Yes     *big.Int `json:"yes"`
	No      *big.Int `json:"no"`
	Claimed bool     `json:"claimed"`
}

// HasAmount reports whether either side is nonzero.
func (p Position) HasAmount() bool {
	return !IsZeroAmount(p.Yes) || !IsZeroAmount(p.No)
}

// Equal compares amounts and the claim flag.
func (p Position) Equal(o Position) bool {
	return AmountEqual(p.Yes, o.Yes) && AmountEqual(p.No, o.No) && p.Claimed == o.Claimed
}

// Positions holds one Position per token type.
type Positions struct {
	Native Position `json:"native"`
	Alt    Position `json:"alt"`
	Stable Position `json:"stable"`
}

// Get returns the position for tt.
func (p Positions) Get(tt TokenType) Position {
	switch tt {
	case TokenAlt:
		return p.Alt
	case TokenStable:
		return p.Stable
	default:
		return p.Native
	}
}

// Set replaces the position for tt.
func (p *Positions) Set(tt TokenType, pos Position) {
	switch tt {
	case TokenAlt:
		p.Alt = pos
	case TokenStable:
		p.Stable = pos
	default:
		p.Native = pos
	}
}

// StakeRecord is an owner's cached position in one market across token types.
type StakeRecord struct {
	Owner     string    `json:"owner"`
	MarketID  MarketID  `json:"market_id"`
	Positions Positions `json:"positions"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasStake reports whether any token position carries a nonzero amount.
func (s StakeRecord) HasStake() bool {
	for _, tt := range AllTokenTypes {
		if s.Positions.Get(tt).HasAmount() {
			return true
		}
	}
	return false
}

// Observed reports whether the record is worth persisting: some amount is
// nonzero or some position has already been claimed.
func (s StakeRecord) Observed() bool {
	if s.HasStake() {
		return true
	}
	for _, tt := range AllTokenTypes {
		if s.Positions.Get(tt).Claimed {
			return true
		}
	}
	return false
}

// Unclaimed returns the token types within types whose position is unclaimed
// and carries an amount.
func (s StakeRecord) Unclaimed(types []TokenType) []TokenType {
	var out []TokenType
	for _, tt := range types {
		p := s.Positions.Get(tt)
		if !p.Claimed && p.HasAmount() {
			out = append(out, tt)
		}
	}
	return out
}

// ClaimRegressions returns the token types claimed in s but not in next.
func (s StakeRecord) ClaimRegressions(next StakeRecord) []TokenType {
	var out []TokenType
	for _, tt := range AllTokenTypes {
		if s.Positions.Get(tt).Claimed && !next.Positions.Get(tt).Claimed {
			out = append(out, tt)
		}
	}
	return out
}

// PositionsEqual compares every token position.
func (s StakeRecord) PositionsEqual(o StakeRecord) bool {
	for _, tt := range AllTokenTypes {
		if !s.Positions.Get(tt).Equal(o.Positions.Get(tt)) {
			return false
		}
	}
	return true
}
