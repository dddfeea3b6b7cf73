package domain

import (
	"context"
	"math/big"
)

// RawMarket is the decoded getMarket tuple of one schema version. The
// concrete type is RawMarketV1 or RawMarketV2; the engine switches on it.
type RawMarket interface {
	SchemaVersion() SchemaVersion
	MarketNum() uint64
}

// RawMarketV1 is the legacy tuple: native and alt pools only, a boolean
// outcome that is meaningful once resolved, no cancellation or approval.
type RawMarketV1 struct {
	Num        uint64
	Question   string
	Category   string
	EndTime    *big.Int
	CreatedAt  *big.Int
	Creator    string
	YesPool    *big.Int
	NoPool     *big.Int
	AltYesPool *big.Int
	AltNoPool  *big.Int
	Resolved   bool
	Outcome    bool
}

func (r RawMarketV1) SchemaVersion() SchemaVersion { return SchemaV1 }
func (r RawMarketV1) MarketNum() uint64            { return r.Num }

// RawMarketV2 is the current tuple. Pools are ordered native yes/no, alt
// yes/no, stable yes/no; Outcome is 0 unset, 1 yes, 2 no.
type RawMarketV2 struct {
	Num       uint64
	Question  string
	Category  string
	EndTime   *big.Int
	CreatedAt *big.Int
	Creator   string
	Pools     [6]*big.Int
	Resolved  bool
	Outcome   uint8
	Cancelled bool
	Approved  bool
}

func (r RawMarketV2) SchemaVersion() SchemaVersion { return SchemaV2 }
func (r RawMarketV2) MarketNum() uint64            { return r.Num }

// Contract event names understood by ReadEventLogs.
const (
	EventMarketCreated   = "MarketCreated"
	EventStakePlaced     = "StakePlaced"
	EventMarketResolved  = "MarketResolved"
	EventMarketCancelled = "MarketCancelled"
	EventWinningsClaimed = "WinningsClaimed"
)

// LogFilter restricts an event-log query to the named events. An empty
// filter matches every known event.
type LogFilter struct {
	Events []string
}

// ChainEvent is a decoded contract log that references a market.
type ChainEvent struct {
	Name      string `json:"name"`
	MarketNum uint64 `json:"market_num"`
	Block     uint64 `json:"block"`
	TxHash    string `json:"tx_hash"`
	LogIndex  uint   `json:"log_index"`
}

// ChainReader reads one deployed contract. Every method is a pure read and
// fails with a *ChainError.
type ChainReader interface {
	Version() SchemaVersion
	ReadMarket(ctx context.Context, id uint64) (RawMarket, error)
	ReadParticipants(ctx context.Context, id uint64) ([]string, error)
	ReadStake(ctx context.Context, id uint64, owner string, tt TokenType) (Position, error)
	// ReadEntityCount returns the next market id; valid ids are [1, count-1].
	ReadEntityCount(ctx context.Context) (uint64, error)
	ReadLatestBlock(ctx context.Context) (uint64, error)
	ReadEventLogs(ctx context.Context, fromBlock, toBlock uint64, filter LogFilter) ([]ChainEvent, error)
}
