package domain

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names a sync routine.
type Strategy string

const (
	StrategyFull         Strategy = "full"
	StrategyIncremental  Strategy = "incremental"
	StrategyRecentWindow Strategy = "recent"
	StrategyActiveOnly   Strategy = "active"
	StrategyTargeted     Strategy = "targeted"
	StrategyClaims       Strategy = "claims"
	StrategyEvents       Strategy = "events"
)

// AllStrategies lists every strategy accepted by ParseStrategy.
var AllStrategies = []Strategy{
	StrategyFull,
	StrategyIncremental,
	StrategyRecentWindow,
	StrategyActiveOnly,
	StrategyTargeted,
	StrategyClaims,
	StrategyEvents,
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range AllStrategies {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// SyncRequest selects a strategy and its parameters. ID is used by targeted
// syncs, Count by recent-window syncs.
type SyncRequest struct {
	Strategy Strategy      `json:"strategy"`
	Version  SchemaVersion `json:"version"`
	ID       uint64        `json:"id,omitempty"`
	Count    int           `json:"count,omitempty"`
}

// IDFailure records why a single id was not synced in a run.
type IDFailure struct {
	ID    uint64 `json:"id"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// RunSummary is the outcome of one strategy run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Strategy    Strategy      `json:"strategy"`
	Version     SchemaVersion `json:"version"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Synced      int           `json:"synced"`
	Skipped     int           `json:"skipped"`
	Reconciled  int           `json:"reconciled,omitempty"`
	Anomalies   int           `json:"anomalies,omitempty"`
	Failed      []IDFailure   `json:"failed,omitempty"`
	Cursor      uint64        `json:"cursor"`
	Aborted     bool          `json:"aborted"`
	AbortReason string        `json:"abort_reason,omitempty"`
}

// Errors returns the number of ids that failed in the run.
func (r RunSummary) Errors() int { return len(r.Failed) }

// Duration returns how long the run took.
func (r RunSummary) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// MarketSyncedEvent is published after every successful market upsert.
type MarketSyncedEvent struct {
	MarketID MarketID     `json:"market_id"`
	Status   MarketStatus `json:"status"`
	Strategy Strategy     `json:"strategy"`
	Changed  bool         `json:"changed"`
	SyncedAt time.Time    `json:"synced_at"`
}

// Bus names used by the orchestrator.
const (
	ChannelMarketSynced = "markets:synced"
	StreamSyncRuns      = "sync:runs"
)
