package domain

import "time"

// VolumeStat is the total staked amount for one token type.
type VolumeStat struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

// StatsSnapshot is the denormalized aggregate over every synced market.
type StatsSnapshot struct {
	TotalMarkets       int                   `json:"total_markets"`
	ActiveMarkets      int                   `json:"active_markets"`
	ResolvedMarkets    int                   `json:"resolved_markets"`
	CancelledMarkets   int                   `json:"cancelled_markets"`
	PendingMarkets     int                   `json:"pending_markets"`
	ExpiredMarkets     int                   `json:"expired_markets"`
	Volume             map[string]VolumeStat `json:"volume"`
	UniqueParticipants int                   `json:"unique_participants"`
	TopCategory        string                `json:"top_category"`
	ResolutionRate     float64               `json:"resolution_rate"`
	ComputedAt         time.Time             `json:"computed_at"`
}
