package domain

import (
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion identifies a deployed contract layout. Each version returns a
// different market tuple shape and is synced independently.
type SchemaVersion string

const (
	SchemaV1 SchemaVersion = "v1"
	SchemaV2 SchemaVersion = "v2"
)

// KnownVersions lists every schema version the engine can decode.
var KnownVersions = []SchemaVersion{SchemaV1, SchemaV2}

// ParseSchemaVersion validates a version string such as "v2".
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	v := SchemaVersion(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(KnownVersions, v) {
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVersion, s)
}

// TokenTypes returns the stake token types a schema version supports.
func (v SchemaVersion) TokenTypes() []TokenType {
	switch v {
	case SchemaV1:
		return []TokenType{TokenNative, TokenAlt}
	case SchemaV2:
		return []TokenType{TokenNative, TokenAlt, TokenStable}
	default:
		return nil
	}
}

// Supports reports whether tt is stakeable under v.
func (v SchemaVersion) Supports(tt TokenType) bool {
	return slices.Contains(v.TokenTypes(), tt)
}

// TokenType is the stake currency. Its numeric value is the tokenType argument
// the contract expects.
type TokenType uint8

const (
	TokenNative TokenType = 0
	TokenAlt    TokenType = 1
	TokenStable TokenType = 2
)

// AllTokenTypes lists every token type in contract order.
var AllTokenTypes = []TokenType{TokenNative, TokenAlt, TokenStable}

func (t TokenType) String() string {
	switch t {
	case TokenNative:
		return "native"
	case TokenAlt:
		return "alt"
	case TokenStable:
		return "stable"
	default:
		return "token(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseTokenType accepts the names produced by String.
func ParseTokenType(s string) (TokenType, error) {
	for _, t := range AllTokenTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown token type %q", s)
}

// MarketID is a version-tagged numeric market id, rendered as "v2:7".
type MarketID struct {
	Version SchemaVersion `json:"version"`
	Num     uint64        `json:"num"`
}

// NewMarketID is shorthand for MarketID{Version: v, Num: n}.
func NewMarketID(v SchemaVersion, n uint64) MarketID {
	return MarketID{Version: v, Num: n}
}

func (id MarketID) String() string {
	return string(id.Version) + ":" + strconv.FormatUint(id.Num, 10)
}

// LockName is the advisory lock guarding writes to the market and its stakes.
func (id MarketID) LockName() string {
	return "market:" + string(id.Version) + ":" + strconv.FormatUint(id.Num, 10)
}

// ParseMarketID parses the "v2:7" form.
func ParseMarketID(s string) (MarketID, error) {
	vs, ns, ok := strings.Cut(s, ":")
	if !ok {
		return MarketID{}, fmt.Errorf("malformed market id %q", s)
	}
	v, err := ParseSchemaVersion(vs)
	if err != nil {
		return MarketID{}, err
	}
	n, err := strconv.ParseUint(ns, 10, 64)
	if err != nil {
		return MarketID{}, fmt.Errorf("malformed market id %q: %w", s, err)
	}
	return MarketID{Version: v, Num: n}, nil
}

// Outcome is the tri-state resolution result.
type Outcome string

const (
	OutcomeUnset Outcome = "unset"
	OutcomeYes   Outcome = "yes"
	OutcomeNo    Outcome = "no"
)

// MarketStatus is the cache view a market is indexed under.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
	MarketStatusPending   MarketStatus = "pending"
	MarketStatusExpired   MarketStatus = "expired"
)

// AllStatuses lists every status index.
var AllStatuses = []MarketStatus{
	MarketStatusActive,
	MarketStatusResolved,
	MarketStatusCancelled,
	MarketStatusPending,
	MarketStatusExpired,
}

// Pool is the aggregate stake on both sides of a market for one token type.
type Pool struct {
	Yes *big.Int `json:"yes"`
	No  *big.Int `json:"no"`
}

// Total returns Yes+No, treating nil as zero.
func (p Pool) Total() *big.Int {
	return new(big.Int).Add(orZero(p.Yes), orZero(p.No))
}

// Equal compares amounts, treating nil as zero.
func (p Pool) Equal(o Pool) bool {
	return AmountEqual(p.Yes, o.Yes) && AmountEqual(p.No, o.No)
}

// Pools holds one Pool per token type.
type Pools struct {
	Native Pool `json:"native"`
	Alt    Pool `json:"alt"`
	Stable Pool `json:"stable"`
}

// Get returns the pool for tt.
func (p Pools) Get(tt TokenType) Pool {
	switch tt {
	case TokenAlt:
		return p.Alt
	case TokenStable:
		return p.Stable
	default:
		return p.Native
	}
}

// Set replaces the pool for tt.
func (p *Pools) Set(tt TokenType, pool Pool) {
	switch tt {
	case TokenAlt:
		p.Alt = pool
	case TokenStable:
		p.Stable = pool
	default:
		p.Native = pool
	}
}

// Equal compares every token pool.
func (p Pools) Equal(o Pools) bool {
	for _, tt := range AllTokenTypes {
		if !p.Get(tt).Equal(o.Get(tt)) {
			return false
		}
	}
	return true
}

// DisplayMeta is cache-only presentation data with no chain equivalent. It is
// never derived from a chain read and survives every sync.
type DisplayMeta struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Featured    bool     `json:"featured,omitempty"`
}

// IsZero reports whether no display field is set.
func (d DisplayMeta) IsZero() bool {
	return d.Title == "" && d.Description == "" && d.ImageURL == "" && len(d.Tags) == 0 && !d.Featured
}

// MarketRecord is the canonical, schema-independent cached market.
type MarketRecord struct {
	ID           MarketID     `json:"id"`
	Question     string       `json:"question"`
	Category     string       `json:"category"`
	Pools        Pools        `json:"pools"`
	Resolved     bool         `json:"resolved"`
	Outcome      Outcome      `json:"outcome"`
	Cancelled    bool         `json:"cancelled"`
	Approved     bool         `json:"approved"`
	Creator      string       `json:"creator"`
	Participants []string     `json:"participants"`
	Deadline     time.Time    `json:"deadline"`
	CreatedAt    time.Time    `json:"created_at"`
	Status       MarketStatus `json:"status"`
	Display      DisplayMeta  `json:"display"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DeriveStatus computes the status index a record belongs under at now.
func (m MarketRecord) DeriveStatus(now time.Time) MarketStatus {
	switch {
	case m.Cancelled:
		return MarketStatusCancelled
	case m.Resolved:
		return MarketStatusResolved
	case !m.Approved:
		return MarketStatusPending
	case !m.Deadline.After(now):
		return MarketStatusExpired
	default:
		return MarketStatusActive
	}
}

// IsOpen reports whether the market still accepts stakes at now.
func (m MarketRecord) IsOpen(now time.Time) bool {
	return !m.Resolved && !m.Cancelled && m.Deadline.After(now)
}

// IsSettled reports whether stakes may be claimed (resolved or cancelled).
func (m MarketRecord) IsSettled() bool {
	return m.Resolved || m.Cancelled
}

// ChainEqual compares the chain-derived content of two records, ignoring
// Display, Status and UpdatedAt.
func (m MarketRecord) ChainEqual(o MarketRecord) bool {
	return m.ID == o.ID &&
		m.Question == o.Question &&
		m.Category == o.Category &&
		m.Pools.Equal(o.Pools) &&
		m.Resolved == o.Resolved &&
		m.Outcome == o.Outcome &&
		m.Cancelled == o.Cancelled &&
		m.Approved == o.Approved &&
		m.Creator == o.Creator &&
		slices.Equal(m.Participants, o.Participants) &&
		m.Deadline.Equal(o.Deadline) &&
		m.CreatedAt.Equal(o.CreatedAt)
}

// MarketFilter narrows ListMarkets. Zero fields do not filter.
type MarketFilter struct {
	Version  SchemaVersion
	Status   MarketStatus
	Category string
	Creator  string
	Limit    int
	Offset   int
}

// AmountEqual compares two amounts, treating nil as zero.
func AmountEqual(a, b *big.Int) bool {
	return orZero(a).Cmp(orZero(b)) == 0
}

// IsZeroAmount reports whether a is nil or zero.
func IsZeroAmount(a *big.Int) bool {
	return a == nil || a.Sign() == 0
}

func orZero(a *big.Int) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return a
}

// NormalizeAddress lowercases a hex address so set membership is stable.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
