package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func TestCanonicalize_BothSchemaVersions(t *testing.T) {
	deadline := baseTime.Add(24 * time.Hour)

	tests := []struct {
		name    string
		raw     domain.RawMarket
		version domain.SchemaVersion
		stable  int64
		approve bool
	}{
		{"v1 legacy tuple", v1Market(4, deadline), domain.SchemaV1, 0, true},
		{"v2 tuple", v2Market(4, deadline), domain.SchemaV2, 25, true},
		{"v2 pointer", func() domain.RawMarket { r := v2Market(4, deadline); return &r }(), domain.SchemaV2, 25, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Canonicalize(tt.raw)
			require.NoError(t, err)

			assert.Equal(t, domain.NewMarketID(tt.version, 4), rec.ID)
			assert.True(t, rec.Deadline.Equal(deadline))
			assert.Equal(t, domain.OutcomeUnset, rec.Outcome)
			assert.Equal(t, tt.approve, rec.Approved)
			assert.NotEmpty(t, rec.Question)
			assert.Equal(t, rec.Creator, domain.NormalizeAddress(rec.Creator))
			assert.Equal(t, 0, rec.Pools.Stable.Yes.Cmp(big.NewInt(tt.stable)))
			for _, tok := range domain.AllTokenTypes {
				assert.NotNil(t, rec.Pools.Get(tok).Yes)
				assert.NotNil(t, rec.Pools.Get(tok).No)
			}
		})
	}
}

func TestCanonicalize_V1Outcome(t *testing.T) {
	raw := v1Market(1, baseTime.Add(time.Hour))
	raw.Resolved = true

	rec, err := Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNo, rec.Outcome)

	raw.Outcome = true
	rec, err = Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeYes, rec.Outcome)
	assert.False(t, rec.Cancelled)
}

func TestCanonicalize_RejectsInvalidDeadline(t *testing.T) {
	for _, end := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), new(big.Int).Lsh(big.NewInt(1), 80)} {
		raw := v2Market(9, baseTime)
		raw.EndTime = end
		_, err := Canonicalize(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidDeadline, "end=%v", end)
	}
}

func TestCanonicalize_OutcomeOutOfRange(t *testing.T) {
	raw := v2Market(3, baseTime.Add(time.Hour))
	raw.Outcome = 7
	_, err := Canonicalize(raw)
	assert.ErrorIs(t, err, domain.ErrDataShape)
}

// rawV3 is a tuple shape no mapper knows.
type rawV3 struct{ num uint64 }

func (r rawV3) SchemaVersion() domain.SchemaVersion { return domain.SchemaVersion("v3") }
func (r rawV3) MarketNum() uint64                   { return r.num }

func TestCanonicalize_UnknownOrNilTupleIsDataShape(t *testing.T) {
	tests := []struct {
		name string
		raw  domain.RawMarket
	}{
		{"unknown type", rawV3{num: 2}},
		{"nil v1 pointer", (*domain.RawMarketV1)(nil)},
		{"nil v2 pointer", (*domain.RawMarketV2)(nil)},
		{"nil interface", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = Canonicalize(tt.raw) })
			assert.ErrorIs(t, err, domain.ErrDataShape)
			assert.False(t, domain.IsTransient(err))
		})
	}
}

func TestMapMarket_PreservesDisplayAndTimestamp(t *testing.T) {
	fresh, err := Canonicalize(v2Market(1, baseTime.Add(time.Hour)))
	require.NoError(t, err)

	first, changed := MapMarket(fresh, []string{"0xaa"}, nil, baseTime)
	assert.True(t, changed)
	assert.Equal(t, domain.MarketStatusActive, first.Status)
	assert.Equal(t, baseTime, first.UpdatedAt)

	first.Display = domain.DisplayMeta{Title: "Derby", Featured: true}
	later := baseTime.Add(time.Minute)

	again, changed := MapMarket(fresh, []string{"0xaa"}, &first, later)
	assert.False(t, changed)
	assert.Equal(t, baseTime, again.UpdatedAt)
	assert.Equal(t, first.Display, again.Display)

	moved, changed := MapMarket(fresh, []string{"0xaa", "0xbb"}, &first, later)
	assert.True(t, changed)
	assert.Equal(t, later, moved.UpdatedAt)
	assert.Equal(t, "Derby", moved.Display.Title)
}

func TestMapMarket_StatusChangeAloneIsAWrite(t *testing.T) {
	fresh, err := Canonicalize(v2Market(1, baseTime.Add(time.Hour)))
	require.NoError(t, err)

	rec, _ := MapMarket(fresh, nil, nil, baseTime)
	expired, changed := MapMarket(fresh, nil, &rec, baseTime.Add(2*time.Hour))
	assert.True(t, changed)
	assert.Equal(t, domain.MarketStatusExpired, expired.Status)
	assert.Equal(t, rec.UpdatedAt, expired.UpdatedAt)
	assert.NotNil(t, expired.Participants)
}

func TestParticipants_UnionsChainAndStakers(t *testing.T) {
	stakes := map[string]domain.StakeRecord{
		"0xcc": {Owner: "0xcc", Positions: domain.Positions{Alt: domain.Position{Yes: big.NewInt(1)}}},
		"0xdd": {Owner: "0xdd"},
	}
	got := Participants([]string{"0xBB", "0xaa", "0xbb", ""}, stakes)
	assert.Equal(t, []string{"0xaa", "0xbb", "0xcc"}, got)
}
