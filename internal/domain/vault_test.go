package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestVaultRatios(t *testing.T) {
	v := &VaultBalance{
		Asset:          "BTC",
		Network:        "bitcoin",
		HotBalance:     1_000_000_000,
		ColdBalance:    9_000_000_000,
		TargetHotRatio: 2000,
	}

	assert.Equal(t, int64(1000), v.HotRatio()) // 10% of total
	assert.Equal(t, int64(8000), v.TargetColdRatio())
	assert.Equal(t, int64(1000), v.Deviation()) // 10% under the 20% target
}

func TestVaultRatiosEmptyVault(t *testing.T) {
	v := &VaultBalance{TargetHotRatio: 2000}
	assert.Zero(t, v.HotRatio())
	assert.Equal(t, int64(2000), v.Deviation())
}

func TestAvailableHot(t *testing.T) {
	v := &VaultBalance{HotBalance: 500, Reserved: 120}
	assert.Equal(t, int64(380), v.AvailableHot())

	v.Reserved = 500
	assert.Zero(t, v.AvailableHot())
}

func TestDeviationIsAbsolute(t *testing.T) {
	over := &VaultBalance{HotBalance: 5_000, ColdBalance: 5_000, TargetHotRatio: 2000}
	assert.Equal(t, int64(3000), over.Deviation())

	under := &VaultBalance{HotBalance: 500, ColdBalance: 9_500, TargetHotRatio: 2000}
	assert.Equal(t, int64(1500), under.Deviation())
}

func TestSnapshotPercentages(t *testing.T) {
	v := &VaultBalance{
		Asset:          "ETH",
		Network:        "ethereum",
		HotBalance:     2_200_000,
		ColdBalance:    7_800_000,
		Reserved:       100_000,
		TargetHotRatio: 2000,
	}

	s := v.Snapshot()
	assert.Equal(t, "ETH", s.Asset)
	assert.Equal(t, int64(100_000), s.Reserved)
	assert.True(t, s.HotRatioPct.Equal(decimal.NewFromFloat(22.00)), "got %s", s.HotRatioPct)
	assert.True(t, s.ColdRatioPct.Equal(decimal.NewFromFloat(78.00)), "got %s", s.ColdRatioPct)
	assert.True(t, s.TargetHotPct.Equal(decimal.NewFromFloat(20.00)), "got %s", s.TargetHotPct)
	assert.True(t, s.DeviationPct.Equal(decimal.NewFromFloat(2.00)), "got %s", s.DeviationPct)
}
