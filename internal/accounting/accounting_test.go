package accounting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/core"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyFillAccumulatesWeightedAverageEntry(t *testing.T) {
	pos := &core.Position{Symbol: "BTCUSDT"}

	realized := ApplyFill(pos, core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: d("0.4"), Price: d("100"), Timestamp: time.Now()})
	assert.True(t, realized.IsZero())
	assert.True(t, pos.Size.Equal(d("0.4")))
	assert.True(t, pos.AvgEntryPrice.Equal(d("100")))

	realized = ApplyFill(pos, core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: d("0.6"), Price: d("100"), Timestamp: time.Now()})
	assert.True(t, realized.IsZero())
	assert.True(t, pos.Size.Equal(d("1.0")), "size: %s", pos.Size)
	assert.True(t, pos.AvgEntryPrice.Equal(d("100")), "avg entry: %s", pos.AvgEntryPrice)
	assert.Equal(t, core.PositionLong, pos.Side)
}

func TestApplyFillRealizesOnReduction(t *testing.T) {
	pos := &core.Position{Symbol: "BTCUSDT", Size: d("1.0"), AvgEntryPrice: d("100")}
	pos.RecomputeSide()

	realized := ApplyFill(pos, core.Fill{Symbol: "BTCUSDT", Side: core.SideSell, Qty: d("0.5"), Price: d("110"), Timestamp: time.Now()})

	assert.True(t, realized.Equal(d("5")), "realized: %s", realized) // (110-100)*0.5
	assert.True(t, pos.Size.Equal(d("0.5")))
	assert.True(t, pos.AvgEntryPrice.Equal(d("100")), "entry preserved on reduction")
}

func TestApplyFillReversesOnOvershoot(t *testing.T) {
	pos := &core.Position{Symbol: "BTCUSDT", Size: d("0.5"), AvgEntryPrice: d("100")}
	pos.RecomputeSide()

	realized := ApplyFill(pos, core.Fill{Symbol: "BTCUSDT", Side: core.SideSell, Qty: d("2.0"), Price: d("110"), Timestamp: time.Now()})

	assert.True(t, realized.Equal(d("5")), "realized on closed 0.5: %s", realized)
	assert.True(t, pos.Size.Equal(d("-1.5")), "residual reversed short: %s", pos.Size)
	assert.True(t, pos.AvgEntryPrice.Equal(d("110")))
	assert.Equal(t, core.PositionShort, pos.Side)
}

func TestManagerRecordFillPartialReconciliationScenario(t *testing.T) {
	m := New(nil)

	require.NoError(t, m.RecordFill(core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: d("0.4"), Price: d("100"), Timestamp: time.Now()}))
	require.NoError(t, m.RecordFill(core.Fill{Symbol: "BTCUSDT", Side: core.SideBuy, Qty: d("0.6"), Price: d("100"), Timestamp: time.Now()}))

	pos := m.Position("BTCUSDT")
	assert.True(t, pos.Size.Equal(d("1.0")))
	assert.True(t, pos.AvgEntryPrice.Equal(d("100")))
}

func TestPositionIdentityClosedFormMatchesRunningRealized(t *testing.T) {
	pos := &core.Position{Symbol: "BTCUSDT"}
	fills := []core.Fill{
		{Side: core.SideBuy, Qty: d("1"), Price: d("100")},
		{Side: core.SideSell, Qty: d("0.5"), Price: d("110")},
		{Side: core.SideBuy, Qty: d("0.2"), Price: d("105")},
		{Side: core.SideSell, Qty: d("0.7"), Price: d("120")},
	}
	var totalRealized decimal.Decimal
	for _, f := range fills {
		f.Timestamp = time.Now()
		totalRealized = totalRealized.Add(ApplyFill(pos, f))
	}

	var signedSum decimal.Decimal
	for _, f := range fills {
		delta := f.Qty
		if f.Side == core.SideSell {
			delta = delta.Neg()
		}
		signedSum = signedSum.Add(delta)
	}
	assert.True(t, pos.Size.Equal(signedSum), "finalSize must equal sum of signed fills")
	assert.False(t, totalRealized.IsZero())
}
