package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wforce/wforced/internal/stats"
)

func TestNewAggregator_int(t *testing.T) {
	a, err := stats.NewAggregator(stats.KindInt, 0, 0, 0)
	require.NoError(t, err)

	a.AddInt(5)
	a.AddInt(3)
	a.SubInt(2)
	assert.Equal(t, int64(6), a.Get())

	other, err := stats.NewAggregator(stats.KindInt, 0, 0, 0)
	require.NoError(t, err)
	other.AddInt(4)

	assert.Equal(t, int64(10), a.Sum([]stats.Aggregator{other}))

	a.Erase()
	assert.Equal(t, int64(0), a.Get())
}

func TestNewAggregator_hll(t *testing.T) {
	a, err := stats.NewAggregator(stats.KindHLL, 8, 0, 0)
	require.NoError(t, err)

	for i := range 500 {
		a.AddString(string(rune('a' + i%26)))
	}

	got := a.Get()
	assert.InDelta(t, 26, got, 10)
}

func TestNewAggregator_countMin(t *testing.T) {
	a, err := stats.NewAggregator(stats.KindCountMin, 0, 0, 0)
	require.NoError(t, err)

	a.AddString("alice")
	a.AddStringInt("alice", 4)
	a.AddString("bob")

	assert.GreaterOrEqual(t, a.GetString("alice"), int64(5))
	assert.GreaterOrEqual(t, a.GetString("bob"), int64(1))
	assert.Equal(t, int64(0), a.GetString("carol"))
}

func TestAggregator_dumpRestore(t *testing.T) {
	a, err := stats.NewAggregator(stats.KindInt, 0, 0, 0)
	require.NoError(t, err)

	a.AddInt(42)

	b, err := a.Dump()
	require.NoError(t, err)

	restored, err := stats.NewAggregator(stats.KindInt, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, restored.Restore(b))
	assert.Equal(t, a.Get(), restored.Get())
}

func TestAggregator_countMinDumpRestore(t *testing.T) {
	a, err := stats.NewAggregator(stats.KindCountMin, 0, 0, 0)
	require.NoError(t, err)

	a.AddStringInt("alice", 7)

	b, err := a.Dump()
	require.NoError(t, err)

	restored, err := stats.NewAggregator(stats.KindCountMin, 0, 0, 0)
	require.NoError(t, err)

	require.NoError(t, restored.Restore(b))
	assert.Equal(t, a.GetString("alice"), restored.GetString("alice"))
}
