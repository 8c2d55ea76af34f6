package rto_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuntcp/tuntcp/pkg/rto"
)

func TestAckAdvanceSamplesAndRemoves(t *testing.T) {
	tbl := rto.New()
	cur := time.Unix(1000, 0)
	tbl.SetClock(func() time.Time { return cur })

	tbl.Record(1)
	cur = cur.Add(100 * time.Millisecond)
	tbl.AckAdvance(1, 6) // acks sequence range [1,6)

	require.Equal(t, 0, tbl.Len())
	wantSRTT := time.Duration(float64(rto.DefaultSRTT)*0.8 + float64(100*time.Millisecond)*0.2)
	assert.Equal(t, wantSRTT, tbl.SRTT())
}

func TestAckAdvanceLeavesLaterEntries(t *testing.T) {
	tbl := rto.New()
	cur := time.Unix(1000, 0)
	tbl.SetClock(func() time.Time { return cur })

	tbl.Record(1)
	tbl.Record(6)
	tbl.AckAdvance(1, 6)

	require.Equal(t, []uint32{6}, tbl.Keys())
}

func TestShouldRetransmitHonoursBothBounds(t *testing.T) {
	tbl := rto.New()
	cur := time.Unix(1000, 0)
	tbl.SetClock(func() time.Time { return cur })
	tbl.Record(1)

	// 1.5 * srtt(60s) far exceeds the 1s floor but we haven't waited the
	// 1s floor yet.
	cur = cur.Add(500 * time.Millisecond)
	require.False(t, tbl.ShouldRetransmit(1))

	// Past the 1s floor, but SRTT (60s default) still dwarfs elapsed time.
	cur = cur.Add(600 * time.Millisecond)
	require.False(t, tbl.ShouldRetransmit(1))
}

func TestShouldRetransmitFiresWhenBothExceeded(t *testing.T) {
	tbl := rto.New()
	cur := time.Unix(1000, 0)
	tbl.SetClock(func() time.Time { return cur })
	tbl.Record(1)

	// Force a small SRTT so the 1.5x bound is easy to exceed.
	tbl.AckAdvance(1, 1) // no-op advance, doesn't sample (empty range)
	for i := 0; i < 40; i++ {
		// Drive SRTT down via repeated fast samples.
		tbl.Record(uint32(100 + i))
		cur = cur.Add(10 * time.Millisecond)
		tbl.AckAdvance(100+uint32(i), 101+uint32(i))
	}

	cur = cur.Add(2 * time.Second)
	require.True(t, tbl.ShouldRetransmit(1))
}
