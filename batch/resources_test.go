package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdjustCoresForMemoryRequest(t *testing.T) {
	// 3.75Gi on a standard worker is exactly one core's share.
	mem, err := ParseMemoryInBytes("3.75Gi")
	assert.NoError(t, err)
	got, err := AdjustCoresForMemoryRequest(1000, mem, "standard")
	assert.NoError(t, err)
	assert.Equal(t, 1000, got)

	// 7.5Gi needs two cores' worth of memory even if one was requested.
	mem, err = ParseMemoryInBytes("7.5Gi")
	assert.NoError(t, err)
	got, err = AdjustCoresForMemoryRequest(1000, mem, "standard")
	assert.NoError(t, err)
	assert.Equal(t, 2000, got)

	// highmem workers carry twice the memory per core.
	got, err = AdjustCoresForMemoryRequest(1000, mem, "highmem")
	assert.NoError(t, err)
	assert.Equal(t, 1000, got)

	_, err = AdjustCoresForMemoryRequest(1000, mem, "quantum")
	assert.Error(t, err)
}

func TestAdjustCoresForStorageRequest(t *testing.T) {
	// 16-core worker with a 375Gi local SSD: each core's share is ~23Gi.
	got := AdjustCoresForStorageRequest(1000, 10*GiBInBytes, 16, true, 0)
	assert.Equal(t, 1000, got)

	// Asking for half the disk needs half the cores.
	got = AdjustCoresForStorageRequest(250, 188*GiBInBytes, 16, true, 0)
	assert.Greater(t, got, 8000)
}

func TestAdjustCoresForPackability(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 250},
		{1, 250},
		{250, 250},
		{251, 500},
		{500, 500},
		{600, 1000},
		{1000, 1000},
		{1001, 2000},
		{3000, 4000},
		{8000, 8000},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, AdjustCoresForPackability(c.in), "in=%d", c.in)
	}
}

func TestRoundStorageBytesToGiB(t *testing.T) {
	assert.Equal(t, 10, RoundStorageBytesToGiB(1))
	assert.Equal(t, 10, RoundStorageBytesToGiB(10*GiBInBytes))
	assert.Equal(t, 11, RoundStorageBytesToGiB(10*GiBInBytes+1))
	assert.Equal(t, 100, RoundStorageBytesToGiB(100*GiBInBytes))
}

func TestNewAttemptID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewAttemptID()
		assert.Len(t, id, 6)
		seen[id] = true
	}
	// 100 draws from 36^6 should not collide.
	assert.Greater(t, len(seen), 95)
}

func TestBatchRecordDisplayState(t *testing.T) {
	b := &BatchRecord{NJobs: 3}
	assert.Equal(t, "open", b.DisplayState())

	b.Closed = true
	assert.Equal(t, "running", b.DisplayState())

	b.NCompleted = 3
	b.NSucceeded = 3
	assert.Equal(t, "success", b.DisplayState())
	assert.True(t, b.Complete())

	b.NSucceeded = 2
	b.NCancelled = 1
	assert.Equal(t, "cancelled", b.DisplayState())

	b.NFailed = 1
	assert.Equal(t, "failure", b.DisplayState())
}
