package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPUInMcpu(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"1", 1000},
		{"2", 2000},
		{"0.5", 500},
		{"500m", 500},
		{"250m", 250},
		{"+1", 1000},
		{"0.001", 1},
	}
	for _, c := range cases {
		got, err := ParseCPUInMcpu(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	for _, bad := range []string{"", "one", "1x", "-1", "1.5m5"} {
		_, err := ParseCPUInMcpu(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMemoryInBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1K", 1000},
		{"1Ki", 1024},
		{"3.75Gi", 4026531840},
		{"1G", 1000000000},
		{"2Mi", 2 << 20},
	}
	for _, c := range cases {
		got, err := ParseMemoryInBytes(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseMemoryInBytes("10Q")
	assert.Error(t, err)
}

func TestParseStorageInBytes(t *testing.T) {
	got, err := ParseStorageInBytes("10Gi")
	assert.NoError(t, err)
	assert.Equal(t, int64(10)<<30, got)
}
