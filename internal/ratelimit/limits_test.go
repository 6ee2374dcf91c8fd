package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want Limit
	}{
		{"60/m", Limit{Capacity: 60, RefillRate: 1}},
		{"10/s", Limit{Capacity: 10, RefillRate: 10}},
		{"3600/h", Limit{Capacity: 3600, RefillRate: 1}},
		{"600/5m", Limit{Capacity: 600, RefillRate: 2}},
		{" 30 / 30s ", Limit{Capacity: 30, RefillRate: 1}},
		{"7200/2h", Limit{Capacity: 7200, RefillRate: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLimit(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLimitsDefaults(t *testing.T) {
	limits, err := ParseLimits("")
	require.NoError(t, err)
	assert.Equal(t, Limits{
		ClassKey:   {Capacity: 60, RefillRate: 1},
		ClassWrite: {Capacity: 10, RefillRate: 10.0 / 60},
		ClassIP:    {Capacity: 600, RefillRate: 2},
	}, limits)
	assert.Equal(t, limits, DefaultLimits())
}

func TestParseLimitsOverridesSomeClasses(t *testing.T) {
	limits, err := ParseLimits("key:120/m, ,ip:10/s,")
	require.NoError(t, err)
	assert.Equal(t, Limit{Capacity: 120, RefillRate: 2}, limits[ClassKey])
	assert.Equal(t, Limit{Capacity: 10, RefillRate: 10}, limits[ClassIP])
	assert.Equal(t, DefaultLimits()[ClassWrite], limits[ClassWrite])
}

func TestParseLimitsRejectsMalformedSpecs(t *testing.T) {
	bad := []string{
		"key60/m",
		"key:abc/m",
		"key:0/m",
		"key:-5/m",
		"key:10",
		"key:10/",
		"key:10/d",
		"key:10/0m",
		"key:10/xm",
		"bogus:10/m",
		"key:60/m,write",
	}
	for _, spec := range bad {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseLimits(spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestLimitsString(t *testing.T) {
	limits, err := ParseLimits("key:60/m,write:10/m,ip:600/5m")
	require.NoError(t, err)
	assert.Equal(t, "ip:600/300s,key:60/60s,write:10/60s", limits.String())

	again, err := ParseLimits(limits.String())
	require.NoError(t, err)
	assert.Equal(t, limits, again)
}
