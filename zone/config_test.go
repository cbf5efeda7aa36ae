package zone

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

func TestParseLargeMemMode(t *testing.T) {
	tests := []struct {
		in      string
		want    LargeMemMode
		wantErr bool
	}{
		{"", LargeMemAuto, false},
		{"auto", LargeMemAuto, false},
		{"ON", LargeMemOn, false},
		{" true ", LargeMemOn, false},
		{"0", LargeMemOff, false},
		{"off", LargeMemOff, false},
		{"sometimes", LargeMemAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseLargeMemMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%q", tt.in)
			continue
		}
		require.NoError(t, err, "%q", tt.in)
		assert.Equal(t, tt.want, got, "%q", tt.in)
	}
	assert.Equal(t, "on", LargeMemOn.String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, min(runtime.GOMAXPROCS(0), format.MaxMagazines), cfg.Magazines)
	assert.Equal(t, format.DefaultRecircRetainedRegions, cfg.RecircRetainedRegions)
	assert.False(t, cfg.LargeCacheDisabled)
	assert.Equal(t, uint64(format.LargeCacheSizeLimit), cfg.LargeCacheLimit)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvLargeMem, "on")
	t.Setenv(EnvMagazines, "3")
	t.Setenv(EnvLogAlloc, "1")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, LargeMemOn, cfg.LargeMem)
	assert.Equal(t, 3, cfg.Magazines)
	assert.True(t, cfg.LogAlloc)

	t.Setenv(EnvMagazines, "1000")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, format.MaxMagazines, cfg.Magazines)
}

func TestConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv(EnvMagazines, "-2")
	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindInvalid))

	t.Setenv(EnvMagazines, "2")
	t.Setenv(EnvLargeMem, "maybe")
	_, err = ConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvLargeMem)
}

func TestLargeMemResolve(t *testing.T) {
	saved := physicalMemory
	t.Cleanup(func() { physicalMemory = saved })

	physicalMemory = func() uint64 { return 1 << 30 }
	assert.False(t, LargeMemAuto.resolve(), "1 GiB hosts keep the standard thresholds")
	assert.True(t, LargeMemOn.resolve())

	physicalMemory = func() uint64 { return 64 << 30 }
	assert.Equal(t, runtime.NumCPU() > format.LargeMemMinCPUs, LargeMemAuto.resolve())
	assert.False(t, LargeMemOff.resolve())
}

func TestNew_ZeroConfigKeepsDeathRow(t *testing.T) {
	for _, disabled := range []bool{false, true} {
		z, err := New(Config{LargeMem: LargeMemOff, LargeCacheDisabled: disabled})
		require.NoError(t, err)

		p, err := z.Malloc(64 << 10)
		require.NoError(t, err)
		z.Free(p)

		parked := z.ClassStatistics().Large.CachedEntries
		if disabled {
			assert.Zero(t, parked, "a disabled cache unmaps at once")
		} else {
			assert.Equal(t, 1, parked, "the zero value parks freed large blocks")
		}
		assert.Equal(t, z.tiny.Magazines(), min(runtime.GOMAXPROCS(0), format.MaxMagazines))
		require.NoError(t, z.Destroy())
	}
}
