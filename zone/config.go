package zone

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	sigar "github.com/cloudfoundry/gosigar"

	"github.com/joshuapare/magzone/internal/format"
	"github.com/joshuapare/magzone/pkg/types"
)

// Environment overrides read by ConfigFromEnv.
const (
	EnvLargeMem  = "MAGZONE_LARGEMEM"
	EnvMagazines = "MAGZONE_MAGAZINES"
	EnvLogAlloc  = "MAGZONE_LOG_ALLOC"
)

// LargeMemMode selects the threshold set of a zone.
type LargeMemMode int

const (
	// LargeMemAuto enables large-memory mode on hosts with more than two
	// CPUs and more than 2 GiB of physical memory.
	LargeMemAuto LargeMemMode = iota

	// LargeMemOn forces the large-memory thresholds: 127 KiB large
	// threshold, 128 KiB copy threshold, 254 small free-list slots.
	LargeMemOn

	// LargeMemOff forces the standard thresholds.
	LargeMemOff
)

func (m LargeMemMode) String() string {
	switch m {
	case LargeMemAuto:
		return "auto"
	case LargeMemOn:
		return "on"
	case LargeMemOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParseLargeMemMode parses "auto", "on"/"true"/"1" or "off"/"false"/"0".
func ParseLargeMemMode(s string) (LargeMemMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return LargeMemAuto, nil
	case "on", "true", "1", "yes":
		return LargeMemOn, nil
	case "off", "false", "0", "no":
		return LargeMemOff, nil
	}
	return LargeMemAuto, fmt.Errorf("largemem mode %q: want auto, on or off", s)
}

// Config configures a Zone.
//
// Use DefaultConfig() for production defaults.
type Config struct {
	// Magazines is the number of magazines per size class.
	// Default: GOMAXPROCS, capped at 64.
	Magazines int

	// LargeMem selects the threshold set.
	// Default: LargeMemAuto
	LargeMem LargeMemMode

	// RecircRetainedRegions is the number of empty regions each depot keeps
	// mapped rather than returning them to the kernel.
	// Default: 2
	RecircRetainedRegions int

	// LargeCacheDisabled unmaps freed large blocks at once instead of
	// parking them on death row for reuse.
	// Default: false
	LargeCacheDisabled bool

	// LargeCacheLimit bounds the bytes parked on death row.
	// Default: 2 GiB
	LargeCacheLimit uint64

	// LogAlloc traces every allocation and free at Debug level.
	// Default: false
	LogAlloc bool

	// Logger receives zone events. Default: the process logger.
	Logger *slog.Logger

	// OnCorruption is called with heap corruption and double frees. It
	// should not return; when it does, operations that cannot continue
	// safely panic anyway.
	// Default: log at Error level, then panic with the error.
	OnCorruption func(error)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Magazines:             min(runtime.GOMAXPROCS(0), format.MaxMagazines),
		LargeMem:              LargeMemAuto,
		RecircRetainedRegions: format.DefaultRecircRetainedRegions,
		LargeCacheLimit:       format.LargeCacheSizeLimit,
	}
}

// ConfigFromEnv returns DefaultConfig with the MAGZONE_* environment
// overrides applied.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v, ok := os.LookupEnv(EnvLargeMem); ok {
		m, err := ParseLargeMemMode(v)
		if err != nil {
			return cfg, &types.Error{Kind: types.ErrKindInvalid, Msg: EnvLargeMem, Err: err}
		}
		cfg.LargeMem = m
	}
	if v, ok := os.LookupEnv(EnvMagazines); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return cfg, &types.Error{Kind: types.ErrKindInvalid, Msg: EnvMagazines,
				Err: fmt.Errorf("want a positive integer, got %q", v)}
		}
		cfg.Magazines = min(n, format.MaxMagazines)
	}
	cfg.LogAlloc = os.Getenv(EnvLogAlloc) != ""
	return cfg, nil
}

// physicalMemory probes the host's physical memory. Swapped out by tests.
var physicalMemory = func() uint64 {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0
	}
	return mem.Total
}

func (m LargeMemMode) resolve() bool {
	switch m {
	case LargeMemOn:
		return true
	case LargeMemOff:
		return false
	}
	return format.IsLargeMem(runtime.NumCPU(), physicalMemory())
}
