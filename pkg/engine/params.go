package engine

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
)

// MaxBatchThreads is the upper bound on threads for a batch run.
const MaxBatchThreads = 16

// DTWPreset names a set of alignment heads used for DTW token timestamps.
// Presets only exist for the smaller model sizes.
type DTWPreset string

// Supported DTW presets.
const (
	DTWNone    DTWPreset = ""
	DTWTiny    DTWPreset = "tiny"
	DTWTinyEN  DTWPreset = "tiny.en"
	DTWBase    DTWPreset = "base"
	DTWBaseEN  DTWPreset = "base.en"
	DTWSmall   DTWPreset = "small"
	DTWSmallEN DTWPreset = "small.en"
)

var dtwPresets = []DTWPreset{DTWTiny, DTWTinyEN, DTWBase, DTWBaseEN, DTWSmall, DTWSmallEN}

// DTWPresets returns all supported presets, excluding [DTWNone].
func DTWPresets() []DTWPreset { return slices.Clone(dtwPresets) }

// ParseDTWPreset maps a preset name to a [DTWPreset]. The empty string maps
// to [DTWNone]. Unknown names return DTWNone and an error; callers are
// expected to log it and continue without DTW.
func ParseDTWPreset(name string) (DTWPreset, error) {
	if name == "" {
		return DTWNone, nil
	}
	p := DTWPreset(strings.ToLower(name))
	if slices.Contains(dtwPresets, p) {
		return p, nil
	}
	return DTWNone, fmt.Errorf("engine: unknown dtw preset %q", name)
}

// FloorPow2 returns the largest power of two that is <= n, or 1 for n < 1.
func FloorPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

// BatchThreads clamps a requested batch thread count to
// min(requested, MaxBatchThreads, FloorPow2(NumCPU)) and never returns less
// than one.
func BatchThreads(requested int) int {
	return clampThreads(requested, min(MaxBatchThreads, FloorPow2(runtime.NumCPU())))
}

// StreamThreads clamps a requested stream thread count to
// min(requested, NumCPU) and never returns less than one. A non-positive
// request uses every core but one.
func StreamThreads(requested int) int {
	if requested <= 0 {
		return max(1, runtime.NumCPU()-1)
	}
	return clampThreads(requested, runtime.NumCPU())
}

func clampThreads(requested, limit int) int {
	n := min(requested, limit)
	if n < 1 {
		return 1
	}
	return n
}
