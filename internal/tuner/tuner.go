// Package tuner derives effective generation parameters from family
// defaults, the active performance profile, and current system load.
package tuner

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"modelgate/internal/backend"
	"modelgate/internal/sysload"
)

// Profile is a named tuning preset affecting parameter damping.
type Profile string

const (
	ProfileSpeed    Profile = "speed"
	ProfileBalanced Profile = "balanced"
	ProfileQuality  Profile = "quality"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(s)); p {
	case ProfileSpeed, ProfileBalanced, ProfileQuality:
		return p, nil
	default:
		return "", fmt.Errorf("invalid performance profile: %q (want speed, balanced or quality)", s)
	}
}

// Overrides are caller-supplied parameters. Nil fields mean "not set"; set
// fields win over every tuning step.
type Overrides struct {
	Temperature *float64
	MaxTokens   *int
	Timeout     *time.Duration
}

// familyOrder is the substring-match order for inferring a model family from
// its name. First match wins; unmatched names use the "default" table.
var familyOrder = []string{"llama", "deepseek", "mistral", "qwen", "yi"}

// defaultTables holds built-in per-family generation defaults.
func defaultTables() map[string]backend.Params {
	return map[string]backend.Params{
		"llama":    {Temperature: 0.2, MaxTokens: 2048, Timeout: 30 * time.Second},
		"deepseek": {Temperature: 0.1, MaxTokens: 4096, Timeout: 40 * time.Second},
		"mistral":  {Temperature: 0.2, MaxTokens: 2048, Timeout: 30 * time.Second},
		"qwen":     {Temperature: 0.3, MaxTokens: 8192, Timeout: 45 * time.Second},
		"yi":       {Temperature: 0.2, MaxTokens: 4096, Timeout: 35 * time.Second},
		"default":  {Temperature: 0.2, MaxTokens: 2048, Timeout: 30 * time.Second},
	}
}

// FamilyFor infers the coarse model family from a model name.
func FamilyFor(model string) string {
	lower := strings.ToLower(model)
	for _, fam := range familyOrder {
		if strings.Contains(lower, fam) {
			return fam
		}
	}
	return "default"
}

// Tuner composes effective parameters. The profile is process-wide mutable
// state; a change takes effect on the next Tune call, requests already in
// flight keep the parameters they were dispatched with.
type Tuner struct {
	cpuThreshold float64
	memThreshold float64
	tables       map[string]backend.Params
	profile      atomic.Value // Profile
}

// New builds a tuner. tableOverrides replaces built-in family defaults
// per family; unknown families in the map are added as-is.
func New(profile Profile, cpuThreshold, memThreshold float64, tableOverrides map[string]backend.Params) *Tuner {
	tables := defaultTables()
	for fam, p := range tableOverrides {
		base := tables[fam]
		if p.Temperature != 0 {
			base.Temperature = p.Temperature
		}
		if p.MaxTokens != 0 {
			base.MaxTokens = p.MaxTokens
		}
		if p.Timeout != 0 {
			base.Timeout = p.Timeout
		}
		tables[fam] = base
	}
	t := &Tuner{cpuThreshold: cpuThreshold, memThreshold: memThreshold, tables: tables}
	t.profile.Store(profile)
	return t
}

// SetProfile swaps the active profile.
func (t *Tuner) SetProfile(p Profile) { t.profile.Store(p) }

// Profile returns the active profile.
func (t *Tuner) Profile() Profile { return t.profile.Load().(Profile) }

// Tune composes the effective parameters for one request. The order is
// fixed: family defaults, then load damping, then profile adjustment, then
// caller overrides.
func (t *Tuner) Tune(model string, ov Overrides, load sysload.Sample) backend.Params {
	p := t.tables[FamilyFor(model)]
	profile := t.Profile()

	// Load damping: under pressure, trade quality for throughput unless the
	// caller explicitly asked for quality.
	if (load.CPUPercent > t.cpuThreshold || load.MemPercent > t.memThreshold) && profile != ProfileQuality {
		p.Temperature = min(0.1, p.Temperature)
		p.MaxTokens = int(float64(p.MaxTokens) * 0.8)
	}

	switch profile {
	case ProfileSpeed:
		p.Temperature = min(0.1, p.Temperature)
		p.Timeout = maxDuration(10*time.Second, time.Duration(float64(p.Timeout)*0.7))
		p.MaxTokens = int(float64(p.MaxTokens) * 0.7)
	case ProfileQuality:
		p.Temperature = max(0.3, p.Temperature)
		p.Timeout = time.Duration(float64(p.Timeout) * 1.5)
	}

	if ov.Temperature != nil {
		p.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		p.MaxTokens = *ov.MaxTokens
	}
	if ov.Timeout != nil {
		p.Timeout = *ov.Timeout
	}
	return p
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
