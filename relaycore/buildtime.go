package relaycore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// buildTimeSamples bounds how many recent circuit build durations are kept;
// old samples are dropped oldest-first once the window fills.
const buildTimeSamples = 1000

// buildTimeQuantile sets the learned timeout at this point in the recent
// distribution (tor's own circuit-build-timeout learning uses a high
// quantile so only genuinely slow builds time out).
const buildTimeQuantile = 0.8

// BuildTimeEstimator learns a circuit-build timeout from a rolling
// distribution of recent build durations (spec.md §5 "Circuit build
// timeout: learned from a rolling distribution of recent build times").
// It persists as a small JSON blob on disk between process restarts.
type BuildTimeEstimator struct {
	mu      sync.Mutex
	initial time.Duration
	samples []time.Duration
	path    string
}

type persistedBuildTimes struct {
	SamplesMillis []int64 `json:"samples_millis"`
}

// NewBuildTimeEstimator seeds the estimator with initial (config.Config's
// CircuitBuildTimeoutInitial) until enough samples accumulate. cacheDir may
// be empty, in which case the estimator never persists to disk.
func NewBuildTimeEstimator(initial time.Duration, cacheDir string) *BuildTimeEstimator {
	e := &BuildTimeEstimator{initial: initial}
	if cacheDir != "" {
		e.path = filepath.Join(cacheDir, "circuit-build-times.json")
		e.load()
	}
	return e
}

// Observe records a completed (or timed-out) circuit build's actual
// duration. Per spec.md §5, a build that exceeded the timeout still
// contributes its real duration to the distribution.
func (e *BuildTimeEstimator) Observe(d time.Duration) {
	e.mu.Lock()
	e.samples = append(e.samples, d)
	if len(e.samples) > buildTimeSamples {
		e.samples = e.samples[len(e.samples)-buildTimeSamples:]
	}
	e.mu.Unlock()
	e.persist()
}

// Timeout returns the current learned circuit build timeout: the
// buildTimeQuantile point of the recent distribution, or the configured
// initial value until at least a handful of samples exist.
func (e *BuildTimeEstimator) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) < 10 {
		return e.initial
	}
	sorted := make([]time.Duration, len(e.samples))
	copy(sorted, e.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * buildTimeQuantile)
	return sorted[idx]
}

func (e *BuildTimeEstimator) persist() {
	if e.path == "" {
		return
	}
	e.mu.Lock()
	p := persistedBuildTimes{SamplesMillis: make([]int64, len(e.samples))}
	for i, d := range e.samples {
		p.SamplesMillis[i] = d.Milliseconds()
	}
	e.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(e.path), 0700)
	_ = os.WriteFile(e.path, data, 0600)
}

func (e *BuildTimeEstimator) load() {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return
	}
	var p persistedBuildTimes
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ms := range p.SamplesMillis {
		e.samples = append(e.samples, time.Duration(ms)*time.Millisecond)
	}
}
