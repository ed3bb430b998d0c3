package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operation names recorded by the plugit client.
const (
	OpPing          = "ping"
	OpVersion       = "version"
	OpMetaFetch     = "meta_fetch"
	OpTemplateFetch = "template_fetch"
	OpAction        = "action"
	OpMedia         = "media"
	OpMail          = "mail"
)

// LatencyTracker tracks latency quantiles of plug-in server round trips using DDSketch.
// A nil *LatencyTracker is valid and records nothing.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy)
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// Milliseconds, so the rendered stats read naturally.
	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start. Meant for defer:
//
//	defer tracker.Since(metrics.OpAction, time.Now())
func (lt *LatencyTracker) Since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

// RecordFunc wraps a function and records its execution time.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// Stats summarizes the latency distribution of one operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P95:       p95,
		P99:       p99,
		Max:       max,
	}, nil
}

// GetAllStats returns statistics for all tracked operations, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	operations := make([]string, 0, len(lt.sketches))
	for operation := range lt.sketches {
		operations = append(operations, operation)
	}
	sort.Strings(operations)

	stats := make([]Stats, 0, len(operations))
	for _, operation := range operations {
		if stat, err := lt.statsLocked(operation); err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

// String returns a human-readable line for the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}
