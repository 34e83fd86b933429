// Command forestbench drives a Forest through N synthetic compact ops
// against a SimGrid, end to end, and reports beat throughput and per-beat
// latency percentiles.
//
// A latency-percentile harness (Stats/recordLatency/calculatePercentiles/
// printStats shape) driving Forest.Compact directly instead of issuing HTTP
// requests: the Forest's own beat clock, not a network round trip, is what
// this subsystem's throughput depends on. Single goroutine throughout,
// matching the forest's zero-implicit-concurrency design (SPEC_FULL.md §5).
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/forest"
	"github.com/rivengine/forest/internal/grid"
	"github.com/rivengine/forest/internal/groove"
)

var (
	numBeats         = flag.Int("beats", 10000, "number of compact beats to drive")
	lsmLevels        = flag.Int("lsm-levels", 4, "number of LSM levels per tree")
	lsmBatchMultiple = flag.Int("lsm-batch-multiple", 4, "beats per bar")
	nodeCount        = flag.Int("node-count", 256, "node pool capacity")
	manifestDir      = flag.String("manifest-dir", "./bench-data", "directory for the manifest log")
)

// stats accumulates per-beat latency. Single-threaded here, so no atomics
// or mutex are needed, unlike a multi-worker benchmark harness would require.
type stats struct {
	startTime time.Time
	latencies []time.Duration
	errors    int
}

func newStats(capacity int) *stats {
	return &stats{startTime: time.Now(), latencies: make([]time.Duration, 0, capacity)}
}

func (s *stats) record(d time.Duration) {
	s.latencies = append(s.latencies, d)
}

func (s *stats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(s.latencies)) * p)
	if idx >= len(s.latencies) {
		idx = len(s.latencies) - 1
	}
	return s.latencies[idx]
}

func (s *stats) print() {
	if len(s.latencies) == 0 {
		fmt.Println("no beats recorded")
		return
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })

	var total time.Duration
	for _, d := range s.latencies {
		total += d
	}
	duration := time.Since(s.startTime)
	throughput := float64(len(s.latencies)) / duration.Seconds()

	fmt.Printf("\nforestbench results:\n")
	fmt.Printf("  Beats:        %d\n", len(s.latencies))
	fmt.Printf("  Runtime:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Throughput:   %.2f beats/sec\n", throughput)
	fmt.Printf("  Avg Latency:  %v\n", total/time.Duration(len(s.latencies)))
	fmt.Printf("  Min Latency:  %v\n", s.latencies[0])
	fmt.Printf("  Max Latency:  %v\n", s.latencies[len(s.latencies)-1])
	fmt.Printf("  P95 Latency:  %v\n", s.percentile(0.95))
	fmt.Printf("  P99 Latency:  %v\n", s.percentile(0.99))
	fmt.Printf("  Errors:       %d\n", s.errors)
}

func defaultGrooves() []groove.TreeInfo {
	return []groove.TreeInfo{
		{TreeID: 1, TreeName: "objects", GrooveName: "default", Kind: groove.KindObjects},
		{TreeID: 2, TreeName: "ids", GrooveName: "default", Kind: groove.KindIDs},
	}
}

func main() {
	flag.Parse()

	g := grid.New(block.Size)
	f, err := forest.New(forest.Options{
		LSMLevels:        *lsmLevels,
		LSMBatchMultiple: *lsmBatchMultiple,
		NodeCount:        *nodeCount,
		Grooves:          defaultGrooves(),
		ManifestDir:      *manifestDir,
	}, g)
	if err != nil {
		log.Fatalf("forestbench: create forest: %v", err)
	}

	openDone := false
	f.Open(func() { openDone = true })
	for !openDone {
		if g.Tick() == 0 {
			break
		}
	}

	st := newStats(*numBeats)
	for op := uint64(0); op < uint64(*numBeats); op++ {
		beatStart := time.Now()
		done := false
		f.Compact(func() { done = true }, op)
		for !done {
			if g.Tick() == 0 {
				st.errors++
				break
			}
		}
		st.record(time.Since(beatStart))
	}

	st.print()
}
