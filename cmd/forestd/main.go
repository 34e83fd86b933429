// Command forestd runs a Forest against a SimGrid and exposes its
// lifecycle over HTTP: health, stats, and operator-triggered compact/
// checkpoint ticks, for local inspection and manual exercising of the
// pipeline.
//
// Same http.ServeMux + signal-driven shutdown shape as an ordinary Go
// daemon, stripped of any graceful-restart (SIGUSR2/exec re-spawn)
// machinery, which has no analogue here — the grid a forestd process
// owns is an in-memory simulation, not something a child process could
// inherit.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rivengine/forest/internal/block"
	"github.com/rivengine/forest/internal/forest"
	"github.com/rivengine/forest/internal/grid"
	"github.com/rivengine/forest/internal/groove"
)

var (
	httpAddr         = flag.String("http-addr", ":8080", "HTTP server address")
	manifestDir      = flag.String("manifest-dir", "./data", "directory for the manifest log")
	lsmLevels        = flag.Int("lsm-levels", 4, "number of LSM levels per tree")
	lsmBatchMultiple = flag.Int("lsm-batch-multiple", 4, "beats per bar")
	nodeCount        = flag.Int("node-count", 256, "node pool capacity")
)

func defaultGrooves() []groove.TreeInfo {
	return []groove.TreeInfo{
		{TreeID: 1, TreeName: "objects", GrooveName: "default", Kind: groove.KindObjects},
		{TreeID: 2, TreeName: "ids", GrooveName: "default", Kind: groove.KindIDs},
		{TreeID: 3, TreeName: "by_label", GrooveName: "default", Kind: groove.KindIndex, IndexName: "by_label"},
	}
}

func main() {
	flag.Parse()

	if err := os.MkdirAll(*manifestDir, 0o755); err != nil {
		log.Fatalf("forestd: create manifest dir: %v", err)
	}

	g := grid.New(block.Size)
	f, err := forest.New(forest.Options{
		LSMLevels:        *lsmLevels,
		LSMBatchMultiple: *lsmBatchMultiple,
		NodeCount:        *nodeCount,
		Grooves:          defaultGrooves(),
		ManifestDir:      *manifestDir,
	}, g)
	if err != nil {
		log.Fatalf("forestd: create forest: %v", err)
	}

	d := &daemon{forest: f, grid: g}
	d.open()

	server := &http.Server{
		Addr:    *httpAddr,
		Handler: d.handler(),
	}

	go func() {
		log.Printf("forestd: listening on %s", *httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("forestd: http server error: %v", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	log.Printf("forestd: received signal %v, shutting down", sig)
	server.Shutdown(nil)
}

// daemon drives a Forest against a SimGrid on behalf of HTTP handlers. op
// is the monotonically increasing operation counter the forest's compact
// expects; tick drives the grid's simulated I/O to completion after every
// Forest call, since nothing else plays that role without a real replica.
type daemon struct {
	forest *forest.Forest
	grid   *grid.SimGrid

	mu sync.Mutex
	op uint64
}

func (d *daemon) open() {
	done := false
	d.forest.Open(func() { done = true })
	for !done {
		if d.grid.Tick() == 0 {
			break
		}
	}
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats := d.forest.Stats()
		body, err := json.Marshal(stats)
		if err != nil {
			http.Error(w, fmt.Sprintf("encode stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	mux.HandleFunc("/compact", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d.mu.Lock()
		op := d.op
		d.op++
		d.mu.Unlock()

		done := false
		d.forest.Compact(func() { done = true }, op)
		for !done {
			if d.grid.Tick() == 0 {
				break
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "compacted op %d\n", op)
	})

	mux.HandleFunc("/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		done := false
		d.forest.Checkpoint(func() { done = true })
		for !done {
			if d.grid.Tick() == 0 {
				break
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("checkpointed\n"))
	})

	return mux
}
