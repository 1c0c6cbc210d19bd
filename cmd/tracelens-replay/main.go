// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command tracelens-replay drives the trace engine end to end against a
// synthetic workload: N simulated CPU worker threads, each independently
// registering operations and dispatching trace buffers, the way spec.md
// §5's concurrency model describes the runtime driving the engine. It
// exercises every enabled analyzer and prints the RecordData each one
// emits at flush.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/antimetal/tracelens/pkg/trace/cubin"
	"github.com/antimetal/tracelens/pkg/trace/engine"
	"github.com/antimetal/tracelens/pkg/trace/model"
)

var (
	threads    = flag.Int("threads", 4, "Number of simulated CPU worker threads")
	kernels    = flag.Int("kernels", 3, "Kernel launches per worker thread")
	allocLen   = flag.Uint64("alloc-len", 4096, "Bytes allocated per worker's memory object")
	outputDir  = flag.String("output-dir", "./tracelens-replay-output", "Directory flush writes CSV/.dot output to")
	verbose    = flag.Bool("verbose", false, "Enable verbose (development) logging")
	hashWrites = flag.Bool("hash-writes", true, "Enable data-flow's post-write content hashing")
	readIgnore = flag.Bool("read-trace-ignore", false, "Disable fine-grained read-range merging (REDSHOW_ANALYSIS_READ_TRACE_IGNORE)")
	analyses   = flag.String("analyses", "", "Comma-separated analysis types to enable (empty for all defaults)")
)

// cubinJSON describes one function with a load instruction (pc 0) feeding
// a store instruction (pc 8), enough for cubin.Infer to resolve both
// access kinds as 32-bit integers.
const cubinJSON = `[
  {
    "index": 0,
    "address": 0,
    "blocks": [
      {
        "insts": [
          {"pc": 0, "op": "MEMORY.LOAD.32", "pred": -1, "dsts": [1], "srcs": []},
          {"pc": 8, "op": "MEMORY.STORE.32", "pred": -1, "dsts": [], "srcs": [
            {"id": 2, "assign_pcs": []},
            {"id": 1, "assign_pcs": [0]}
          ]}
        ]
      }
    ]
  }
]`

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	cfg := analysis.Config{
		ReadTraceIgnore: *readIgnore,
		OutputDir:       *outputDir,
	}
	if *analyses != "" {
		cfg.Enabled = make(map[analysis.Type]bool)
		for _, t := range strings.Split(*analyses, ",") {
			cfg.Enabled[analysis.Type(strings.TrimSpace(t))] = true
		}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Logger:     logger,
		HashWrites: *hashWrites,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}

	symbols, graph, err := cubin.Parse(strings.NewReader(cubinJSON))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse synthetic cubin: %v\n", err)
		os.Exit(1)
	}
	c := cubin.NewCubin(1, "synthetic.cubin")
	c.Modules[0] = &cubin.Module{Symbols: symbols, Graph: graph}
	if err := eng.RegisterCubin(c); err != nil {
		fmt.Fprintf(os.Stderr, "register cubin: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("tracelens-replay: %d threads x %d kernels, %d bytes/object, output=%s\n",
		*threads, *kernels, *allocLen, *outputDir)

	g, _ := errgroup.WithContext(context.Background())
	for t := 0; t < *threads; t++ {
		cpuThread := uint32(t)
		g.Go(func() error { return runWorker(eng, cpuThread) })
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
		os.Exit(1)
	}

	printResults(eng)
}

// runWorker simulates one CPU stream's lifetime: allocate an object,
// launch kernels that read and write it, free it, then flush its
// per-thread trace state. This mirrors spec.md §5's independent
// operation_register/analyze(buffer) caller.
func runWorker(eng *engine.Engine, cpuThread uint32) error {
	rng := rand.New(rand.NewSource(int64(cpuThread) + 1))

	opID := uint64(cpuThread+1) * 1000
	ctxID := int32(cpuThread + 1)

	start := uint64(cpuThread) * (*allocLen) * 16
	memRange := model.MemoryRange{Start: start, End: start + *allocLen}

	shadow := make([]byte, *allocLen)
	var shadowMu sync.Mutex

	if err := eng.HandleOperation(model.NewMemoryAlloc(opID, ctxID, memRange)); err != nil {
		return fmt.Errorf("cpu_thread %d: alloc: %w", cpuThread, err)
	}

	for k := 0; k < *kernels; k++ {
		kernelID := int32(cpuThread)*1000 + int32(k) + 1
		kernelOpID := uint64(kernelID) // data-flow keys its kernel-ctx lookup by op_id == kernel_id
		kernelCtx := ctxID + int32(k) + 1

		if err := eng.HandleOperation(model.NewKernel(kernelOpID, kernelCtx, cpuThread, 1, 0, 0, 0)); err != nil {
			return fmt.Errorf("cpu_thread %d: kernel op: %w", cpuThread, err)
		}

		buf := model.Buffer{
			CPUThread: cpuThread,
			CubinID:   1,
			ModID:     0,
			KernelID:  kernelID,
			HostOpID:  kernelOpID,
			Type:      model.PatchTypeDefault,
		}
		for lane := uint64(0); lane < 8; lane++ {
			addr := start + lane*4
			buf.Records = append(buf.Records,
				model.Record{
					Thread: model.ThreadId{BlockX: uint32(lane / 4), ThreadX: uint32(lane % 4)},
					PC:     0,
					Flags:  model.PatchRead,
					Lanes:  []model.Lane{{Addr: addr, Value: uint64(rng.Uint32() % 4)}},
				},
				model.Record{
					Thread: model.ThreadId{BlockX: uint32(lane / 4), ThreadX: uint32(lane % 4)},
					PC:     8,
					Flags:  model.PatchWrite,
					Lanes:  []model.Lane{{Addr: addr, Value: uint64(rng.Uint32())}},
				},
			)
		}
		if err := eng.Dispatch(buf); err != nil {
			return fmt.Errorf("cpu_thread %d: dispatch: %w", cpuThread, err)
		}
		if err := eng.EndKernel(cpuThread, kernelID); err != nil {
			return fmt.Errorf("cpu_thread %d: end_kernel: %w", cpuThread, err)
		}

		shadowMu.Lock()
		for lane := uint64(0); lane < 8 && lane*4+4 <= *allocLen; lane++ {
			rng.Read(shadow[lane*4 : lane*4+4])
		}
		shadowMu.Unlock()
	}

	if err := eng.HandleOperation(model.NewMemfree(opID+uint64(*kernels)+1, ctxID, memRange)); err != nil {
		return fmt.Errorf("cpu_thread %d: free: %w", cpuThread, err)
	}

	dtoh := func(dtohStart, numBytes uint64) ([]byte, error) {
		shadowMu.Lock()
		defer shadowMu.Unlock()
		off := dtohStart - start
		if off+numBytes > uint64(len(shadow)) {
			return make([]byte, numBytes), nil
		}
		out := make([]byte, numBytes)
		copy(out, shadow[off:off+numBytes])
		return out, nil
	}
	if err := eng.FlushThread(context.Background(), cpuThread, dtoh, func(rd analysis.RecordData) {}); err != nil {
		return fmt.Errorf("cpu_thread %d: flush_thread: %w", cpuThread, err)
	}
	return nil
}

func printResults(eng *engine.Engine) {
	var mu sync.Mutex
	counts := make(map[analysis.Type]int)

	emit := func(rd analysis.RecordData) {
		mu.Lock()
		defer mu.Unlock()
		counts[rd.Type]++
		fmt.Printf("  [%s] kernel=%d cubin=%d access=%s rate=%.4f views=%d\n",
			rd.Type, rd.KernelID, rd.CubinID, rd.Access, rd.Rate, len(rd.Views))
	}

	fmt.Println("flushing whole-run analysis state:")
	if err := eng.Flush(context.Background(), nil, emit); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nsummary: %d analyzers, %d unresolved accesses\n", len(eng.Analyzers()), eng.UnresolvedAccesses())
	for typ, n := range counts {
		fmt.Printf("  %-24s %d record(s) emitted\n", typ, n)
	}
}
