// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package liveness

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
)

// FlushThread drains every kernel trace still open for cpuThread. The
// fragmentation/liveness state it feeds lives on the shared object
// table, not on the per-kernel Trace, so this only needs to clear the
// KernelTraceTable entries.
func (a *Analyzer) FlushThread(cpuThread uint32, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for kernelID := range a.traces.ForThread(cpuThread) {
		a.traces.Remove(cpuThread, kernelID)
	}
	return nil
}

// Flush emits the object-size ranking, peak/optimal-peak trajectories,
// per-kernel fragmentation scores, and per-object heatmaps accumulated
// over the whole run.
func (a *Analyzer) Flush(dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.writeSizeRanking(); err != nil {
		return err
	}
	if err := a.writePeakTrajectory(); err != nil {
		return err
	}
	if err := a.writeFragmentation(); err != nil {
		return err
	}
	if err := a.writeHeatmap(); err != nil {
		return err
	}

	if emit != nil {
		for _, obj := range a.sortedObjects() {
			emit(analysis.RecordData{
				Type: analysis.TypeMemoryLiveness,
				Views: []analysis.RecordView{{PC: obj.OpID, Count: obj.Range.Len(), Secondary: fmt.Sprintf("ctx=%d events=%d", obj.CtxID, len(obj.Sequence))}},
			})
		}
	}
	return nil
}

func (a *Analyzer) sortedObjects() []*object {
	out := make([]*object, 0, len(a.objects))
	for _, obj := range a.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpID < out[j].OpID })
	return out
}

func createCSV(path string) (*os.File, *csv.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, csv.NewWriter(f), nil
}

func (a *Analyzer) writeSizeRanking() error {
	f, w, err := createCSV(filepath.Join(a.Config.OutputDir, "memory_liveness.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	defer w.Flush()

	if err := w.Write([]string{"op_id", "ctx_id", "size", "alloc_idx", "free_idx", "freed"}); err != nil {
		return err
	}
	objs := a.sortedObjects()
	sort.Slice(objs, func(i, j int) bool { return objs[i].Range.Len() > objs[j].Range.Len() })
	for _, obj := range objs {
		if err := w.Write([]string{
			fmt.Sprintf("%d", obj.OpID),
			fmt.Sprintf("%d", obj.CtxID),
			fmt.Sprintf("%d", obj.Range.Len()),
			fmt.Sprintf("%d", obj.AllocIdx),
			fmt.Sprintf("%d", obj.FreeIdx),
			fmt.Sprintf("%t", obj.Freed),
		}); err != nil {
			return err
		}
	}
	return nil
}

// writePeakTrajectory emits the cumulative-live-bytes curve from
// alloc/free deltas alongside the "optimal peak" curve: the maximum, at
// any op index, of the sum of sizes of objects allocated by that index
// whose last recorded access has not yet passed.
func (a *Analyzer) writePeakTrajectory() error {
	f, w, err := createCSV(filepath.Join(a.Config.OutputDir, "memory_peak.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	defer w.Flush()

	if err := w.Write([]string{"op_index", "live_bytes", "optimal_peak_bytes"}); err != nil {
		return err
	}

	events := append([]peakEvent(nil), a.peak...)
	sort.Slice(events, func(i, j int) bool { return events[i].OpIndex < events[j].OpIndex })

	type sweepEvent struct {
		OpIndex uint64
		Delta   int64
	}
	var sweep []sweepEvent
	for _, obj := range a.objects {
		lastIdx := obj.lastAccessIdx
		if lastIdx < obj.AllocIdx {
			lastIdx = obj.AllocIdx
		}
		size := int64(obj.Range.Len())
		sweep = append(sweep, sweepEvent{OpIndex: obj.AllocIdx, Delta: size})
		sweep = append(sweep, sweepEvent{OpIndex: lastIdx + 1, Delta: -size})
	}
	sort.Slice(sweep, func(i, j int) bool { return sweep[i].OpIndex < sweep[j].OpIndex })

	var live, optimal, optimalRunning int64
	ei, si := 0, 0
	for ei < len(events) || si < len(sweep) {
		var idx uint64
		switch {
		case ei >= len(events):
			idx = sweep[si].OpIndex
		case si >= len(sweep):
			idx = events[ei].OpIndex
		case events[ei].OpIndex <= sweep[si].OpIndex:
			idx = events[ei].OpIndex
		default:
			idx = sweep[si].OpIndex
		}
		for ei < len(events) && events[ei].OpIndex == idx {
			live += events[ei].Delta
			ei++
		}
		for si < len(sweep) && sweep[si].OpIndex == idx {
			optimalRunning += sweep[si].Delta
			si++
		}
		if optimalRunning > optimal {
			optimal = optimalRunning
		}
		if err := w.Write([]string{fmt.Sprintf("%d", idx), fmt.Sprintf("%d", live), fmt.Sprintf("%d", optimal)}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) writeFragmentation() error {
	f, w, err := createCSV(filepath.Join(a.Config.OutputDir, "fragmentation.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	defer w.Flush()

	if err := w.Write([]string{"op_id", "kernel_id", "unused_bytes", "largest_chunk", "fragmentation"}); err != nil {
		return err
	}
	for _, r := range a.frags {
		if err := w.Write([]string{
			fmt.Sprintf("%d", r.OpID),
			fmt.Sprintf("%d", r.KernelID),
			fmt.Sprintf("%d", r.UnusedBytes),
			fmt.Sprintf("%d", r.LargestChunk),
			fmt.Sprintf("%.4f", r.Fragmentation),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) writeHeatmap() error {
	f, w, err := createCSV(filepath.Join(a.Config.OutputDir, "memory_heatmap.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	defer w.Flush()

	if err := w.Write([]string{"op_id", "offset", "count"}); err != nil {
		return err
	}
	for _, obj := range a.sortedObjects() {
		offsets := make([]int64, 0, len(obj.heatmap))
		for off := range obj.heatmap {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, off := range offsets {
			if err := w.Write([]string{fmt.Sprintf("%d", obj.OpID), fmt.Sprintf("%d", off), fmt.Sprintf("%d", obj.heatmap[off])}); err != nil {
				return err
			}
		}
	}
	return nil
}
