// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package valuepattern

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
)

// writeCSV appends classes to path, matching the original's redundancy.cpp
// writers: the file accumulates across every FlushThread call (one per
// kernel per CPU thread) instead of being truncated, and the header row is
// written only the first time the file is created.
func writeCSV(path string, classes []Classification, approx map[distKey][]Pattern) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir output dir: %w", err)
	}
	writeHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		writeHeader = false
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if writeHeader {
		if err := w.Write([]string{"op_id", "data_type", "vec_size", "unit_size", "patterns", "approximate_patterns", "narrow_unit_size", "top_values"}); err != nil {
			return err
		}
	}
	for _, c := range classes {
		names := make([]string, len(c.Patterns))
		for i, p := range c.Patterns {
			names[i] = string(p)
		}
		approxNames := make([]string, len(approx[c.Key]))
		for i, p := range approx[c.Key] {
			approxNames[i] = string(p)
		}
		values := make([]string, len(c.TopValues))
		for i, tv := range c.TopValues {
			values[i] = fmt.Sprintf("%d:%d", tv.Value, tv.Count)
		}

		rec := []string{
			fmt.Sprintf("%d", c.Key.OpID),
			c.Key.Kind.DataType.String(),
			fmt.Sprintf("%d", c.Key.Kind.VecSize),
			fmt.Sprintf("%d", c.Key.Kind.UnitSize),
			strings.Join(names, "|"),
			strings.Join(approxNames, "|"),
			fmt.Sprintf("%d", c.NarrowInt),
			strings.Join(values, "|"),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// FlushThread classifies and emits every kernel trace still open for
// cpuThread.
func (a *Analyzer) FlushThread(cpuThread uint32, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for kernelID, tr := range a.traces.ForThread(cpuThread) {
		if err := a.flushTrace(cpuThread, kernelID, tr, emit); err != nil {
			return err
		}
		a.traces.Remove(cpuThread, kernelID)
	}
	return nil
}

// Flush is a no-op: traces are drained per-thread by FlushThread.
func (a *Analyzer) Flush(analysis.DtohCallback, analysis.RecordDataCallback) error { return nil }

func (a *Analyzer) flushTrace(cpuThread uint32, kernelID int32, tr *Trace, emit analysis.RecordDataCallback) error {
	keys := make([]distKey, 0, len(tr.Dist))
	for k := range tr.Dist {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].OpID < keys[j].OpID })

	classes := make([]Classification, 0, len(keys))
	approx := make(map[distKey][]Pattern, len(keys))
	for _, k := range keys {
		exact, approxPatterns := classifyWithApproximation(k, tr.Dist[k], a.Config.F32Precision, a.Config.F64Precision)
		classes = append(classes, exact)
		if len(approxPatterns) > 0 {
			approx[k] = approxPatterns
		}
	}

	path := filepath.Join(a.Config.OutputDir, fmt.Sprintf("value_pattern_t%d.csv", cpuThread))
	if err := writeCSV(path, classes, approx); err != nil {
		return err
	}

	if emit != nil {
		views := make([]analysis.RecordView, 0, len(classes))
		for _, c := range classes {
			names := make([]string, len(c.Patterns))
			for i, p := range c.Patterns {
				names[i] = string(p)
			}
			views = append(views, analysis.RecordView{PC: c.Key.OpID, Count: uint64(len(c.TopValues)), Secondary: strings.Join(names, "|")})
		}
		emit(analysis.RecordData{
			Type:     analysis.TypeValuePattern,
			KernelID: kernelID,
			CubinID:  tr.CubinID,
			Views:    views,
		})
	}
	return nil
}
