// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package temporal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
)

// row is one reduced temporal-redundancy CSV record.
type row struct {
	fromPC, toPC        uint64
	value               uint64
	kind                pairKeyKind
	redCount            uint64
	localRate, normRate float64
}

// pairKeyKind re-exposes pairKey.Kind's fields flattened for CSV output.
type pairKeyKind struct {
	DataType string
	VecSize  uint32
	UnitSize uint32
}

func reduceStream(s *stream, pcLimit, valueLimit uint32) []row {
	var totalAccesses uint64
	for _, c := range s.accessCnt {
		totalAccesses += c
	}

	type pcTotal struct {
		pc    uint64
		total uint64
	}
	totals := make([]pcTotal, 0, len(s.pcPairs))
	for toPC, fromPCs := range s.pcPairs {
		var sum uint64
		for _, values := range fromPCs {
			for _, cnt := range values {
				sum += cnt
			}
		}
		totals = append(totals, pcTotal{pc: toPC, total: sum})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].total != totals[j].total {
			return totals[i].total > totals[j].total
		}
		return totals[i].pc < totals[j].pc
	})
	if uint32(len(totals)) > pcLimit && pcLimit > 0 {
		totals = totals[:pcLimit]
	}

	var rows []row
	for _, t := range totals {
		type candidate struct {
			fromPC uint64
			key    pairKey
			count  uint64
		}
		var cands []candidate
		for fromPC, values := range s.pcPairs[t.pc] {
			for k, cnt := range values {
				cands = append(cands, candidate{fromPC: fromPC, key: k, count: cnt})
			}
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].count != cands[j].count {
				return cands[i].count > cands[j].count
			}
			return cands[i].fromPC < cands[j].fromPC
		})
		if uint32(len(cands)) > valueLimit && valueLimit > 0 {
			cands = cands[:valueLimit]
		}

		accessCount := s.accessCnt[t.pc]
		for _, c := range cands {
			r := row{
				fromPC:   c.fromPC,
				toPC:     t.pc,
				value:    c.key.Value,
				kind:     pairKeyKind{DataType: c.key.Kind.DataType.String(), VecSize: c.key.Kind.VecSize, UnitSize: c.key.Kind.UnitSize},
				redCount: c.count,
			}
			if accessCount > 0 {
				r.localRate = float64(c.count) / float64(accessCount)
			}
			if totalAccesses > 0 {
				r.normRate = float64(c.count) / float64(totalAccesses)
			}
			rows = append(rows, r)
		}
	}
	return rows
}

// writeCSV appends rows to path, matching the original's redundancy.cpp
// writers: the file accumulates across every FlushThread call (one per
// kernel per CPU thread) instead of being truncated, and the header row is
// written only the first time the file is created.
func writeCSV(path string, rows []row, resolve func(pc uint64) (funcIdx uint32, pcOffset uint64)) error {
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
		if err := w.Write([]string{"from_func", "from_pc", "to_func", "to_pc", "value", "data_type", "vec_size", "unit_size", "red_count", "local_rate", "norm_rate"}); err != nil {
			return err
		}
	}
	for _, r := range rows {
		fromFunc, fromOff := resolve(r.fromPC)
		toFunc, toOff := resolve(r.toPC)
		rec := []string{
			fmt.Sprintf("%d", fromFunc),
			fmt.Sprintf("%d", fromOff),
			fmt.Sprintf("%d", toFunc),
			fmt.Sprintf("%d", toOff),
			fmt.Sprintf("%d", r.value),
			r.kind.DataType,
			fmt.Sprintf("%d", r.kind.VecSize),
			fmt.Sprintf("%d", r.kind.UnitSize),
			fmt.Sprintf("%d", r.redCount),
			fmt.Sprintf("%g", r.localRate),
			fmt.Sprintf("%g", r.normRate),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) resolvePC(cubinID, modID uint32, pc uint64) (uint32, uint64) {
	c, ok := a.cubins.Get(cubinID)
	if !ok {
		return 0, pc
	}
	m, ok := c.Module(modID)
	if !ok {
		return 0, pc
	}
	resolved, ok := m.Symbols.TransformPC(pc)
	if !ok {
		return 0, pc
	}
	return resolved.FunctionIndex, resolved.PCOffset
}

// FlushThread reduces and emits every kernel trace still open for
// cpuThread, then drops them from the trace table.
func (a *Analyzer) FlushThread(cpuThread uint32, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for kernelID, tr := range a.traces.ForThread(cpuThread) {
		if err := a.flushTrace(cpuThread, kernelID, tr, emit); err != nil {
			return err
		}
		a.traces.Remove(cpuThread, kernelID)
	}
	return nil
}

// Flush is a no-op beyond what FlushThread already covers: every trace is
// owned by the CPU thread that created it, so shutdown only needs each
// thread's FlushThread to have run first.
func (a *Analyzer) Flush(analysis.DtohCallback, analysis.RecordDataCallback) error { return nil }

func (a *Analyzer) flushTrace(cpuThread uint32, kernelID int32, tr *Trace, emit analysis.RecordDataCallback) error {
	resolve := func(pc uint64) (uint32, uint64) { return a.resolvePC(tr.CubinID, tr.ModID, pc) }

	readRows := reduceStream(tr.Reads, a.Config.PCViewsLimit, a.Config.MemViewsLimit)
	writeRows := reduceStream(tr.Writes, a.Config.PCViewsLimit, a.Config.MemViewsLimit)

	readPath := filepath.Join(a.Config.OutputDir, fmt.Sprintf("temporal_read_t%d.csv", cpuThread))
	writePath := filepath.Join(a.Config.OutputDir, fmt.Sprintf("temporal_write_t%d.csv", cpuThread))
	if err := writeCSV(readPath, readRows, resolve); err != nil {
		return err
	}
	if err := writeCSV(writePath, writeRows, resolve); err != nil {
		return err
	}

	if emit != nil {
		emit(toRecordData(kernelID, tr.CubinID, analysis.AccessRead, readRows))
		emit(toRecordData(kernelID, tr.CubinID, analysis.AccessWrite, writeRows))
	}
	return nil
}

func toRecordData(kernelID int32, cubinID uint32, access analysis.AccessType, rows []row) analysis.RecordData {
	views := make([]analysis.RecordView, 0, len(rows))
	var redSum uint64
	for _, r := range rows {
		views = append(views, analysis.RecordView{PC: r.toPC, Count: r.redCount, Secondary: fmt.Sprintf("from_pc=%d value=%d", r.fromPC, r.value)})
		redSum += r.redCount
	}
	rate := 0.0
	if len(rows) > 0 {
		rate = rows[0].normRate
	}
	return analysis.RecordData{
		Type:     analysis.TypeTemporalRedundancy,
		KernelID: kernelID,
		CubinID:  cubinID,
		Access:   access,
		Rate:     rate,
		Views:    views,
	}
}
