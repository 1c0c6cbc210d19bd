// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package spatial

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
)

// row is one reduced spatial-redundancy CSV record: the pc's dominant
// value and the count of lanes that shared it.
type row struct {
	pc                  uint64
	opID                uint64
	dataType            string
	vecSize, unitSize   uint32
	value               uint64
	redCount            uint64
	localRate, normRate float64
}

// reduceStream implements §4.5's flush reduction: the redundancy at a pc
// is the dominant value count, not the total count, because spatial
// redundancy models "all lanes write the same value".
func reduceStream(s *stream, pcLimit, valueLimit uint32) []row {
	var totalAccesses uint64
	for _, c := range s.accessCnt {
		totalAccesses += c
	}

	type pcEntry struct {
		key objectKey
		pc  uint64
		max uint64
	}
	var entries []pcEntry
	for key, byPC := range s.counts {
		for pc, byValue := range byPC {
			var max uint64
			for _, cnt := range byValue {
				if cnt > max {
					max = cnt
				}
			}
			entries = append(entries, pcEntry{key: key, pc: pc, max: max})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].max != entries[j].max {
			return entries[i].max > entries[j].max
		}
		return entries[i].pc < entries[j].pc
	})
	if pcLimit > 0 && uint32(len(entries)) > pcLimit {
		entries = entries[:pcLimit]
	}

	var rows []row
	for _, e := range entries {
		type valCount struct {
			value uint64
			count uint64
		}
		var vals []valCount
		for v, c := range s.counts[e.key][e.pc] {
			vals = append(vals, valCount{value: v, count: c})
		}
		sort.Slice(vals, func(i, j int) bool {
			if vals[i].count != vals[j].count {
				return vals[i].count > vals[j].count
			}
			return vals[i].value < vals[j].value
		})
		if valueLimit > 0 && uint32(len(vals)) > valueLimit {
			vals = vals[:valueLimit]
		}

		accessCount := s.accessCnt[e.pc]
		for _, v := range vals {
			r := row{
				pc:       e.pc,
				opID:     e.key.OpID,
				dataType: e.key.Kind.DataType.String(),
				vecSize:  e.key.Kind.VecSize,
				unitSize: e.key.Kind.UnitSize,
				value:    v.value,
				redCount: v.count,
			}
			if accessCount > 0 {
				r.localRate = float64(v.count) / float64(accessCount)
			}
			if totalAccesses > 0 {
				r.normRate = float64(v.count) / float64(totalAccesses)
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
func writeCSV(path string, rows []row, resolve func(pc uint64) (uint32, uint64)) error {
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
		if err := w.Write([]string{"func", "pc", "op_id", "data_type", "vec_size", "unit_size", "value", "red_count", "local_rate", "norm_rate"}); err != nil {
			return err
		}
	}
	for _, r := range rows {
		funcIdx, pcOff := resolve(r.pc)
		rec := []string{
			fmt.Sprintf("%d", funcIdx),
			fmt.Sprintf("%d", pcOff),
			fmt.Sprintf("%d", r.opID),
			r.dataType,
			fmt.Sprintf("%d", r.vecSize),
			fmt.Sprintf("%d", r.unitSize),
			fmt.Sprintf("%d", r.value),
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
	resolve := func(pc uint64) (uint32, uint64) { return a.resolvePC(tr.CubinID, tr.ModID, pc) }

	readRows := reduceStream(tr.Reads, a.Config.PCViewsLimit, a.Config.MemViewsLimit)
	writeRows := reduceStream(tr.Writes, a.Config.PCViewsLimit, a.Config.MemViewsLimit)

	readPath := filepath.Join(a.Config.OutputDir, fmt.Sprintf("spatial_read_t%d.csv", cpuThread))
	writePath := filepath.Join(a.Config.OutputDir, fmt.Sprintf("spatial_write_t%d.csv", cpuThread))
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
	var rate float64
	for i, r := range rows {
		views = append(views, analysis.RecordView{PC: r.pc, Count: r.redCount, Secondary: fmt.Sprintf("op_id=%d value=%d", r.opID, r.value)})
		if i == 0 {
			rate = r.normRate
		}
	}
	return analysis.RecordData{
		Type:     analysis.TypeSpatialRedundancy,
		KernelID: kernelID,
		CubinID:  cubinID,
		Access:   access,
		Rate:     rate,
		Views:    views,
	}
}
