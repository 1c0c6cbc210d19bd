// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package dataflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/antimetal/tracelens/pkg/trace/analysis"
	"github.com/dgraph-io/badger/v4"
)

// FlushThread settles every kernel trace still open for cpuThread: it
// refreshes each touched object's host shadow from the device (via
// dtoh), compares the refreshed bytes against the last-flushed cache to
// score redundancy, and links the kernel's ctx into the data-flow graph
// with ORDER edges for writes and READ edges for reads.
func (a *Analyzer) FlushThread(cpuThread uint32, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	for kernelID, tr := range a.traces.ForThread(cpuThread) {
		a.settleKernel(kernelID, tr, dtoh, emit)
		a.traces.Remove(cpuThread, kernelID)
	}
	return nil
}

func (a *Analyzer) settleKernel(kernelID int32, tr *Trace, dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) {
	a.mu.Lock()
	ctx, ok := a.kernelCtx[kernelID]
	a.mu.Unlock()
	if !ok {
		ctx = tr.CtxID
	}
	a.ensureNode(ctx, "KERNEL")

	var views []analysis.RecordView

	writeOps := make([]uint64, 0, len(tr.Writes))
	for opID := range tr.Writes {
		writeOps = append(writeOps, opID)
	}
	sort.Slice(writeOps, func(i, j int) bool { return writeOps[i] < writeOps[j] })

	for _, opID := range writeOps {
		wset := tr.Writes[opID]
		a.mu.Lock()
		obj, ok := a.objects[opID]
		a.mu.Unlock()
		if !ok {
			continue
		}

		var redundant, overwrite uint64
		a.Lock()
		for _, r := range wset.Ranges() {
			relStart := r.Start - obj.mem.Range.Start
			relEnd := r.End - obj.mem.Range.Start
			if relEnd > uint64(len(obj.mem.Shadow)) {
				continue
			}
			overwrite += r.Len()
			if dtoh == nil {
				continue
			}
			fresh, err := dtoh(r.Start, r.Len())
			if err != nil || uint64(len(fresh)) != r.Len() {
				// dtoh missing or failed: redundancy stays 0 for this range.
				continue
			}
			redundant += bytewiseEqual(fresh, obj.mem.Cache[relStart:relEnd])
			copy(obj.mem.Shadow[relStart:relEnd], fresh)
			copy(obj.mem.Cache[relStart:relEnd], fresh)
		}
		a.Unlock()

		from, _ := a.opNode.Get(opID)
		a.addEdge(from, ctx, obj.mem.CtxID, EdgeOrder, redundant, overwrite)
		a.opNode.Set(opID, ctx)

		if a.hashOnWrite {
			a.recordHash(obj.mem.CtxID, obj.mem.Shadow)
		}

		var rate float64
		if overwrite > 0 {
			rate = float64(redundant) / float64(overwrite)
		}
		views = append(views, analysis.RecordView{PC: opID, Count: overwrite, Secondary: fmt.Sprintf("redundant=%d rate=%.4f", redundant, rate)})
	}

	readOps := make([]uint64, 0, len(tr.Reads))
	for opID := range tr.Reads {
		readOps = append(readOps, opID)
	}
	sort.Slice(readOps, func(i, j int) bool { return readOps[i] < readOps[j] })

	for _, opID := range readOps {
		rset := tr.Reads[opID]
		a.mu.Lock()
		obj, ok := a.objects[opID]
		a.mu.Unlock()
		if !ok {
			continue
		}
		// READ edges originate from the object's own ctx_id, not its
		// dynamic last writer: see onMemcpy's note on why reads and
		// writer-chain (ORDER) edges use different "from" semantics.
		a.addEdge(obj.mem.CtxID, ctx, obj.mem.CtxID, EdgeRead, 0, rset.TotalLen())
	}

	if emit != nil && len(views) > 0 {
		emit(analysis.RecordData{Type: analysis.TypeDataFlow, KernelID: kernelID, CubinID: tr.CubinID, Views: views})
	}
}

func (a *Analyzer) recordHash(ctx int32, data []byte) {
	sum := sha256.Sum256(data)
	n, _ := a.graph.Node(ctx)
	if n.Hashes == nil {
		n.Hashes = make(map[string]bool)
	}
	n.Hashes[hex.EncodeToString(sum[:])] = true
	a.graph.AddNode(ctx, n)
}

// Flush emits the whole-run data-flow graph as Graphviz dot and, when
// content hashing was enabled, indexes every node's post-write content
// hashes in an in-memory badger store to find duplicate objects: a
// "total" duplicate shares its entire hash set with another ctx, a
// "partial" duplicate shares only some of it.
func (a *Analyzer) Flush(dtoh analysis.DtohCallback, emit analysis.RecordDataCallback) error {
	if err := a.writeDot(filepath.Join(a.Config.OutputDir, "dataflow.dot")); err != nil {
		return err
	}
	if !a.hashOnWrite {
		return nil
	}
	dups, err := a.findDuplicates()
	if err != nil {
		return err
	}
	if emit == nil {
		return nil
	}
	for _, d := range dups {
		emit(analysis.RecordData{
			Type: analysis.TypeDataFlow,
			Views: []analysis.RecordView{{PC: uint64(d.ctx), Count: uint64(len(d.peers)), Secondary: d.kind}},
		})
	}
	return nil
}

type duplicate struct {
	ctx   int32
	peers []int32
	kind  string // "total" or "partial"
}

// findDuplicates builds an in-memory badger index of hash -> ctx_ids and
// uses it to classify every node with recorded content hashes as a total
// or partial duplicate of its peers.
func (a *Analyzer) findDuplicates() ([]duplicate, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open duplicate index: %w", err)
	}
	defer db.Close()

	type nodeHashes struct {
		ctx    int32
		hashes map[string]bool
	}
	var nodes []nodeHashes
	a.graph.Nodes(func(ctx int32, n nodeInfo) {
		if len(n.Hashes) == 0 {
			return
		}
		nodes = append(nodes, nodeHashes{ctx: ctx, hashes: n.Hashes})
	})

	err = db.Update(func(txn *badger.Txn) error {
		for _, nh := range nodes {
			for h := range nh.hashes {
				key := []byte(h)
				var peers []int32
				item, err := txn.Get(key)
				if err == nil {
					_ = item.Value(func(v []byte) error {
						peers = decodePeers(v)
						return nil
					})
				} else if err != badger.ErrKeyNotFound {
					return err
				}
				peers = append(peers, nh.ctx)
				if err := txn.Set(key, encodePeers(peers)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var dups []duplicate
	for _, nh := range nodes {
		peerSet := make(map[int32]int)
		err := db.View(func(txn *badger.Txn) error {
			for h := range nh.hashes {
				item, err := txn.Get([]byte(h))
				if err != nil {
					continue
				}
				_ = item.Value(func(v []byte) error {
					for _, p := range decodePeers(v) {
						if p != nh.ctx {
							peerSet[p]++
						}
					}
					return nil
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(peerSet) == 0 {
			continue
		}
		var peers []int32
		kind := "partial"
		for p, shared := range peerSet {
			peers = append(peers, p)
			if shared == len(nh.hashes) {
				kind = "total"
			}
		}
		sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
		dups = append(dups, duplicate{ctx: nh.ctx, peers: peers, kind: kind})
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].ctx < dups[j].ctx })
	return dups, nil
}

func encodePeers(peers []int32) []byte {
	out := make([]byte, 0, len(peers)*4)
	for _, p := range peers {
		out = append(out, byte(p), byte(p>>8), byte(p>>16), byte(p>>24))
	}
	return out
}

func decodePeers(b []byte) []int32 {
	out := make([]int32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, int32(b[i])|int32(b[i+1])<<8|int32(b[i+2])<<16|int32(b[i+3])<<24)
	}
	return out
}

func (a *Analyzer) writeDot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintln(f, "digraph dataflow {")
	a.graph.Nodes(func(ctx int32, n nodeInfo) {
		fmt.Fprintf(f, "  n%d [label=\"%s:%d\"];\n", ctx, n.Type, ctx)
	})
	seen := make(map[edgeIndex]bool)
	a.graph.Nodes(func(ctx int32, _ nodeInfo) {
		for _, idx := range a.graph.OutgoingEdges(ctx) {
			if seen[idx] {
				continue
			}
			seen[idx] = true
			e, _ := a.graph.Edge(idx)
			fmt.Fprintf(f, "  n%d -> n%d [label=\"%s count=%d redundant=%d\"];\n", idx.FromCtx, idx.ToCtx, idx.Kind, e.Bytes, e.Redundancy)
		}
	})
	fmt.Fprintln(f, "}")
	return nil
}
