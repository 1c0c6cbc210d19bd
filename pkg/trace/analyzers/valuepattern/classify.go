// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package valuepattern

import (
	"math"
	"sort"

	"github.com/antimetal/tracelens/pkg/trace/model"
)

// topValue is one entry of the global top-10 value/count ranking.
type topValue struct {
	Value uint64
	Count uint64
}

// Classification is one (memory, access_kind) array's §4.6 finding.
type Classification struct {
	Key         distKey
	Patterns    []Pattern
	NarrowInt   uint32 // inferred unit_size, <= Key.Kind.UnitSize
	TopValues   []topValue
	Approximate bool // true if only the approximate pass produced Patterns
}

// classify runs the §4.6 classification over dist, masking every
// recorded raw value to (f32Precision, f64Precision) before tallying.
func classify(key distKey, dist *arrayDist, f32Precision, f64Precision int) Classification {
	masked := make(map[int64]map[uint64]uint64, len(dist.offset))
	for offset, byValue := range dist.offset {
		m := make(map[uint64]uint64)
		for raw, cnt := range byValue {
			v := key.Kind.NormalizeValue(raw, f32Precision, f64Precision)
			m[v] += cnt
		}
		masked[offset] = m
	}

	arraySize := arraySize(dist.mem, key.Kind)

	uniqueOffsets := 0
	var uniqueItemAccesses uint64
	global := make(map[uint64]uint64)
	for _, byValue := range masked {
		if len(byValue) == 1 {
			uniqueOffsets++
			for _, cnt := range byValue {
				uniqueItemAccesses += cnt
			}
		}
		for v, cnt := range byValue {
			global[v] += cnt
		}
	}

	narrow := key.Kind.UnitSize
	if key.Kind.DataType == model.DataTypeInt {
		narrow = narrowIntSize(global, key.Kind.UnitSize)
	}

	allIntegral := key.Kind.DataType == model.DataTypeFloat && isAllIntegral(global, key.Kind.UnitSize)

	var patterns []Pattern
	if key.Kind.DataType == model.DataTypeInt && narrow < key.Kind.UnitSize {
		patterns = append(patterns, PatternTypeOveruse)
	}
	if key.Kind.DataType == model.DataTypeFloat && allIntegral {
		patterns = append(patterns, PatternInappropriateFloat)
	}

	singleValue := len(global) == 1 && len(dist.offset) > 0 && arraySize > 0 && uint64(len(dist.offset)) >= arraySize
	if singleValue {
		patterns = append(patterns, PatternSingleValue)
		for v := range global {
			if isNumericZero(v, key.Kind) {
				patterns = append(patterns, PatternRedundantZeros)
			}
		}
	}

	if arraySize > 0 {
		denseEnough := float64(uniqueOffsets) >= 0.5*float64(arraySize)
		distinctSmall := float64(len(global)) <= 0.1*float64(arraySize)
		if denseEnough && distinctSmall {
			patterns = append(patterns, PatternDenseValue)
		}
	}

	const silentThreshold = 0.5
	if dist.writeAccesses > 0 && float64(dist.silentStores)/float64(dist.writeAccesses) >= silentThreshold {
		patterns = append(patterns, PatternSilentStore)
	}
	if dist.readAccesses > 0 && float64(dist.silentLoads)/float64(dist.readAccesses) >= silentThreshold {
		patterns = append(patterns, PatternSilentLoad)
	}

	if detectStructuredPattern(masked, key.Kind) {
		patterns = append(patterns, PatternStructuredPattern)
	}

	if len(patterns) == 0 {
		patterns = append(patterns, PatternNoPattern)
	}

	topValues := topN(global, 10)

	return Classification{Key: key, Patterns: patterns, NarrowInt: narrow, TopValues: topValues}
}

// structuredMinOffsets is the minimum element count a linear-regression
// structure check needs before a fit is meaningful.
const structuredMinOffsets = 8

// structuredMSEThreshold bounds the regression's normalized mean squared
// error: a fit tighter than this counts as a striding/affine pattern
// (e.g. a thread-index-derived array) rather than noise.
const structuredMSEThreshold = 0.01

// detectStructuredPattern fits a line through each offset's dominant
// value and reports whether the residual is small relative to the
// value's own variance, the signature of an affine or strided sequence
// (ArrayPatternInfo's k/b/mse fields in the original enumerate the same
// idea without a completed detector).
func detectStructuredPattern(masked map[int64]map[uint64]uint64, kind model.AccessKind) bool {
	if len(masked) < structuredMinOffsets {
		return false
	}
	xs := make([]float64, 0, len(masked))
	ys := make([]float64, 0, len(masked))
	for offset, byValue := range masked {
		var dominant uint64
		var maxCnt uint64
		for v, cnt := range byValue {
			if cnt > maxCnt {
				dominant, maxCnt = v, cnt
			}
		}
		xs = append(xs, float64(offset))
		ys = append(ys, valueAsFloat(dominant, kind))
	}
	_, _, mse := linearFit(xs, ys)
	varY := variance(ys)
	if varY == 0 {
		return false
	}
	return mse/varY < structuredMSEThreshold
}

// valueAsFloat interprets raw as a float64 sample of the access kind's
// data type, for the regression's y-axis.
func valueAsFloat(raw uint64, kind model.AccessKind) float64 {
	if kind.DataType == model.DataTypeFloat {
		if kind.UnitSize == 64 {
			return model.ValueToDouble(raw)
		}
		return float64(model.ValueToFloat(raw))
	}
	return float64(raw)
}

// linearFit computes the least-squares line y = k*x + b and its mean
// squared residual.
func linearFit(xs, ys []float64) (k, b, mse float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		b = sumY / n
		return 0, b, variance(ys)
	}
	k = (n*sumXY - sumX*sumY) / denom
	b = (sumY - k*sumX) / n

	var sqErr float64
	for i := range xs {
		resid := ys[i] - (k*xs[i] + b)
		sqErr += resid * resid
	}
	return k, b, sqErr / n
}

// variance returns the population variance of ys.
func variance(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	var mean float64
	for _, y := range ys {
		mean += y
	}
	mean /= float64(len(ys))
	var sum float64
	for _, y := range ys {
		d := y - mean
		sum += d * d
	}
	return sum / float64(len(ys))
}

func arraySize(mem *model.Memory, kind model.AccessKind) uint64 {
	if mem == nil || kind.UnitSize == 0 {
		return 0
	}
	unitBytes := uint64(kind.UnitSize / 8)
	if unitBytes == 0 {
		return 0
	}
	return mem.Len() / unitBytes
}

// narrowIntSize returns the smallest standard unit_size (8,16,32,64) that
// can represent every observed value, bounded above by current.
func narrowIntSize(values map[uint64]uint64, current uint32) uint32 {
	var maxBits uint32
	for v := range values {
		bits := bitsNeeded(v)
		if bits > maxBits {
			maxBits = bits
		}
	}
	for _, size := range []uint32{8, 16, 32, 64} {
		if size >= maxBits && size <= current {
			return size
		}
	}
	return current
}

func bitsNeeded(v uint64) uint32 {
	n := uint32(0)
	for v != 0 {
		n++
		v >>= 1
	}
	if n == 0 {
		n = 1
	}
	return n
}

func isAllIntegral(values map[uint64]uint64, unitSize uint32) bool {
	const f32Eps = 1e-6
	const f64Eps = 1e-14
	for raw := range values {
		if unitSize == 64 {
			f := model.ValueToDouble(raw)
			if math.Abs(f-math.Trunc(f)) > f64Eps {
				return false
			}
		} else {
			f := float64(model.ValueToFloat(raw))
			if math.Abs(f-math.Trunc(f)) > f32Eps {
				return false
			}
		}
	}
	return len(values) > 0
}

func isNumericZero(raw uint64, kind model.AccessKind) bool {
	if kind.DataType == model.DataTypeFloat {
		if kind.UnitSize == 64 {
			return model.ValueToDouble(raw) == 0
		}
		return model.ValueToFloat(raw) == 0
	}
	return raw == 0
}

func topN(values map[uint64]uint64, n int) []topValue {
	out := make([]topValue, 0, len(values))
	for v, c := range values {
		out = append(out, topValue{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// classifyWithApproximation runs the exact classification at full
// precision, then re-runs it at (f32Precision, f64Precision); only
// patterns the approximate pass found but the exact pass did not are
// reported as approximate findings (scenario S5).
func classifyWithApproximation(key distKey, dist *arrayDist, f32Precision, f64Precision int) (exact Classification, approx []Pattern) {
	exact = classify(key, dist, model.F32PrecisionValid, model.F64PrecisionValid)
	approxClass := classify(key, dist, f32Precision, f64Precision)

	seen := make(map[Pattern]bool, len(exact.Patterns))
	for _, p := range exact.Patterns {
		seen[p] = true
	}
	for _, p := range approxClass.Patterns {
		if p != PatternNoPattern && !seen[p] {
			approx = append(approx, p)
		}
	}

	// The array is worth approximating when reduced precision changes its
	// classification outright (a different pattern set emerges), matching
	// approximate_value_pattern's valid_approx check in the original.
	// NormalizeValue ignores the precision arguments for integers, so this
	// only ever fires for float arrays.
	if len(approxClass.Patterns) != len(exact.Patterns) || len(approx) > 0 {
		exact.Patterns = appendPattern(exact.Patterns, PatternApproximateValue)
	}
	exact.Approximate = len(approx) > 0
	return exact, approx
}

// appendPattern adds p to patterns, dropping the placeholder NoPattern
// entry and skipping a duplicate insert.
func appendPattern(patterns []Pattern, p Pattern) []Pattern {
	out := patterns[:0:0]
	for _, existing := range patterns {
		if existing == PatternNoPattern || existing == p {
			continue
		}
		out = append(out, existing)
	}
	return append(out, p)
}
