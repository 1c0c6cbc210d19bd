// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package model

import (
	"fmt"
	"math"
)

// DataType classifies the bit pattern a memory instruction moves.
type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeInt
	DataTypeFloat
)

func (d DataType) String() string {
	switch d {
	case DataTypeInt:
		return "INTEGER"
	case DataTypeFloat:
		return "FLOAT"
	default:
		return "UNKNOWN"
	}
}

// Precision levels for float/double value normalization, ported verbatim
// from the original instrumentation's constant table.
const (
	F32PrecisionValid = 23
	F32PrecisionMin   = 20
	F32PrecisionLow   = 15
	F32PrecisionMid   = 11
	F32PrecisionHigh  = 7
	F32PrecisionMax   = 3

	F64PrecisionValid = 52
	F64PrecisionMin   = 46
	F64PrecisionLow   = 36
	F64PrecisionMid   = 28
	F64PrecisionHigh  = 20
	F64PrecisionMax   = 12
)

// AccessKind is the (data_type, vec_size, unit_size) triple describing how
// a single memory instruction interprets the bytes it touches. unit_size is
// always <= vec_size: vec_size is the width of the whole vector access,
// unit_size the width of one lane's unit within it.
type AccessKind struct {
	DataType DataType
	VecSize  uint32
	UnitSize uint32
}

// Inferred reports whether this AccessKind is fully resolved: an
// UNKNOWN data type or zero unit_size means "still to be inferred from
// neighbors" per the dependency-graph walk in package cubin.
func (a AccessKind) Inferred() bool {
	return a.DataType != DataTypeUnknown && a.UnitSize != 0
}

// ExtractUnit masks raw to this AccessKind's unit_size, the bit width of
// one lane's value.
func (a AccessKind) ExtractUnit(raw uint64) uint64 {
	if a.UnitSize == 0 || a.UnitSize >= 64 {
		return raw
	}
	return raw & ((uint64(1) << a.UnitSize) - 1)
}

// NormalizeValue implements value_to_basic_type: it zeros low mantissa
// bits for floats (keeping the top f32Precision of 23 / f64Precision of
// 52 mantissa bits) and masks integers to unit_size, leaving the
// sign/exponent of a float untouched. raw carries the value's bit
// pattern, little-endian, in the low UnitSize bits of a 64-bit word.
func (a AccessKind) NormalizeValue(raw uint64, f32Precision, f64Precision int) uint64 {
	if a.DataType != DataTypeFloat {
		return a.ExtractUnit(raw)
	}
	switch a.UnitSize {
	case 32:
		mask := ^uint32(0) << uint(23-f32Precision)
		return uint64(uint32(raw) & mask)
	case 64:
		mask := ^uint64(0) << uint(52-f64Precision)
		return raw & mask
	default:
		return a.ExtractUnit(raw)
	}
}

// ValueToFloat reinterprets the low 32 bits of raw as an IEEE-754 float32.
func ValueToFloat(raw uint64) float32 {
	return math.Float32frombits(uint32(raw))
}

// ValueToDouble reinterprets raw as an IEEE-754 float64.
func ValueToDouble(raw uint64) float64 {
	return math.Float64frombits(raw)
}

// ValueToString renders raw as a typed decimal string per this
// AccessKind's data type and unit_size, the canonical value formatter used
// by every analyzer's CSV output. signedInt controls whether integer
// values are rendered as signed.
func (a AccessKind) ValueToString(raw uint64, signedInt bool) string {
	switch a.DataType {
	case DataTypeFloat:
		switch a.UnitSize {
		case 64:
			return fmt.Sprintf("%g", ValueToDouble(raw))
		default:
			return fmt.Sprintf("%g", ValueToFloat(raw))
		}
	case DataTypeInt:
		masked := a.ExtractUnit(raw)
		if !signedInt {
			return fmt.Sprintf("%d", masked)
		}
		return fmt.Sprintf("%d", signExtend(masked, a.UnitSize))
	default:
		return fmt.Sprintf("%d", raw)
	}
}

func signExtend(v uint64, bits uint32) int64 {
	if bits == 0 || bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// String renders the AccessKind the way CSV output does: "FLOAT.64.64".
func (a AccessKind) String() string {
	return fmt.Sprintf("%s.%d.%d", a.DataType, a.VecSize, a.UnitSize)
}
