// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package analysis defines the Analyzer contract every concrete analyzer
// implements, the shared Config surface, and the dtoh/record-data
// callback interfaces to the host runtime.
package analysis

import "github.com/antimetal/tracelens/pkg/trace/model"

// Type enumerates the analysis kinds the engine can enable, per spec.md
// §6's configuration surface.
type Type string

const (
	TypeTemporalRedundancy Type = "TEMPORAL_REDUNDANCY"
	TypeSpatialRedundancy  Type = "SPATIAL_REDUNDANCY"
	TypeValuePattern       Type = "VALUE_PATTERN"
	TypeDataFlow           Type = "DATA_FLOW"
	TypeMemoryLiveness     Type = "MEMORY_LIVENESS"
	TypeMemoryHeatmap      Type = "MEMORY_HEATMAP"
	TypeMemoryProfile      Type = "MEMORY_PROFILE"
	TypeTorchMonitor       Type = "TORCH_MONITOR"
)

// AccessType distinguishes a record-data callback's read/write half.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
)

func (a AccessType) String() string {
	if a == AccessWrite {
		return "WRITE"
	}
	return "READ"
}

// Config is the engine-wide configuration surface: which analyses run,
// per-analyzer toggles, the default data type for under-specified access
// kinds, approximation precision, and top-K view caps. Applied the way the
// teacher's CollectionConfig is assembled: zero-value fields are filled by
// ApplyDefaults, not by requiring every caller to set every field.
type Config struct {
	Enabled map[Type]bool

	// ReadTraceIgnore disables fine-grained read-range merging for
	// data-flow and memory-profile: only the first access range per
	// object is recorded (spec.md §4.7).
	ReadTraceIgnore bool

	// DefaultDataType is used when access-kind inference cannot resolve
	// a data type (spec.md §4.1's fallback pass).
	DefaultDataType model.DataType

	// F32Precision / F64Precision select one of the VALID/MIN/LOW/MID/
	// HIGH/MAX precision levels in pkg/trace/model for the
	// approximate-value pass.
	F32Precision int
	F64Precision int

	// PCViewsLimit / MemViewsLimit cap the top-K reduction at flush.
	PCViewsLimit uint32
	MemViewsLimit uint32

	// OutputDir is where flush writes CSV/.dot files.
	OutputDir string
}

// ApplyDefaults fills zero-value fields with the engine's defaults,
// ported from the original instrumentation's PC_VIEWS_LIMIT/
// MEM_VIEWS_LIMIT constants.
func (c *Config) ApplyDefaults() {
	if c.Enabled == nil {
		c.Enabled = map[Type]bool{
			TypeTemporalRedundancy: true,
			TypeSpatialRedundancy:  true,
			TypeValuePattern:       true,
			TypeDataFlow:           true,
			TypeMemoryLiveness:     true,
		}
	}
	if c.DefaultDataType == model.DataTypeUnknown {
		c.DefaultDataType = model.DataTypeInt
	}
	if c.F32Precision == 0 {
		c.F32Precision = model.F32PrecisionValid
	}
	if c.F64Precision == 0 {
		c.F64Precision = model.F64PrecisionValid
	}
	if c.PCViewsLimit == 0 {
		c.PCViewsLimit = 10
	}
	if c.MemViewsLimit == 0 {
		c.MemViewsLimit = 10
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

// IsEnabled reports whether t is enabled in this configuration.
func (c Config) IsEnabled(t Type) bool {
	return c.Enabled[t]
}
