// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package interval_test

import (
	"testing"

	"github.com/antimetal/tracelens/pkg/trace/interval"
	"github.com/stretchr/testify/assert"
)

func TestSetInsert(t *testing.T) {
	t.Run("disjoint ranges stay separate", func(t *testing.T) {
		s := interval.New()
		s.Insert(interval.Range{Start: 0, End: 10})
		s.Insert(interval.Range{Start: 20, End: 30})
		assert.Equal(t, []interval.Range{{Start: 0, End: 10}, {Start: 20, End: 30}}, s.Ranges())
	})

	t.Run("adjacent ranges merge", func(t *testing.T) {
		s := interval.New()
		s.Insert(interval.Range{Start: 0, End: 10})
		s.Insert(interval.Range{Start: 10, End: 20})
		assert.Equal(t, []interval.Range{{Start: 0, End: 20}}, s.Ranges())
	})

	t.Run("overlapping range widens", func(t *testing.T) {
		s := interval.New()
		s.Insert(interval.Range{Start: 0, End: 10})
		s.Insert(interval.Range{Start: 5, End: 15})
		assert.Equal(t, []interval.Range{{Start: 0, End: 15}}, s.Ranges())
	})

	t.Run("covering range absorbs multiple", func(t *testing.T) {
		s := interval.New()
		s.Insert(interval.Range{Start: 0, End: 5})
		s.Insert(interval.Range{Start: 10, End: 15})
		s.Insert(interval.Range{Start: 20, End: 25})
		s.Insert(interval.Range{Start: 0, End: 25})
		assert.Equal(t, []interval.Range{{Start: 0, End: 25}}, s.Ranges())
	})

	t.Run("fully covered insert is a no-op", func(t *testing.T) {
		s := interval.New()
		s.Insert(interval.Range{Start: 0, End: 100})
		s.Insert(interval.Range{Start: 10, End: 20})
		assert.Equal(t, []interval.Range{{Start: 0, End: 100}}, s.Ranges())
	})
}

func TestSetSubtractFragmentation(t *testing.T) {
	// Scenario S4: object len=100, K1 accesses [0,30) and [60,100).
	unused := interval.New()
	unused.Insert(interval.Range{Start: 0, End: 100})
	unused.Subtract(interval.Range{Start: 0, End: 30})
	unused.Subtract(interval.Range{Start: 60, End: 100})

	assert.Equal(t, []interval.Range{{Start: 30, End: 60}}, unused.Ranges())
	assert.Equal(t, uint64(30), unused.TotalLen())
	assert.Equal(t, uint64(30), unused.LargestChunk())

	// K2 accesses [40,50): unused becomes {[30,40),[50,60)}.
	unused.Subtract(interval.Range{Start: 40, End: 50})
	assert.Equal(t, []interval.Range{{Start: 30, End: 40}, {Start: 50, End: 60}}, unused.Ranges())
	assert.Equal(t, uint64(20), unused.TotalLen())
	assert.Equal(t, uint64(10), unused.LargestChunk())
}

func TestSetEmpty(t *testing.T) {
	s := interval.New()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.TotalLen())
	assert.Equal(t, uint64(0), s.LargestChunk())
}
