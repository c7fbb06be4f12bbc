// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitHistoryEmpty(t *testing.T) {
	b := NewBitHistory(256)
	require.True(t, b.IsEmpty())
	require.False(t, b.Contains(0))
	require.False(t, b.ContainsOffset(0))
	require.False(t, b.AddOffset(0))
}

func TestBitHistoryInOrder(t *testing.T) {
	sizes := []int{4, 63, 64, 65, 100, 256}
	for _, size := range sizes {
		b := NewBitHistory(size)
		added := []uint64{}
		seq := uint64(1000)
		for i := 0; i < 3*size+10; i++ {
			// irregular gaps, all smaller than the window
			seq += uint64(i%3) + 1
			require.True(t, b.Add(seq))
			added = append(added, seq)
		}

		last := b.Last()
		require.Equal(t, seq, last)
		for _, s := range added {
			if last-s < uint64(size) {
				require.True(t, b.Contains(s), "size: %d, seq: %d, last: %d", size, s, last)
			} else {
				require.False(t, b.Contains(s), "size: %d, seq: %d, last: %d", size, s, last)
			}
		}
	}
}

func TestBitHistoryGapsNotContained(t *testing.T) {
	b := NewBitHistory(256)
	for seq := uint64(10); seq < 300; seq += 2 {
		b.Add(seq)
	}
	for seq := uint64(299 - 255); seq < 299; seq++ {
		require.Equal(t, seq%2 == 0, b.Contains(seq), "seq: %d", seq)
	}
	require.False(t, b.Contains(299))
	require.False(t, b.Contains(1000))
}

func TestBitHistoryBoundary(t *testing.T) {
	b := NewBitHistory(256)
	for seq := uint64(0); seq < 512; seq++ {
		b.Add(seq)
	}

	// oldest representable position
	require.True(t, b.ContainsOffset(255))
	require.True(t, b.Contains(511-255))

	// first position outside the window
	require.False(t, b.ContainsOffset(256))
	require.False(t, b.Contains(511-256))
	require.False(t, b.ContainsOffset(1000))

	require.True(t, b.AddOffset(255))
	require.False(t, b.AddOffset(256))
}

func TestBitHistoryOutOfOrder(t *testing.T) {
	b := NewBitHistory(128)
	require.True(t, b.Add(300))
	require.True(t, b.Add(310))
	require.False(t, b.Contains(305))

	require.True(t, b.Add(305))
	require.True(t, b.Contains(305))
	require.Equal(t, uint64(310), b.Last())

	require.True(t, b.AddOffset(2))
	require.True(t, b.Contains(308))

	// too old
	require.True(t, b.Add(310-127))
	require.False(t, b.Add(310-128))
	require.False(t, b.Contains(310-128))
}

func TestBitHistoryWindowEviction(t *testing.T) {
	testCases := []struct {
		name string
		jump uint64
	}{
		{name: "exact window", jump: 256},
		{name: "window plus one", jump: 257},
		{name: "larger than ring", jump: 320},
		{name: "much larger", jump: 100000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBitHistory(256)
			for seq := uint64(1); seq <= 300; seq++ {
				b.Add(seq)
			}

			next := uint64(300) + tc.jump
			require.True(t, b.Add(next))
			require.True(t, b.ContainsOffset(0))
			for offset := uint64(1); offset < 256; offset++ {
				require.False(t, b.ContainsOffset(offset), "offset: %d", offset)
			}
			require.False(t, b.ContainsOffset(256))
		})
	}
}

func TestBitHistoryPartialSlide(t *testing.T) {
	b := NewBitHistory(256)
	for seq := uint64(1); seq <= 256; seq++ {
		b.Add(seq)
	}

	// slide by less than the window, the overlap survives
	require.True(t, b.Add(356))
	for seq := uint64(257); seq < 356; seq++ {
		require.False(t, b.Contains(seq), "seq: %d", seq)
	}
	for seq := uint64(101); seq <= 256; seq++ {
		require.True(t, b.Contains(seq), "seq: %d", seq)
	}
	require.False(t, b.Contains(100))
}

func TestBitHistoryReset(t *testing.T) {
	b := NewBitHistory(64)
	b.Add(5)
	b.Reset()
	require.True(t, b.IsEmpty())
	require.False(t, b.Contains(5))

	b.Add(3)
	require.True(t, b.Contains(3))
	require.False(t, b.Contains(5))
}
