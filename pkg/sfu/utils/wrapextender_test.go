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

func TestWrapExtenderUint16(t *testing.T) {
	w := NewWrapExtender[uint16]()
	require.False(t, w.IsStarted())

	testCases := []struct {
		name            string
		input           uint16
		extended        uint64
		extendedHighest uint64
	}{
		{
			name:            "initialize",
			input:           65530,
			extended:        (1 << 16) + 65530,
			extendedHighest: (1 << 16) + 65530,
		},
		{
			name:            "in-order",
			input:           65533,
			extended:        (1 << 16) + 65533,
			extendedHighest: (1 << 16) + 65533,
		},
		{
			name:            "out-of-order, same cycle",
			input:           65531,
			extended:        (1 << 16) + 65531,
			extendedHighest: (1 << 16) + 65533,
		},
		{
			name:            "wrap around",
			input:           2,
			extended:        (2 << 16) + 2,
			extendedHighest: (2 << 16) + 2,
		},
		{
			name:            "out-of-order across wrap",
			input:           65535,
			extended:        (1 << 16) + 65535,
			extendedHighest: (2 << 16) + 2,
		},
		{
			name:            "duplicate",
			input:           2,
			extended:        (2 << 16) + 2,
			extendedHighest: (2 << 16) + 2,
		},
		{
			name:            "jump of half range",
			input:           2 + (1 << 15),
			extended:        (2 << 16) + 2 + (1 << 15),
			extendedHighest: (2 << 16) + 2 + (1 << 15),
		},
		{
			name:            "approaching wrap",
			input:           60000,
			extended:        (2 << 16) + 60000,
			extendedHighest: (2 << 16) + 60000,
		},
		{
			name:            "second wrap",
			input:           100,
			extended:        (3 << 16) + 100,
			extendedHighest: (3 << 16) + 100,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.extended, w.Extend(tc.input))
			require.Equal(t, tc.extendedHighest, w.GetExtendedHighest())
		})
	}
	require.True(t, w.IsStarted())
	require.Equal(t, uint16(65530), w.GetStart())
}

func TestWrapExtenderBeforeStart(t *testing.T) {
	w := NewWrapExtender[uint16]()

	testCases := []struct {
		name            string
		input           uint16
		extended        uint64
		extendedHighest uint64
		start           uint16
		extendedStart   uint64
	}{
		{
			name:            "start",
			input:           5,
			extended:        (1 << 16) + 5,
			extendedHighest: (1 << 16) + 5,
			start:           5,
			extendedStart:   (1 << 16) + 5,
		},
		{
			name:            "reorder before start",
			input:           65534,
			extended:        65534,
			extendedHighest: (1 << 16) + 5,
			start:           65534,
			extendedStart:   65534,
		},
		{
			name:            "in-order after restart",
			input:           6,
			extended:        (1 << 16) + 6,
			extendedHighest: (1 << 16) + 6,
			start:           65534,
			extendedStart:   65534,
		},
		{
			name:            "reorder before adjusted start",
			input:           65530,
			extended:        65530,
			extendedHighest: (1 << 16) + 6,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "duplicate after restart",
			input:           65534,
			extended:        65534,
			extendedHighest: (1 << 16) + 6,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "duplicate highest",
			input:           6,
			extended:        (1 << 16) + 6,
			extendedHighest: (1 << 16) + 6,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "towards wrap",
			input:           30000,
			extended:        (1 << 16) + 30000,
			extendedHighest: (1 << 16) + 30000,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "approaching wrap",
			input:           60000,
			extended:        (1 << 16) + 60000,
			extendedHighest: (1 << 16) + 60000,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "wrap after adjusted start",
			input:           10,
			extended:        (2 << 16) + 10,
			extendedHighest: (2 << 16) + 10,
			start:           65530,
			extendedStart:   65530,
		},
		{
			name:            "out-of-order across wrap after restart",
			input:           65000,
			extended:        (1 << 16) + 65000,
			extendedHighest: (2 << 16) + 10,
			start:           65530,
			extendedStart:   65530,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			extended := w.Extend(tc.input)
			require.Equal(t, tc.extended, extended)
			require.LessOrEqual(t, extended, w.GetExtendedHighest())
			require.Equal(t, tc.extendedHighest, w.GetExtendedHighest())
			require.Equal(t, tc.start, w.GetStart())
			require.Equal(t, tc.extendedStart, w.GetExtendedStart())
		})
	}
}

func TestWrapExtenderReorderNeverAhead(t *testing.T) {
	// every value reordered within half the range resolves at or below the highest
	for _, first := range []uint16{0, 5, 32768, 65530, 65535} {
		w := NewWrapExtender[uint16]()
		w.Extend(first)
		for back := uint16(1); back < 1<<15; back += 97 {
			highest := w.GetExtendedHighest()
			require.Less(t, w.Extend(first-back), highest, "first: %d, back: %d", first, back)
			require.Equal(t, highest, w.GetExtendedHighest())
		}
	}
}

func TestWrapExtenderUint32(t *testing.T) {
	w := NewWrapExtender[uint32]()
	require.Equal(t, uint64(2<<32-10), w.Extend(1<<32-10))
	require.Equal(t, uint64(2<<32+10), w.Extend(10))
	require.Equal(t, uint64(2<<32-20), w.Extend(1<<32-20))
	require.Equal(t, uint64(2<<32+10), w.GetExtendedHighest())

	w.Reset()
	require.False(t, w.IsStarted())
	require.Equal(t, uint64(1<<32+7), w.Extend(7))
}

func TestWrapExtenderMonotonic(t *testing.T) {
	w := NewWrapExtender[uint16]()
	prev := w.Extend(60000)
	for i := 1; i < 200000; i++ {
		ext := w.Extend(uint16(60000 + i))
		require.Equal(t, prev+1, ext)
		prev = ext
	}
}
