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
	"unsafe"
)

type number interface {
	uint16 | uint32
}

// WrapExtender extends a wrapping counter (RTP sequence number, timestamp,
// dependency descriptor frame number) into a 64-bit counter.
//
// The first value is placed in cycle 1, so a value reordered from before it
// resolves into cycle 0 without renumbering anything already extended.
type WrapExtender[T number] struct {
	fullRange uint64

	initialized bool
	start       T
	startCycles uint64
	highest     T
	cycles      uint64
}

func NewWrapExtender[T number]() *WrapExtender[T] {
	var t T
	return &WrapExtender[T]{
		fullRange: 1 << (unsafe.Sizeof(t) * 8),
	}
}

func (w *WrapExtender[T]) IsStarted() bool {
	return w.initialized
}

// Extend returns the extended value of val. Values behind the highest one
// seen are resolved into the cycle they belong to and leave the highest
// value untouched.
func (w *WrapExtender[T]) Extend(val T) uint64 {
	if !w.initialized {
		w.initialized = true
		w.start = val
		w.startCycles = 1
		w.highest = val
		w.cycles = 1
		return w.fullRange + uint64(val)
	}

	gap := val - w.highest
	if gap == 0 {
		return w.GetExtendedHighest()
	}

	if uint64(gap) <= w.fullRange>>1 {
		// in-order
		if val < w.highest {
			w.cycles++
		}
		w.highest = val
		return w.cycles*w.fullRange + uint64(val)
	}

	// out-of-order
	cycles := w.cycles
	if val > w.highest {
		// from before the last wrap
		cycles--
	}
	extVal := cycles*w.fullRange + uint64(val)
	w.maybeAdjustStart(val, cycles, extVal)
	return extVal
}

// maybeAdjustStart moves the start back to a value reordered from before it,
// as long as less than half the range has been seen.
func (w *WrapExtender[T]) maybeAdjustStart(val T, cycles uint64, extVal uint64) {
	extStart := w.GetExtendedStart()
	if extVal >= extStart || w.GetExtendedHighest()-extStart+1 > w.fullRange>>1 {
		return
	}
	w.start = val
	w.startCycles = cycles
}

func (w *WrapExtender[T]) GetStart() T {
	return w.start
}

func (w *WrapExtender[T]) GetExtendedStart() uint64 {
	return w.startCycles*w.fullRange + uint64(w.start)
}

func (w *WrapExtender[T]) GetHighest() T {
	return w.highest
}

func (w *WrapExtender[T]) GetExtendedHighest() uint64 {
	return w.cycles*w.fullRange + uint64(w.highest)
}

func (w *WrapExtender[T]) Reset() {
	w.initialized = false
	w.start = 0
	w.startCycles = 0
	w.highest = 0
	w.cycles = 0
}
