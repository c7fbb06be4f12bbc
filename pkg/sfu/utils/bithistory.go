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
	"fmt"
)

// BitHistory remembers which of the most recent `size` absolute positions
// have been marked. Positions are mapped onto a ring of 64-bit words; the ring
// is one word larger than needed so that the window can slide without
// clearing the word that is still partially in use.
//
// Not safe for concurrent use.
type BitHistory struct {
	size     uint64
	words    []uint64
	ringBits uint64

	initialized bool
	last        uint64
}

func NewBitHistory(size int) *BitHistory {
	if size <= 0 {
		size = 1
	}
	numWords := (size+63)/64 + 1
	return &BitHistory{
		size:     uint64(size),
		words:    make([]uint64, numWords),
		ringBits: uint64(numWords) * 64,
	}
}

func (b *BitHistory) Size() int {
	return int(b.size)
}

func (b *BitHistory) Last() uint64 {
	return b.last
}

func (b *BitHistory) IsEmpty() bool {
	return !b.initialized
}

func (b *BitHistory) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.initialized = false
	b.last = 0
}

// Add marks seq. A position newer than the last one slides the window
// forward, evicting whatever falls out of it. Returns false only when seq is
// too old to be represented.
func (b *BitHistory) Add(seq uint64) bool {
	if !b.initialized {
		b.initialized = true
		b.last = seq
		b.set(seq)
		return true
	}

	if seq <= b.last {
		return b.AddOffset(b.last - seq)
	}

	b.clear(b.last+1, seq)
	b.last = seq
	b.set(seq)
	return true
}

// AddOffset marks the position `offset` behind the last one.
func (b *BitHistory) AddOffset(offset uint64) bool {
	if !b.initialized || offset >= b.size || offset > b.last {
		return false
	}

	b.set(b.last - offset)
	return true
}

func (b *BitHistory) Contains(seq uint64) bool {
	if !b.initialized || seq > b.last {
		return false
	}

	return b.ContainsOffset(b.last - seq)
}

func (b *BitHistory) ContainsOffset(offset uint64) bool {
	if !b.initialized || offset >= b.size || offset > b.last {
		return false
	}

	word, bit := b.getPos(b.last - offset)
	return b.words[word]&(1<<bit) != 0
}

func (b *BitHistory) String() string {
	return fmt.Sprintf("BitHistory{size: %d, last: %d, initialized: %v}", b.size, b.last, b.initialized)
}

func (b *BitHistory) set(seq uint64) {
	word, bit := b.getPos(seq)
	b.words[word] |= 1 << bit
}

// clear resets positions [from, to].
func (b *BitHistory) clear(from uint64, to uint64) {
	if to-from+1 >= b.ringBits {
		for i := range b.words {
			b.words[i] = 0
		}
		return
	}

	for pos := from; pos <= to; {
		word, bit := b.getPos(pos)
		if bit == 0 && to-pos >= 63 {
			b.words[word] = 0
			pos += 64
			continue
		}

		b.words[word] &^= 1 << bit
		pos++
	}
}

func (b *BitHistory) getPos(seq uint64) (int, uint64) {
	idx := seq % b.ringBits
	return int(idx >> 6), idx & 0x3f
}
