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

package dependencydescriptor

import (
	"errors"
)

var (
	ErrBitReaderOverrun     = errors.New("bit reader: not enough data")
	ErrBitReaderInvalidBits = errors.New("bit reader: invalid number of bits, expected 0-64")
	ErrBitReaderInvalidNs   = errors.New("bit reader: invalid number of values for non-symmetric read")
)

// BitReader reads MSB first. Once a read fails, the reader stays failed and
// every further read returns zero; check Error after a sequence of reads.
type BitReader struct {
	buf    []byte
	bitPos int
	err    error
}

func NewBitReader(buf []byte) *BitReader {
	return &BitReader{buf: buf}
}

func (r *BitReader) Error() error {
	return r.err
}

func (r *BitReader) Ok() bool {
	return r.err == nil
}

func (r *BitReader) RemainingBits() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf)*8 - r.bitPos
}

// BytesRead returns the number of bytes touched so far, a partially read byte
// counts as read.
func (r *BitReader) BytesRead() int {
	return (r.bitPos + 7) / 8
}

func (r *BitReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// ReadBits returns the next `bits` bits as an unsigned value.
func (r *BitReader) ReadBits(bits int) uint64 {
	if r.err != nil {
		return 0
	}
	if bits < 0 || bits > 64 {
		r.fail(ErrBitReaderInvalidBits)
		return 0
	}
	if r.RemainingBits() < bits {
		r.fail(ErrBitReaderOverrun)
		return 0
	}

	var val uint64
	for bits > 0 {
		byteIdx := r.bitPos >> 3
		bitOffset := r.bitPos & 0x7
		available := 8 - bitOffset
		n := bits
		if n > available {
			n = available
		}

		chunk := (r.buf[byteIdx] >> (available - n)) & byte((1<<n)-1)
		val = val<<n | uint64(chunk)

		r.bitPos += n
		bits -= n
	}
	return val
}

func (r *BitReader) ReadBool() bool {
	return r.ReadBits(1) != 0
}

// ReadNonSymmetric reads a value in [0, numValues) coded as ns(numValues).
// With w = bitwidth(numValues) and k = 2^w - numValues, values below k use
// w-1 bits and the rest are stored as v+k in w bits.
// https://aomediacodec.github.io/av1-spec/#nsn
func (r *BitReader) ReadNonSymmetric(numValues uint32) uint32 {
	if r.err != nil {
		return 0
	}
	if numValues == 0 || numValues > 1<<31 {
		r.fail(ErrBitReaderInvalidNs)
		return 0
	}
	if numValues == 1 {
		return 0
	}

	width := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << width) - numValues

	val := uint32(r.ReadBits(width - 1))
	if val < numMinBitsValues {
		return val
	}
	bit := uint32(r.ReadBits(1))
	if r.err != nil {
		return 0
	}
	return (val << 1) + bit - numMinBitsValues
}

func bitwidth(n uint32) int {
	var w int
	for n != 0 {
		n >>= 1
		w++
	}
	return w
}
