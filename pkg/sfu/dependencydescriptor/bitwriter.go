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
	"fmt"
)

var (
	ErrBitWriterInvalidBits = errors.New("bit writer: invalid number of bits, expected 0-64")
	ErrBitWriterValueRange  = errors.New("bit writer: value does not fit")
)

// BitWriter appends bits MSB first to a growing buffer. Like BitReader, the
// first failure is sticky.
type BitWriter struct {
	buf    []byte
	bitLen int
	err    error
}

func NewBitWriter(sizeHint int) *BitWriter {
	return &BitWriter{buf: make([]byte, 0, sizeHint)}
}

func (w *BitWriter) Error() error {
	return w.err
}

func (w *BitWriter) BitsWritten() int {
	return w.bitLen
}

// Bytes returns the written bits, zero padded up to a byte boundary.
func (w *BitWriter) Bytes() []byte {
	return w.buf
}

func (w *BitWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *BitWriter) WriteBits(val uint64, bits int) {
	if w.err != nil {
		return
	}
	if bits < 0 || bits > 64 {
		w.fail(ErrBitWriterInvalidBits)
		return
	}
	if bits < 64 && val>>bits != 0 {
		w.fail(fmt.Errorf("%w: %d in %d bits", ErrBitWriterValueRange, val, bits))
		return
	}

	for bits > 0 {
		bitOffset := w.bitLen & 0x7
		if bitOffset == 0 {
			w.buf = append(w.buf, 0)
		}
		available := 8 - bitOffset
		n := bits
		if n > available {
			n = available
		}

		chunk := byte(val>>(bits-n)) & byte((1<<n)-1)
		w.buf[len(w.buf)-1] |= chunk << (available - n)

		w.bitLen += n
		bits -= n
	}
}

func (w *BitWriter) WriteBool(val bool) {
	if val {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// WriteNonSymmetric writes val in [0, numValues) as ns(numValues), see
// BitReader.ReadNonSymmetric.
func (w *BitWriter) WriteNonSymmetric(val, numValues uint32) {
	if w.err != nil {
		return
	}
	if val >= numValues || numValues > 1<<31 {
		w.fail(fmt.Errorf("%w: ns value %d, num values %d", ErrBitWriterValueRange, val, numValues))
		return
	}
	if numValues == 1 {
		// a single possible value takes no bits
		return
	}

	width := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << width) - numValues
	if val < numMinBitsValues {
		w.WriteBits(uint64(val), width-1)
	} else {
		w.WriteBits(uint64(val+numMinBitsValues), width)
	}
}

func SizeNonSymmetricBits(val, numValues uint32) int {
	if numValues <= 1 {
		return 0
	}
	width := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << width) - numValues
	if val < numMinBitsValues {
		return width - 1
	}
	return width
}
