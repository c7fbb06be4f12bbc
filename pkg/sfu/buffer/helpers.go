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

package buffer

import (
	"github.com/pion/rtp/codecs"
)

// VP8 is a helper to get temporal data from VP8 packet header
/*
	VP8 Payload Descriptor
			0 1 2 3 4 5 6 7                      0 1 2 3 4 5 6 7
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
			|X|R|N|S|R| PID | (REQUIRED)        |X|R|N|S|R| PID | (REQUIRED)
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
		X:  |I|L|T|K| RSV   | (OPTIONAL)   X:   |I|L|T|K| RSV   | (OPTIONAL)
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
		I:  |M| PictureID   | (OPTIONAL)   I:   |M| PictureID   | (OPTIONAL)
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
		L:  |   TL0PICIDX   | (OPTIONAL)        |   PictureID   |
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
		T/K:|TID|Y| KEYIDX  | (OPTIONAL)   L:   |   TL0PICIDX   | (OPTIONAL)
			+-+-+-+-+-+-+-+-+                   +-+-+-+-+-+-+-+-+
		T/K:|TID|Y| KEYIDX  | (OPTIONAL)
			+-+-+-+-+-+-+-+-+
*/
type VP8 struct {
	FirstByte byte
	S         bool

	I         bool
	M         bool
	PictureID uint16 /* 7 or 15 bits, picture ID */

	L         bool
	TL0PICIDX uint8 /* 8 bits temporal level zero index */

	// If either of the T or K bits are set, the TID/Y/KEYIDX byte is present.
	T   bool
	TID uint8 /* 2 bits temporal layer idx */
	Y   bool

	K      bool
	KEYIDX uint8 /* 5 bits of key frame idx */

	HeaderSize int

	IsKeyFrame bool
}

// Unmarshal parses the payload descriptor at the start of payload.
func (v *VP8) Unmarshal(payload []byte) error {
	if payload == nil {
		return errNilPacket
	}

	*v = VP8{}
	idx := 0
	next := func() (byte, error) {
		if idx >= len(payload) {
			return 0, errShortPacket
		}
		b := payload[idx]
		idx++
		return b, nil
	}

	b, err := next()
	if err != nil {
		return err
	}
	v.FirstByte = b
	v.S = b&0x10 != 0

	if b&0x80 != 0 {
		x, err := next()
		if err != nil {
			return err
		}
		v.I = x&0x80 != 0
		v.L = x&0x40 != 0
		v.T = x&0x20 != 0
		v.K = x&0x10 != 0
		if v.L && !v.T {
			return errInvalidPacket
		}

		if v.I {
			pid, err := next()
			if err != nil {
				return err
			}
			v.M = pid&0x80 != 0
			if v.M {
				low, err := next()
				if err != nil {
					return err
				}
				v.PictureID = uint16(pid&0x7f)<<8 | uint16(low)
			} else {
				v.PictureID = uint16(pid)
			}
		}

		if v.L {
			if v.TL0PICIDX, err = next(); err != nil {
				return err
			}
		}

		if v.T || v.K {
			tk, err := next()
			if err != nil {
				return err
			}
			if v.T {
				v.TID = tk >> 6
				v.Y = tk&0x20 != 0
			}
			if v.K {
				v.KEYIDX = tk & 0x1f
			}
		}
	}
	v.HeaderSize = idx

	// P bit of the VP8 payload header is clear on key frames
	if idx >= len(payload) {
		return errShortPacket
	}
	v.IsKeyFrame = v.S && payload[idx]&0x01 == 0
	return nil
}

func (v *VP8) Marshal() ([]byte, error) {
	buf := make([]byte, v.HeaderSize)
	err := v.MarshalTo(buf)
	return buf, err
}

// MarshalTo writes the descriptor into buf, which must hold at least
// HeaderSize bytes. The picture id is written in the width given by M.
func (v *VP8) MarshalTo(buf []byte) error {
	if len(buf) < v.HeaderSize {
		return errShortPacket
	}

	if !v.I && !v.L && !v.T && !v.K {
		buf[0] = v.FirstByte &^ 0x80
		return nil
	}

	buf[0] = v.FirstByte | 0x80
	x := byte(0)
	idx := 2
	if v.I {
		x |= 0x80
		if v.M {
			buf[idx] = 0x80 | byte(v.PictureID>>8)&0x7f
			buf[idx+1] = byte(v.PictureID)
			idx += 2
		} else {
			buf[idx] = byte(v.PictureID) & 0x7f
			idx++
		}
	}

	if v.L {
		x |= 0x40
		buf[idx] = v.TL0PICIDX
		idx++
	}

	if v.T || v.K {
		tk := byte(0)
		if v.T {
			x |= 0x20
			tk = v.TID << 6
			if v.Y {
				tk |= 0x20
			}
		}
		if v.K {
			x |= 0x10
			tk |= v.KEYIDX & 0x1f
		}
		buf[idx] = tk
	}
	buf[1] = x
	return nil
}

// -------------------------------------

func VPxPictureIdSizeDiff(mBit1 bool, mBit2 bool) int {
	if mBit1 == mBit2 {
		return 0
	}

	if mBit1 {
		return 1
	}

	return -1
}

// -------------------------------------

const (
	h264NaluIDR   = 5
	h264NaluSPS   = 7
	h264NaluSTAPA = 24
	h264NaluFUA   = 28
)

func isH264IntraNalu(naluType byte) bool {
	return naluType == h264NaluIDR || naluType == h264NaluSPS
}

// IsH264KeyFrame reports whether the payload carries an IDR slice or a
// sequence parameter set, either as a single NAL unit, inside a STAP-A or at
// the start of a FU-A.
func IsH264KeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	naluType := payload[0] & 0x1f
	switch {
	case naluType >= 1 && naluType < h264NaluSTAPA:
		return isH264IntraNalu(naluType)

	case naluType == h264NaluSTAPA:
		for idx := 1; idx+2 <= len(payload); {
			size := int(payload[idx])<<8 | int(payload[idx+1])
			idx += 2
			if size == 0 || idx+size > len(payload) {
				return false
			}
			if isH264IntraNalu(payload[idx] & 0x1f) {
				return true
			}
			idx += size
		}

	case naluType == h264NaluFUA:
		if len(payload) < 2 || payload[1]&0x80 == 0 {
			// not a starting fragment
			return false
		}
		return isH264IntraNalu(payload[1] & 0x1f)
	}
	return false
}

// -------------------------------------

// IsVP9KeyFrame reports whether the parsed descriptor starts a non inter
// predicted base layer frame.
func IsVP9KeyFrame(vp9 *codecs.VP9Packet) bool {
	if vp9 == nil || vp9.P || !vp9.B {
		return false
	}
	return !vp9.L || vp9.SID == 0
}

// -------------------------------------

const (
	av1ObuSequenceHeader = 1
)

// IsAV1KeyFrame detects the first packet of a coded video sequence: the
// aggregation header has Z=0 and N=1 and the first OBU is a sequence header.
func IsAV1KeyFrame(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	if payload[0]&0x88 != 0x08 {
		return false
	}

	idx := 1
	if w := (payload[0] >> 4) & 0x3; w != 1 {
		// first element carries a leb128 length
		for {
			if idx >= len(payload) {
				return false
			}
			b := payload[idx]
			idx++
			if b&0x80 == 0 {
				break
			}
		}
	}
	if idx >= len(payload) {
		return false
	}
	return (payload[idx]>>3)&0xf == av1ObuSequenceHeader
}
