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

package transponder

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
)

// vp8Munger rewrites picture id and TL0PICIDX so that they stay contiguous
// when whole pictures are dropped. Pictures lost upstream keep their gap.
type vp8Munger struct {
	logger logger.Logger

	pictureIdUnwrapper pictureIdUnwrapper

	pictureIdOffset      int64
	lastDroppedPictureId int64
	lastForwardedPicture int64

	tl0PicIdxOffset  uint8
	lastDroppedTl0   int
	lastForwardedTl0 int
}

func newVP8Munger(logger logger.Logger) *vp8Munger {
	return &vp8Munger{
		logger:               logger,
		lastDroppedPictureId: -1,
		lastForwardedPicture: -1,
		lastDroppedTl0:       -1,
		lastForwardedTl0:     -1,
	}
}

// pictureDropped accounts for a dropped packet, once per picture.
func (v *vp8Munger) pictureDropped(extPkt *buffer.ExtPacket) {
	vp8, ok := extPkt.Payload.(buffer.VP8)
	if !ok {
		return
	}

	if vp8.I {
		extPictureId := v.pictureIdUnwrapper.unwrap(vp8.PictureID, vp8.M)
		if extPictureId > v.lastForwardedPicture && extPictureId != v.lastDroppedPictureId {
			v.lastDroppedPictureId = extPictureId
			v.pictureIdOffset++
		}
	}

	if vp8.L && vp8.T && vp8.TID == 0 && int(vp8.TL0PICIDX) != v.lastDroppedTl0 && int(vp8.TL0PICIDX) != v.lastForwardedTl0 {
		v.lastDroppedTl0 = int(vp8.TL0PICIDX)
		v.tl0PicIdxOffset++
	}
}

// munge returns the payload with a rewritten descriptor.
func (v *vp8Munger) munge(extPkt *buffer.ExtPacket) ([]byte, error) {
	vp8, ok := extPkt.Payload.(buffer.VP8)
	if !ok {
		return nil, ErrNotVP8
	}

	payload := extPkt.Packet.Payload
	if !vp8.I && !vp8.L {
		return payload, nil
	}

	munged := vp8
	if vp8.I {
		extPictureId := v.pictureIdUnwrapper.unwrap(vp8.PictureID, vp8.M)
		if extPictureId < v.lastForwardedPicture && extPictureId <= v.lastDroppedPictureId {
			// older than a dropped picture, the offset that applied is unknown
			return nil, ErrOutOfOrderVP8PictureIdCacheMiss
		}
		if extPictureId > v.lastForwardedPicture {
			v.lastForwardedPicture = extPictureId
		}

		pictureId := uint16((extPictureId - v.pictureIdOffset) & 0x7fff)
		munged.PictureID = pictureId
		munged.M = pictureId > 127
		munged.HeaderSize = vp8.HeaderSize + buffer.VPxPictureIdSizeDiff(munged.M, vp8.M)
	}
	if vp8.L {
		munged.TL0PICIDX = vp8.TL0PICIDX - v.tl0PicIdxOffset
		if vp8.T && vp8.TID == 0 {
			v.lastForwardedTl0 = int(vp8.TL0PICIDX)
		}
	}

	buf := make([]byte, munged.HeaderSize+len(payload)-vp8.HeaderSize)
	if err := munged.MarshalTo(buf); err != nil {
		return nil, err
	}
	copy(buf[munged.HeaderSize:], payload[vp8.HeaderSize:])
	return buf, nil
}

// -----------------------------------------------------------

// pictureIdUnwrapper extends 7 or 15 bit picture ids. Senders may move from
// 7 to 15 bits, so the width of the latest id decides how to wrap.
type pictureIdUnwrapper struct {
	started   bool
	lastId    uint16
	extLastId int64
}

func (p *pictureIdUnwrapper) unwrap(pictureId uint16, mBit bool) int64 {
	if !p.started {
		p.started = true
		p.lastId = pictureId
		p.extLastId = int64(pictureId)
		return p.extLastId
	}

	mask := int64(0x7f)
	if mBit {
		mask = 0x7fff
	}

	diff := (int64(pictureId) - int64(p.lastId)) & mask
	if diff > mask/2 {
		// older
		return p.extLastId + diff - (mask + 1)
	}

	p.lastId = pictureId
	p.extLastId += diff
	return p.extLastId
}
