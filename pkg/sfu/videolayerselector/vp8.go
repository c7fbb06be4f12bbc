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

package videolayerselector

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
)

// VP8 selects temporal layers only. Loss of a base layer picture, seen as a
// gap in TL0PICIDX (or in the picture id without temporal layers), makes it
// wait for the next key frame.
type VP8 struct {
	*Base

	hasLastPicture bool
	lastPictureId  uint16
	lastTL0PicIdx  uint8
}

func NewVP8(logger logger.Logger) *VP8 {
	return &VP8{
		Base: NewBase(logger),
	}
}

func (v *VP8) Select(extPkt *buffer.ExtPacket) (result VideoLayerSelectorResult) {
	vp8, ok := extPkt.Payload.(buffer.VP8)
	if !ok {
		return
	}

	if vp8.S && !extPkt.KeyFrame && v.isBasePictureLost(&vp8) && !v.waitingForIntra {
		v.waitingForIntra = true
		v.logger.Debugw(
			"base layer picture lost, waiting for key frame",
			"pictureId", vp8.PictureID,
			"lastPictureId", v.lastPictureId,
			"tl0PicIdx", vp8.TL0PICIDX,
			"lastTL0PicIdx", v.lastTL0PicIdx,
			"sn", extPkt.GetSeqNum(),
		)
	}

	if v.waitingForIntra {
		if !extPkt.KeyFrame {
			return
		}

		v.waitingForIntra = false
		v.currentLayer = buffer.VideoLayer{Spatial: 0, Temporal: 0}
		result.IsResuming = true
		v.logger.Debugw("resuming at key frame", "sn", extPkt.GetSeqNum())
	}

	if vp8.S {
		v.hasLastPicture = true
		v.lastPictureId = vp8.PictureID
		if vp8.L && (!vp8.T || vp8.TID == 0) {
			v.lastTL0PicIdx = vp8.TL0PICIDX
		}
	}

	tid := int32(0)
	if vp8.T {
		tid = int32(vp8.TID)
	}

	next := v.getNext()
	if next.Temporal > v.currentLayer.Temporal {
		// start of a picture that can be switched up to
		if vp8.S && vp8.Y && tid > v.currentLayer.Temporal && tid <= next.Temporal {
			v.setTemporal(tid, extPkt)
			result.IsSwitching = true
		}
	}

	if tid > v.currentLayer.Temporal {
		return
	}

	result.IsSelected = true
	result.RTPMarker = extPkt.GetMark()

	// down at the end of the picture
	if next.Temporal < v.currentLayer.Temporal && extPkt.GetMark() {
		v.setTemporal(next.Temporal, extPkt)
		result.IsSwitching = true
	}
	return
}

func (v *VP8) setTemporal(tid int32, extPkt *buffer.ExtPacket) {
	v.logger.Debugw("switching temporal layer", "from", v.currentLayer.Temporal, "to", tid, "sn", extPkt.GetSeqNum())
	v.currentLayer.Temporal = tid
}

func (v *VP8) isBasePictureLost(vp8 *buffer.VP8) bool {
	if !v.hasLastPicture {
		return false
	}

	if vp8.L {
		if vp8.T && vp8.TID != 0 {
			return false
		}
		// same index is a repeated start of the last picture
		return vp8.TL0PICIDX-v.lastTL0PicIdx > 1
	}

	if vp8.I && !vp8.T {
		mask := uint16(0x7f)
		if vp8.M {
			mask = 0x7fff
		}
		return (vp8.PictureID-v.lastPictureId)&mask > 1
	}
	return false
}
