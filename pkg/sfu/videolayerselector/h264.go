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

// H264 has no layers to select, it only holds back everything until the
// first intra frame.
type H264 struct {
	*Base
}

func NewH264(logger logger.Logger) *H264 {
	return &H264{
		Base: NewBase(logger),
	}
}

func (h *H264) Select(extPkt *buffer.ExtPacket) (result VideoLayerSelectorResult) {
	if extPkt.Packet == nil || len(extPkt.Packet.Payload) == 0 {
		return
	}

	if h.waitingForIntra {
		if !extPkt.KeyFrame {
			return
		}
		h.waitingForIntra = false
		h.currentLayer = buffer.VideoLayer{Spatial: 0, Temporal: 0}
		result.IsResuming = true
		h.logger.Debugw("resuming at intra", "sn", extPkt.GetSeqNum())
	}

	result.IsSelected = true
	result.RTPMarker = extPkt.GetMark()
	return
}

func (h *H264) GetLayerIds(_ *buffer.ExtPacket) buffer.LayerInfo {
	return buffer.LayerInfo{Spatial: 0, Temporal: 0}
}
