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
	"github.com/pion/rtp/codecs"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
)

type VP9 struct {
	*Base
}

func NewVP9(logger logger.Logger) *VP9 {
	return &VP9{
		Base: NewBase(logger),
	}
}

func (v *VP9) Select(extPkt *buffer.ExtPacket) (result VideoLayerSelectorResult) {
	vp9, ok := extPkt.Payload.(codecs.VP9Packet)
	if !ok {
		return
	}

	if !v.currentLayer.IsValid() {
		if !extPkt.KeyFrame {
			return
		}

		v.currentLayer = buffer.VideoLayer{Spatial: 0, Temporal: 0}
		v.waitingForIntra = false
		result.IsResuming = true
		v.logger.Debugw("resuming at key frame", "layer", extPkt.VideoLayer, "sn", extPkt.GetSeqNum())
	}

	next := v.getNext()
	updatedLayer := v.currentLayer

	// temporal scale up/down
	if next.Temporal > v.currentLayer.Temporal {
		if vp9.U && vp9.B && extPkt.VideoLayer.Temporal > v.currentLayer.Temporal && extPkt.VideoLayer.Temporal <= next.Temporal {
			updatedLayer.Temporal = extPkt.VideoLayer.Temporal
		}
	} else if next.Temporal < v.currentLayer.Temporal {
		// only at the end of a layer frame so the marker can be set
		if vp9.E && extPkt.VideoLayer.Temporal < v.currentLayer.Temporal && extPkt.VideoLayer.Temporal >= next.Temporal {
			updatedLayer.Temporal = extPkt.VideoLayer.Temporal
		}
	}

	// spatial scale up/down
	if next.Spatial > v.currentLayer.Spatial {
		if !vp9.P && vp9.B && extPkt.VideoLayer.Spatial > v.currentLayer.Spatial && extPkt.VideoLayer.Spatial <= next.Spatial {
			updatedLayer.Spatial = extPkt.VideoLayer.Spatial
		}
	} else if next.Spatial < v.currentLayer.Spatial {
		if vp9.E && extPkt.VideoLayer.Spatial < v.currentLayer.Spatial && extPkt.VideoLayer.Spatial >= next.Spatial {
			updatedLayer.Spatial = extPkt.VideoLayer.Spatial
		}
	}

	if updatedLayer != v.currentLayer {
		v.logger.Debugw(
			"switching layer",
			"current", v.currentLayer,
			"updated", updatedLayer,
			"next", next,
			"layer", extPkt.VideoLayer,
			"sn", extPkt.GetSeqNum(),
		)
		v.currentLayer = updatedLayer
		result.IsSwitching = true
	}

	if extPkt.VideoLayer.Temporal > v.currentLayer.Temporal || extPkt.VideoLayer.Spatial > v.currentLayer.Spatial {
		return
	}

	result.IsSelected = true
	result.RTPMarker = extPkt.GetMark() || (vp9.E && extPkt.VideoLayer.Spatial == v.currentLayer.Spatial)
	return
}
