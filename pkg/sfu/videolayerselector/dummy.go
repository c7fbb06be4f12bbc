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

// Dummy forwards everything.
type Dummy struct {
	*Base
}

func NewDummy(logger logger.Logger) *Dummy {
	d := &Dummy{
		Base: NewBase(logger),
	}
	d.waitingForIntra = false
	d.currentLayer = buffer.VideoLayer{Spatial: 0, Temporal: 0}
	return d
}

func (d *Dummy) Select(extPkt *buffer.ExtPacket) VideoLayerSelectorResult {
	return VideoLayerSelectorResult{
		IsSelected: true,
		RTPMarker:  extPkt.GetMark(),
	}
}

func (d *Dummy) GetLayerIds(_ *buffer.ExtPacket) buffer.LayerInfo {
	return buffer.LayerInfo{Spatial: 0, Temporal: 0}
}
