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
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
)

type Base struct {
	logger logger.Logger

	nextSpatial  atomic.Uint32
	nextTemporal atomic.Uint32

	currentLayer    buffer.VideoLayer
	waitingForIntra bool
}

func NewBase(logger logger.Logger) *Base {
	b := &Base{
		logger:          logger,
		currentLayer:    buffer.InvalidLayer,
		waitingForIntra: true,
	}
	// unrestricted until told otherwise
	b.nextSpatial.Store(uint32(buffer.MaxLayerId))
	b.nextTemporal.Store(uint32(buffer.MaxLayerId))
	return b
}

func (b *Base) SelectSpatialLayer(id uint8) {
	if prev := b.nextSpatial.Swap(uint32(id)); prev != uint32(id) {
		b.logger.Debugw("selecting spatial layer", "from", prev, "to", id)
	}
}

func (b *Base) SelectTemporalLayer(id uint8) {
	if prev := b.nextTemporal.Swap(uint32(id)); prev != uint32(id) {
		b.logger.Debugw("selecting temporal layer", "from", prev, "to", id)
	}
}

func (b *Base) getNext() buffer.VideoLayer {
	return buffer.VideoLayer{
		Spatial:  int32(b.nextSpatial.Load()),
		Temporal: int32(b.nextTemporal.Load()),
	}
}

func (b *Base) GetSpatialLayer() uint8 {
	if b.currentLayer.Spatial < 0 {
		return 0
	}
	return uint8(b.currentLayer.Spatial)
}

func (b *Base) GetTemporalLayer() uint8 {
	if b.currentLayer.Temporal < 0 {
		return 0
	}
	return uint8(b.currentLayer.Temporal)
}

func (b *Base) GetCurrent() buffer.VideoLayer {
	return b.currentLayer
}

func (b *Base) IsWaitingForIntra() bool {
	return b.waitingForIntra
}

func (b *Base) GetForwardedDecodeTargets() (uint32, bool) {
	return 0, false
}

func (b *Base) GetLayerIds(extPkt *buffer.ExtPacket) buffer.LayerInfo {
	return extPkt.VideoLayer.LayerInfo()
}
