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
	"errors"

	"github.com/pion/rtp"

	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"

	"github.com/livekit/protocol/logger"
)

// DependencyDescriptorParser parses the dependency descriptor extension of a
// stream and owns its structure cache: the structure in effect and the one it
// replaced, so packets still in flight from before a structure change can be
// resolved.
type DependencyDescriptorParser struct {
	ddExtID           uint8
	logger            logger.Logger
	onMaxLayerChanged func(VideoLayer)

	structure      *dd.TemplateDependencyStructure
	priorStructure *dd.TemplateDependencyStructure
	decodeTargets  []dd.DecodeTargetLayer

	activeDecodeTargets *uint32
	maxLayer            VideoLayer
}

func NewDependencyDescriptorParser(ddExtID uint8, logger logger.Logger, onMaxLayerChanged func(VideoLayer)) *DependencyDescriptorParser {
	logger.Infow("creating dependency descriptor parser", "ddExtID", ddExtID)
	return &DependencyDescriptorParser{
		ddExtID:           ddExtID,
		logger:            logger,
		onMaxLayerChanged: onMaxLayerChanged,
		maxLayer:          InvalidLayer,
	}
}

func (r *DependencyDescriptorParser) Structure() *dd.TemplateDependencyStructure {
	return r.structure
}

func (r *DependencyDescriptorParser) DecodeTargets() []dd.DecodeTargetLayer {
	return r.decodeTargets
}

// Parse returns nil without error when the packet has no descriptor.
func (r *DependencyDescriptorParser) Parse(pkt *rtp.Packet) (*ExtDependencyDescriptor, VideoLayer, error) {
	ddBuf := pkt.GetExtension(r.ddExtID)
	if ddBuf == nil {
		return nil, InvalidLayer, nil
	}

	structure := r.structure
	descriptor, _, err := dd.ParseDependencyDescriptor(ddBuf, structure)
	if errors.Is(err, dd.ErrInvalidTemplateIndex) && r.priorStructure != nil {
		structure = r.priorStructure
		descriptor, _, err = dd.ParseDependencyDescriptor(ddBuf, structure)
	}
	if err != nil {
		return nil, InvalidLayer, err
	}

	extDD := &ExtDependencyDescriptor{
		Descriptor:    descriptor,
		Structure:     structure,
		DecodeTargets: r.decodeTargets,
	}

	if attached := descriptor.AttachedStructure; attached != nil {
		extDD.Structure = attached
		if !attached.Equal(r.structure) {
			r.priorStructure = r.structure
			r.structure = attached
			r.decodeTargets = dd.DecodeTargetLayers(attached)
			r.activeDecodeTargets = nil
			extDD.StructureUpdated = true
			r.logger.Debugw("dependency structure updated", "structure", attached)
		}
		extDD.DecodeTargets = r.decodeTargets
	}

	if mask := descriptor.ActiveDecodeTargetsBitmask; mask != nil && extDD.Structure == r.structure {
		if r.activeDecodeTargets == nil || *r.activeDecodeTargets != *mask {
			active := *mask
			r.activeDecodeTargets = &active
			extDD.ActiveDecodeTargetsUpdated = true
		}
	}

	if extDD.StructureUpdated || extDD.ActiveDecodeTargetsUpdated {
		r.updateMaxLayer()
	}

	fd, err := descriptor.FrameDependencies(extDD.Structure)
	if err != nil {
		return nil, InvalidLayer, err
	}
	return extDD, VideoLayer{Spatial: int32(fd.SpatialId), Temporal: int32(fd.TemporalId)}, nil
}

func (r *DependencyDescriptorParser) updateMaxLayer() {
	maxLayer := InvalidLayer
	for _, dt := range r.decodeTargets {
		if r.activeDecodeTargets != nil && *r.activeDecodeTargets&(1<<dt.Target) == 0 {
			continue
		}
		maxLayer.Spatial = max(maxLayer.Spatial, int32(dt.Spatial))
		maxLayer.Temporal = max(maxLayer.Temporal, int32(dt.Temporal))
	}

	if maxLayer == r.maxLayer {
		return
	}
	r.maxLayer = maxLayer
	r.logger.Debugw("max layer changed", "maxLayer", maxLayer)
	if r.onMaxLayerChanged != nil {
		r.onMaxLayerChanged(maxLayer)
	}
}
