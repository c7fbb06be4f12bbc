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
	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"
	"github.com/livekit/svc-forwarder/pkg/sfu/utils"
)

const (
	forwardedFramesHistory = 256
)

// DependencyDescriptor selects whole frames using the dependency descriptor.
// The decision for a frame is taken at its first packet and applied to the
// rest of its packets.
type DependencyDescriptor struct {
	*Base

	frameNumberExtender *utils.WrapExtender[uint16]
	forwardedFrames     *utils.BitHistory

	started      bool
	currentFrame uint64

	structure           *dd.TemplateDependencyStructure
	decodeTargets       []dd.DecodeTargetLayer
	activeDecodeTargets uint32

	currentDecodeTarget int
}

func NewDependencyDescriptor(logger logger.Logger) *DependencyDescriptor {
	return &DependencyDescriptor{
		Base:                NewBase(logger),
		frameNumberExtender: utils.NewWrapExtender[uint16](),
		forwardedFrames:     utils.NewBitHistory(forwardedFramesHistory),
	}
}

func (d *DependencyDescriptor) Select(extPkt *buffer.ExtPacket) (result VideoLayerSelectorResult) {
	descriptor := extPkt.GetDependencyDescriptor()
	if descriptor == nil {
		d.logger.Debugw("dropping packet without dependency descriptor", "sn", extPkt.GetSeqNum())
		return
	}

	structure := extPkt.GetTemplateDependencyStructure()
	if structure == nil {
		d.logger.Debugw("dropping packet without dependency structure", "sn", extPkt.GetSeqNum())
		return
	}

	if !d.started && (!descriptor.StartOfFrame || descriptor.AttachedStructure == nil) {
		// cannot start without the structure
		d.logger.Debugw(
			"dropping packet before start",
			"sn", extPkt.GetSeqNum(),
			"startOfFrame", descriptor.StartOfFrame,
			"hasStructure", descriptor.AttachedStructure != nil,
		)
		return
	}

	if attached := descriptor.AttachedStructure; attached != nil && !attached.Equal(d.structure) {
		d.updateStructure(attached)
	}
	if mask, ok := descriptor.ActiveDecodeTargets(); ok {
		d.activeDecodeTargets = mask
	}

	template, err := structure.GetTemplate(descriptor.FrameDependencyTemplateId)
	if err != nil {
		d.logger.Warnw("dropping packet with unknown template", err, "sn", extPkt.GetSeqNum())
		return
	}

	extFrame := d.frameNumberExtender.Extend(descriptor.FrameNumber)
	if d.started && extFrame <= d.currentFrame {
		// already decided
		if d.forwardedFrames.Contains(extFrame) {
			result.IsSelected = true
			result.RTPMarker = d.getMarker(extPkt, descriptor, template)
		}
		return
	}

	if !descriptor.StartOfFrame {
		// missed the start of this frame, none of it is usable
		return
	}

	d.started = true
	d.currentFrame = extFrame

	dtis := descriptor.EffectiveDecodeTargetIndications(template)
	frameDiffs := descriptor.EffectiveFrameDiffs(template)
	chainDiffs := descriptor.EffectiveFrameDiffsChains(template)

	previousDecodeTarget := d.currentDecodeTarget
	defer func() {
		if d.currentDecodeTarget != previousDecodeTarget {
			result.IsSwitching = true
			d.logger.Debugw(
				"switching decode target",
				"from", previousDecodeTarget,
				"to", d.currentDecodeTarget,
				"layer", d.currentLayer,
				"frame", extFrame,
			)
		}
	}()

	desired := d.desiredDecodeTarget()
	if desired < d.currentDecodeTarget {
		// previous frame has ended, lower target applies from here
		d.setDecodeTarget(desired)
	} else if desired > d.currentDecodeTarget {
		for dt := desired; dt > d.currentDecodeTarget; dt-- {
			if dt < len(dtis) && dtis[dt] == dd.DecodeTargetSwitch && d.isChainIntact(structure, dt, extFrame, chainDiffs) {
				d.setDecodeTarget(dt)
				break
			}
		}
	}

	if d.waitingForIntra {
		if len(frameDiffs) != 0 {
			return
		}
		d.waitingForIntra = false
		result.IsResuming = true
		d.logger.Debugw("resuming at intra frame", "frame", extFrame, "decodeTarget", d.currentDecodeTarget)
	}

	if !d.isChainIntact(structure, d.currentDecodeTarget, extFrame, chainDiffs) {
		fallback := -1
		for dt := d.currentDecodeTarget - 1; dt >= 0; dt-- {
			if d.isChainIntact(structure, dt, extFrame, chainDiffs) {
				fallback = dt
				break
			}
		}
		if fallback < 0 {
			d.waitingForIntra = true
			d.logger.Debugw("chain broken, waiting for intra frame", "frame", extFrame, "decodeTarget", d.currentDecodeTarget)
			return
		}
		d.setDecodeTarget(fallback)
	}

	if d.currentDecodeTarget >= len(dtis) {
		d.logger.Warnw(
			"decode target out of range", nil,
			"decodeTarget", d.currentDecodeTarget,
			"dtis", len(dtis),
			"frame", extFrame,
		)
		return
	}
	if dtis[d.currentDecodeTarget] == dd.DecodeTargetNotPresent {
		return
	}

	for _, fdiff := range frameDiffs {
		if !d.isFrameForwarded(extFrame, fdiff) {
			return
		}
	}

	d.forwardedFrames.Add(extFrame)
	result.IsSelected = true
	result.RTPMarker = d.getMarker(extPkt, descriptor, template)
	return
}

func (d *DependencyDescriptor) GetForwardedDecodeTargets() (uint32, bool) {
	if !d.started || d.currentDecodeTarget >= len(d.decodeTargets)-1 {
		return 0, false
	}
	return uint32(1)<<(d.currentDecodeTarget+1) - 1, true
}

func (d *DependencyDescriptor) GetLayerIds(extPkt *buffer.ExtPacket) buffer.LayerInfo {
	descriptor := extPkt.GetDependencyDescriptor()
	structure := extPkt.GetTemplateDependencyStructure()
	if descriptor == nil || structure == nil {
		return buffer.InvalidLayer.LayerInfo()
	}

	template, err := structure.GetTemplate(descriptor.FrameDependencyTemplateId)
	if err != nil {
		return buffer.InvalidLayer.LayerInfo()
	}
	return buffer.LayerInfo{Spatial: uint8(template.SpatialId), Temporal: uint8(template.TemporalId)}
}

func (d *DependencyDescriptor) updateStructure(structure *dd.TemplateDependencyStructure) {
	d.structure = structure
	d.decodeTargets = dd.DecodeTargetLayers(structure)
	d.activeDecodeTargets = structure.AllDecodeTargetsBitmask()
	if d.currentDecodeTarget >= len(d.decodeTargets) {
		d.setDecodeTarget(0)
	} else {
		d.setDecodeTarget(d.currentDecodeTarget)
	}
	d.logger.Debugw("dependency structure updated", "decodeTargets", d.decodeTargets)
}

// desiredDecodeTarget is the highest active decode target within the
// selected layers, the base one when none is.
func (d *DependencyDescriptor) desiredDecodeTarget() int {
	next := d.getNext()
	for dt := len(d.decodeTargets) - 1; dt >= 0; dt-- {
		layer := d.decodeTargets[dt]
		if layer.Spatial < 0 || d.activeDecodeTargets&(1<<dt) == 0 {
			continue
		}
		if int32(layer.Spatial) <= next.Spatial && int32(layer.Temporal) <= next.Temporal {
			return dt
		}
	}
	return 0
}

func (d *DependencyDescriptor) setDecodeTarget(dt int) {
	d.currentDecodeTarget = dt
	if dt < len(d.decodeTargets) && d.decodeTargets[dt].Spatial >= 0 {
		d.currentLayer = buffer.VideoLayer{
			Spatial:  int32(d.decodeTargets[dt].Spatial),
			Temporal: int32(d.decodeTargets[dt].Temporal),
		}
	} else {
		d.currentLayer = buffer.VideoLayer{Spatial: 0, Temporal: 0}
	}
}

func (d *DependencyDescriptor) isChainIntact(structure *dd.TemplateDependencyStructure, dt int, extFrame uint64, chainDiffs []int) bool {
	if structure.NumChains == 0 {
		return true
	}
	if dt >= len(structure.DecodeTargetProtectedByChain) {
		return false
	}

	chain := structure.DecodeTargetProtectedByChain[dt]
	if chain >= len(chainDiffs) {
		return false
	}
	if chainDiffs[chain] == 0 {
		return true
	}
	return d.isFrameForwarded(extFrame, chainDiffs[chain])
}

func (d *DependencyDescriptor) isFrameForwarded(extFrame uint64, diff int) bool {
	if diff <= 0 || uint64(diff) > extFrame {
		return false
	}
	return d.forwardedFrames.Contains(extFrame - uint64(diff))
}

func (d *DependencyDescriptor) getMarker(extPkt *buffer.ExtPacket, descriptor *dd.DependencyDescriptor, template *dd.FrameDependencyTemplate) bool {
	return extPkt.GetMark() || (descriptor.EndOfFrame && int32(template.SpatialId) == d.currentLayer.Spatial)
}
