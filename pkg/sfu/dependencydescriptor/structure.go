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
	"fmt"
)

type nextLayerIdc int

const (
	sameLayer nextLayerIdc = iota
	nextTemporalLayer
	nextSpatialLayer
	noMoreLayers
	invalidLayer
)

// ParseTemplateDependencyStructure reads template_dependency_structure().
func ParseTemplateDependencyStructure(r *BitReader) (*TemplateDependencyStructure, error) {
	s := &TemplateDependencyStructure{}
	s.StructureId = int(r.ReadBits(6))
	s.NumDecodeTargets = int(r.ReadBits(5)) + 1

	if err := readTemplateLayers(r, s); err != nil {
		return nil, err
	}
	readTemplateDtis(r, s)
	readTemplateFdiffs(r, s)
	if err := readTemplateChains(r, s); err != nil {
		return nil, err
	}
	if r.ReadBool() {
		readResolutions(r, s)
	}

	if err := r.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

func readTemplateLayers(r *BitReader, s *TemplateDependencyStructure) error {
	temporalId, spatialId := 0, 0
	for {
		if len(s.Templates) == MaxTemplates {
			return ErrTooManyTemplates
		}
		s.Templates = append(s.Templates, &FrameDependencyTemplate{
			SpatialId:  spatialId,
			TemporalId: temporalId,
		})

		switch nextLayerIdc(r.ReadBits(2)) {
		case nextTemporalLayer:
			temporalId++
			if temporalId >= MaxTemporalIds {
				return ErrTooManyTemporalLayers
			}
		case nextSpatialLayer:
			spatialId++
			temporalId = 0
			if spatialId >= MaxSpatialIds {
				return ErrTooManySpatialLayers
			}
		case noMoreLayers:
			return r.Error()
		}

		if !r.Ok() {
			return r.Error()
		}
	}
}

func readTemplateDtis(r *BitReader, s *TemplateDependencyStructure) {
	for _, t := range s.Templates {
		t.DecodeTargetIndications = make([]DecodeTargetIndication, s.NumDecodeTargets)
		for i := range t.DecodeTargetIndications {
			t.DecodeTargetIndications[i] = DecodeTargetIndication(r.ReadBits(2))
		}
	}
}

func readTemplateFdiffs(r *BitReader, s *TemplateDependencyStructure) {
	for _, t := range s.Templates {
		t.FrameDiffs = []int{}
		for r.ReadBool() {
			t.FrameDiffs = append(t.FrameDiffs, int(r.ReadBits(4))+1)
		}
	}
}

func readTemplateChains(r *BitReader, s *TemplateDependencyStructure) error {
	s.NumChains = int(r.ReadNonSymmetric(uint32(s.NumDecodeTargets) + 1))
	for _, t := range s.Templates {
		t.ChainDiffs = []int{}
	}
	if s.NumChains == 0 {
		return r.Error()
	}

	s.DecodeTargetProtectedByChain = make([]int, s.NumDecodeTargets)
	for i := range s.DecodeTargetProtectedByChain {
		s.DecodeTargetProtectedByChain[i] = int(r.ReadNonSymmetric(uint32(s.NumChains)))
	}

	for _, t := range s.Templates {
		t.ChainDiffs = make([]int, s.NumChains)
		for i := range t.ChainDiffs {
			t.ChainDiffs[i] = int(r.ReadBits(4))
		}
	}
	return r.Error()
}

func readResolutions(r *BitReader, s *TemplateDependencyStructure) {
	numSpatialLayers := s.NumSpatialLayers()
	s.Resolutions = make([]RenderResolution, numSpatialLayers)
	for sid := range s.Resolutions {
		s.Resolutions[sid] = RenderResolution{
			Width:  int(r.ReadBits(16)) + 1,
			Height: int(r.ReadBits(16)) + 1,
		}
	}
}

// ------------------------------------------------------------------

// Validate checks that the structure can be put on the wire.
func (s *TemplateDependencyStructure) Validate() error {
	if s.StructureId < 0 || s.StructureId >= MaxTemplates {
		return fmt.Errorf("%w: %d", ErrInvalidStructureId, s.StructureId)
	}
	if s.NumDecodeTargets <= 0 || s.NumDecodeTargets > MaxDecodeTargets {
		return fmt.Errorf("%w: %d", ErrInvalidDecodeTargets, s.NumDecodeTargets)
	}
	if len(s.Templates) == 0 || len(s.Templates) > MaxTemplates {
		return fmt.Errorf("%w: %d", ErrTooManyTemplates, len(s.Templates))
	}
	if s.Templates[0].SpatialId != 0 || s.Templates[0].TemporalId != 0 {
		return fmt.Errorf("%w: first template is S%dT%d", ErrInvalidNextLayer, s.Templates[0].SpatialId, s.Templates[0].TemporalId)
	}
	for i := 1; i < len(s.Templates); i++ {
		if getNextLayerIdc(s.Templates[i-1], s.Templates[i]) == invalidLayer {
			return fmt.Errorf("%w: template %d", ErrInvalidNextLayer, i)
		}
	}
	if s.NumChains < 0 || s.NumChains > s.NumDecodeTargets {
		return fmt.Errorf("%w: num chains %d", ErrInvalidChain, s.NumChains)
	}
	if s.NumChains > 0 {
		if len(s.DecodeTargetProtectedByChain) != s.NumDecodeTargets {
			return fmt.Errorf("%w: protected by chain length %d", ErrInvalidChain, len(s.DecodeTargetProtectedByChain))
		}
		for _, chain := range s.DecodeTargetProtectedByChain {
			if chain < 0 || chain >= s.NumChains {
				return fmt.Errorf("%w: protected by chain %d", ErrInvalidChain, chain)
			}
		}
	}
	for i, t := range s.Templates {
		if len(t.DecodeTargetIndications) != s.NumDecodeTargets {
			return fmt.Errorf("%w: template %d", ErrNumDTIMismatch, i)
		}
		if len(t.ChainDiffs) != s.NumChains {
			return fmt.Errorf("%w: template %d", ErrNumChainDiffsMismatch, i)
		}
		for _, fdiff := range t.FrameDiffs {
			if fdiff < 1 || fdiff > 1<<4 {
				return fmt.Errorf("%w: template %d, fdiff %d", ErrInvalidFrameDiff, i, fdiff)
			}
		}
		for _, chainDiff := range t.ChainDiffs {
			if chainDiff < 0 || chainDiff >= 1<<4 {
				return fmt.Errorf("%w: template %d, chain diff %d", ErrInvalidFrameDiff, i, chainDiff)
			}
		}
	}
	if len(s.Resolutions) != 0 {
		if len(s.Resolutions) != s.NumSpatialLayers() {
			return ErrResolutionsMismatch
		}
		for _, res := range s.Resolutions {
			if res.Width < 1 || res.Width > 1<<16 || res.Height < 1 || res.Height > 1<<16 {
				return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, res.Width, res.Height)
			}
		}
	}
	return nil
}

// Serialize writes template_dependency_structure().
func (s *TemplateDependencyStructure) Serialize(w *BitWriter) error {
	if err := s.Validate(); err != nil {
		return err
	}

	w.WriteBits(uint64(s.StructureId), 6)
	w.WriteBits(uint64(s.NumDecodeTargets-1), 5)

	// template layers
	for i := 1; i < len(s.Templates); i++ {
		w.WriteBits(uint64(getNextLayerIdc(s.Templates[i-1], s.Templates[i])), 2)
	}
	w.WriteBits(uint64(noMoreLayers), 2)

	// dtis
	for _, t := range s.Templates {
		for _, dti := range t.DecodeTargetIndications {
			w.WriteBits(uint64(dti), 2)
		}
	}

	// fdiffs
	for _, t := range s.Templates {
		for _, fdiff := range t.FrameDiffs {
			w.WriteBool(true)
			w.WriteBits(uint64(fdiff-1), 4)
		}
		w.WriteBool(false)
	}

	// chains
	w.WriteNonSymmetric(uint32(s.NumChains), uint32(s.NumDecodeTargets+1))
	if s.NumChains > 0 {
		for _, protectedBy := range s.DecodeTargetProtectedByChain {
			w.WriteNonSymmetric(uint32(protectedBy), uint32(s.NumChains))
		}
		for _, t := range s.Templates {
			for _, chainDiff := range t.ChainDiffs {
				w.WriteBits(uint64(chainDiff), 4)
			}
		}
	}

	// resolutions
	w.WriteBool(len(s.Resolutions) > 0)
	for _, res := range s.Resolutions {
		w.WriteBits(uint64(res.Width-1), 16)
		w.WriteBits(uint64(res.Height-1), 16)
	}

	return w.Error()
}

func getNextLayerIdc(prev, next *FrameDependencyTemplate) nextLayerIdc {
	switch {
	case next.SpatialId == prev.SpatialId && next.TemporalId == prev.TemporalId:
		return sameLayer
	case next.SpatialId == prev.SpatialId && next.TemporalId == prev.TemporalId+1:
		return nextTemporalLayer
	case next.SpatialId == prev.SpatialId+1 && next.TemporalId == 0:
		return nextSpatialLayer
	default:
		return invalidLayer
	}
}
