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

const mandatoryFieldsBytes = 3

// ParseDependencyDescriptor parses the header extension payload in buf.
// `structure` is the structure currently in effect for the stream; it is
// ignored when the packet attaches a new one. Returns the number of bytes
// consumed, 0 when the descriptor cannot be parsed.
func ParseDependencyDescriptor(buf []byte, structure *TemplateDependencyStructure) (*DependencyDescriptor, int, error) {
	r := NewBitReader(buf)
	d := &DependencyDescriptor{}

	// mandatory fields
	d.StartOfFrame = r.ReadBool()
	d.EndOfFrame = r.ReadBool()
	d.FrameDependencyTemplateId = int(r.ReadBits(6))
	d.FrameNumber = uint16(r.ReadBits(16))
	if err := r.Error(); err != nil {
		return nil, 0, err
	}

	var (
		activeDecodeTargetsPresent bool
		customDtis                 bool
		customFdiffs               bool
		customChains               bool
	)
	if len(buf) > mandatoryFieldsBytes {
		structurePresent := r.ReadBool()
		activeDecodeTargetsPresent = r.ReadBool()
		customDtis = r.ReadBool()
		customFdiffs = r.ReadBool()
		customChains = r.ReadBool()

		if structurePresent {
			attached, err := ParseTemplateDependencyStructure(r)
			if err != nil {
				return nil, 0, err
			}
			d.AttachedStructure = attached
		}
	}

	if d.AttachedStructure != nil {
		structure = d.AttachedStructure
	}
	if structure == nil {
		return nil, 0, ErrNoStructure
	}

	if activeDecodeTargetsPresent {
		mask := uint32(r.ReadBits(structure.NumDecodeTargets))
		d.ActiveDecodeTargetsBitmask = &mask
	}

	if !structure.ContainsTemplate(d.FrameDependencyTemplateId) {
		return nil, 0, fmt.Errorf("%w: template id %d, structure id %d, templates %d",
			ErrInvalidTemplateIndex, d.FrameDependencyTemplateId, structure.StructureId, len(structure.Templates))
	}

	if customDtis {
		d.CustomDecodeTargetIndications = make([]DecodeTargetIndication, structure.NumDecodeTargets)
		for i := range d.CustomDecodeTargetIndications {
			d.CustomDecodeTargetIndications[i] = DecodeTargetIndication(r.ReadBits(2))
		}
	}

	if customFdiffs {
		d.CustomFrameDiffs = []int{}
		for r.Ok() {
			size := r.ReadBits(2)
			if size == 0 {
				break
			}
			d.CustomFrameDiffs = append(d.CustomFrameDiffs, int(r.ReadBits(int(size)*4))+1)
		}
	}

	if customChains {
		d.CustomFrameDiffsChains = make([]int, structure.NumChains)
		for i := range d.CustomFrameDiffsChains {
			d.CustomFrameDiffsChains[i] = int(r.ReadBits(8))
		}
	}

	if err := r.Error(); err != nil {
		return nil, 0, err
	}
	return d, r.BytesRead(), nil
}

// Serialize encodes the descriptor. `structure` is the structure in effect
// for the stream and is used when no structure is attached.
func (d *DependencyDescriptor) Serialize(structure *TemplateDependencyStructure) ([]byte, error) {
	if d.AttachedStructure != nil {
		structure = d.AttachedStructure
	}
	if structure == nil {
		return nil, ErrNoStructure
	}
	if !structure.ContainsTemplate(d.FrameDependencyTemplateId) {
		return nil, fmt.Errorf("%w: template id %d", ErrInvalidTemplateIndex, d.FrameDependencyTemplateId)
	}
	if d.CustomDecodeTargetIndications != nil && len(d.CustomDecodeTargetIndications) != structure.NumDecodeTargets {
		return nil, ErrNumDTIMismatch
	}
	if d.CustomFrameDiffsChains != nil && len(d.CustomFrameDiffsChains) != structure.NumChains {
		return nil, ErrNumChainDiffsMismatch
	}
	if d.ActiveDecodeTargetsBitmask != nil && uint64(*d.ActiveDecodeTargetsBitmask)>>structure.NumDecodeTargets != 0 {
		return nil, ErrActiveDecodeTargetsNoRoom
	}

	w := NewBitWriter(16)
	w.WriteBool(d.StartOfFrame)
	w.WriteBool(d.EndOfFrame)
	w.WriteBits(uint64(d.FrameDependencyTemplateId), 6)
	w.WriteBits(uint64(d.FrameNumber), 16)

	if d.HasExtendedFields() {
		w.WriteBool(d.AttachedStructure != nil)
		w.WriteBool(d.ActiveDecodeTargetsBitmask != nil)
		w.WriteBool(d.CustomDecodeTargetIndications != nil)
		w.WriteBool(d.CustomFrameDiffs != nil)
		w.WriteBool(d.CustomFrameDiffsChains != nil)

		if d.AttachedStructure != nil {
			if err := d.AttachedStructure.Serialize(w); err != nil {
				return nil, err
			}
		}

		if d.ActiveDecodeTargetsBitmask != nil {
			w.WriteBits(uint64(*d.ActiveDecodeTargetsBitmask), structure.NumDecodeTargets)
		}

		for _, dti := range d.CustomDecodeTargetIndications {
			w.WriteBits(uint64(dti), 2)
		}

		if d.CustomFrameDiffs != nil {
			for _, fdiff := range d.CustomFrameDiffs {
				switch {
				case fdiff >= 1 && fdiff <= 1<<4:
					w.WriteBits(1, 2)
					w.WriteBits(uint64(fdiff-1), 4)
				case fdiff > 1<<4 && fdiff <= 1<<8:
					w.WriteBits(2, 2)
					w.WriteBits(uint64(fdiff-1), 8)
				case fdiff > 1<<8 && fdiff <= 1<<12:
					w.WriteBits(3, 2)
					w.WriteBits(uint64(fdiff-1), 12)
				default:
					return nil, fmt.Errorf("%w: %d", ErrInvalidFrameDiff, fdiff)
				}
			}
			w.WriteBits(0, 2)
		}

		for _, chainDiff := range d.CustomFrameDiffsChains {
			if chainDiff < 0 || chainDiff >= 1<<8 {
				return nil, fmt.Errorf("%w: chain diff %d", ErrInvalidFrameDiff, chainDiff)
			}
			w.WriteBits(uint64(chainDiff), 8)
		}
	}

	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (d *DependencyDescriptor) MarshalSize(structure *TemplateDependencyStructure) (int, error) {
	buf, err := d.Serialize(structure)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}
