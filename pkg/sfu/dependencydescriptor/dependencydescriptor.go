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
	"slices"
	"strconv"
	"strings"
)

const (
	MaxSpatialIds    = 4
	MaxTemporalIds   = 8
	MaxDecodeTargets = 32
	MaxTemplates     = 64

	ExtensionURI = "https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension"
)

// Relationship of a frame to a decode target.
type DecodeTargetIndication int

const (
	DecodeTargetNotPresent  DecodeTargetIndication = iota // '-'
	DecodeTargetDiscardable                               // 'D'
	DecodeTargetSwitch                                    // 'S'
	DecodeTargetRequired                                  // 'R'
)

func (i DecodeTargetIndication) String() string {
	switch i {
	case DecodeTargetNotPresent:
		return "-"
	case DecodeTargetDiscardable:
		return "D"
	case DecodeTargetSwitch:
		return "S"
	case DecodeTargetRequired:
		return "R"
	default:
		return "Unknown"
	}
}

// ParseDecodeTargetIndications converts the compact notation used in the AV1
// RTP spec examples ("SSR-D") into indications. Unknown symbols map to
// DecodeTargetNotPresent.
func ParseDecodeTargetIndications(s string) []DecodeTargetIndication {
	dtis := make([]DecodeTargetIndication, 0, len(s))
	for _, c := range s {
		switch c {
		case 'D':
			dtis = append(dtis, DecodeTargetDiscardable)
		case 'S':
			dtis = append(dtis, DecodeTargetSwitch)
		case 'R':
			dtis = append(dtis, DecodeTargetRequired)
		default:
			dtis = append(dtis, DecodeTargetNotPresent)
		}
	}
	return dtis
}

func formatDecodeTargetIndications(dtis []DecodeTargetIndication) string {
	var sb strings.Builder
	for _, dti := range dtis {
		sb.WriteString(dti.String())
	}
	return sb.String()
}

// ------------------------------------------------------------------

type RenderResolution struct {
	Width  int
	Height int
}

// ------------------------------------------------------------------

type FrameDependencyTemplate struct {
	SpatialId               int
	TemporalId              int
	DecodeTargetIndications []DecodeTargetIndication
	FrameDiffs              []int
	ChainDiffs              []int
}

func (t *FrameDependencyTemplate) Clone() *FrameDependencyTemplate {
	return &FrameDependencyTemplate{
		SpatialId:               t.SpatialId,
		TemporalId:              t.TemporalId,
		DecodeTargetIndications: slices.Clone(t.DecodeTargetIndications),
		FrameDiffs:              slices.Clone(t.FrameDiffs),
		ChainDiffs:              slices.Clone(t.ChainDiffs),
	}
}

func (t *FrameDependencyTemplate) Equal(other *FrameDependencyTemplate) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.SpatialId == other.SpatialId &&
		t.TemporalId == other.TemporalId &&
		slices.Equal(t.DecodeTargetIndications, other.DecodeTargetIndications) &&
		slices.Equal(t.FrameDiffs, other.FrameDiffs) &&
		slices.Equal(t.ChainDiffs, other.ChainDiffs)
}

func (t *FrameDependencyTemplate) String() string {
	return fmt.Sprintf("FrameDependencyTemplate{S%dT%d, dtis: %s, fdiffs: %v, chains: %v}",
		t.SpatialId, t.TemporalId, formatDecodeTargetIndications(t.DecodeTargetIndications), t.FrameDiffs, t.ChainDiffs)
}

// ------------------------------------------------------------------

type TemplateDependencyStructure struct {
	// template id of Templates[0]
	StructureId      int
	NumDecodeTargets int
	NumChains        int
	// If chains are used (NumChains > 0), maps decode target index into index of
	// the chain protecting that target.
	DecodeTargetProtectedByChain []int
	Resolutions                  []RenderResolution
	Templates                    []*FrameDependencyTemplate
}

// TemplateIndex maps a wire template id to an index into Templates.
func (s *TemplateDependencyStructure) TemplateIndex(templateId int) (int, bool) {
	if templateId < 0 || templateId >= MaxTemplates {
		return 0, false
	}
	idx := (templateId + MaxTemplates - s.StructureId) % MaxTemplates
	if idx >= len(s.Templates) {
		return 0, false
	}
	return idx, true
}

func (s *TemplateDependencyStructure) ContainsTemplate(templateId int) bool {
	_, ok := s.TemplateIndex(templateId)
	return ok
}

func (s *TemplateDependencyStructure) GetTemplate(templateId int) (*FrameDependencyTemplate, error) {
	idx, ok := s.TemplateIndex(templateId)
	if !ok {
		return nil, fmt.Errorf("%w: template id %d, structure id %d, templates %d", ErrInvalidTemplateIndex, templateId, s.StructureId, len(s.Templates))
	}
	return s.Templates[idx], nil
}

func (s *TemplateDependencyStructure) NumSpatialLayers() int {
	if len(s.Templates) == 0 {
		return 0
	}
	// templates are ordered by spatial id
	return s.Templates[len(s.Templates)-1].SpatialId + 1
}

func (s *TemplateDependencyStructure) AllDecodeTargetsBitmask() uint32 {
	return uint32((uint64(1) << s.NumDecodeTargets) - 1)
}

func (s *TemplateDependencyStructure) Clone() *TemplateDependencyStructure {
	c := &TemplateDependencyStructure{
		StructureId:                  s.StructureId,
		NumDecodeTargets:             s.NumDecodeTargets,
		NumChains:                    s.NumChains,
		DecodeTargetProtectedByChain: slices.Clone(s.DecodeTargetProtectedByChain),
		Resolutions:                  slices.Clone(s.Resolutions),
	}
	for _, t := range s.Templates {
		c.Templates = append(c.Templates, t.Clone())
	}
	return c
}

func (s *TemplateDependencyStructure) Equal(other *TemplateDependencyStructure) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.StructureId != other.StructureId ||
		s.NumDecodeTargets != other.NumDecodeTargets ||
		s.NumChains != other.NumChains ||
		!slices.Equal(s.DecodeTargetProtectedByChain, other.DecodeTargetProtectedByChain) ||
		!slices.Equal(s.Resolutions, other.Resolutions) ||
		len(s.Templates) != len(other.Templates) {
		return false
	}
	for i := range s.Templates {
		if !s.Templates[i].Equal(other.Templates[i]) {
			return false
		}
	}
	return true
}

func (s *TemplateDependencyStructure) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TemplateDependencyStructure{StructureId: %d, NumDecodeTargets: %d, NumChains: %d, DecodeTargetProtectedByChain: %v, Resolutions: %+v, Templates: [",
		s.StructureId, s.NumDecodeTargets, s.NumChains, s.DecodeTargetProtectedByChain, s.Resolutions)
	for i, t := range s.Templates {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.String())
	}
	sb.WriteString("]}")
	return sb.String()
}

// ------------------------------------------------------------------

// DependencyDescriptor is the per packet header extension. The Custom* fields
// are nil unless the packet overrides the referenced template for this frame;
// an empty non-nil slice is a valid override.
type DependencyDescriptor struct {
	StartOfFrame              bool
	EndOfFrame                bool
	FrameDependencyTemplateId int
	FrameNumber               uint16

	AttachedStructure          *TemplateDependencyStructure
	ActiveDecodeTargetsBitmask *uint32

	CustomDecodeTargetIndications []DecodeTargetIndication
	CustomFrameDiffs              []int
	CustomFrameDiffsChains        []int
}

func (d *DependencyDescriptor) EffectiveDecodeTargetIndications(t *FrameDependencyTemplate) []DecodeTargetIndication {
	if d.CustomDecodeTargetIndications != nil {
		return d.CustomDecodeTargetIndications
	}
	return t.DecodeTargetIndications
}

func (d *DependencyDescriptor) EffectiveFrameDiffs(t *FrameDependencyTemplate) []int {
	if d.CustomFrameDiffs != nil {
		return d.CustomFrameDiffs
	}
	return t.FrameDiffs
}

func (d *DependencyDescriptor) EffectiveFrameDiffsChains(t *FrameDependencyTemplate) []int {
	if d.CustomFrameDiffsChains != nil {
		return d.CustomFrameDiffsChains
	}
	return t.ChainDiffs
}

// FrameDependencies resolves the template referenced by the descriptor in
// structure and applies the per frame overrides.
func (d *DependencyDescriptor) FrameDependencies(structure *TemplateDependencyStructure) (*FrameDependencyTemplate, error) {
	if structure == nil {
		return nil, ErrNoStructure
	}
	t, err := structure.GetTemplate(d.FrameDependencyTemplateId)
	if err != nil {
		return nil, err
	}

	return &FrameDependencyTemplate{
		SpatialId:               t.SpatialId,
		TemporalId:              t.TemporalId,
		DecodeTargetIndications: slices.Clone(d.EffectiveDecodeTargetIndications(t)),
		FrameDiffs:              slices.Clone(d.EffectiveFrameDiffs(t)),
		ChainDiffs:              slices.Clone(d.EffectiveFrameDiffsChains(t)),
	}, nil
}

// ActiveDecodeTargets returns the mask in effect after this descriptor: the
// explicit one if present, all targets when a structure is attached.
func (d *DependencyDescriptor) ActiveDecodeTargets() (uint32, bool) {
	if d.ActiveDecodeTargetsBitmask != nil {
		return *d.ActiveDecodeTargetsBitmask, true
	}
	if d.AttachedStructure != nil {
		return d.AttachedStructure.AllDecodeTargetsBitmask(), true
	}
	return 0, false
}

func (d *DependencyDescriptor) HasExtendedFields() bool {
	return d.AttachedStructure != nil ||
		d.ActiveDecodeTargetsBitmask != nil ||
		d.CustomDecodeTargetIndications != nil ||
		d.CustomFrameDiffs != nil ||
		d.CustomFrameDiffsChains != nil
}

func (d *DependencyDescriptor) Equal(other *DependencyDescriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if (d.ActiveDecodeTargetsBitmask == nil) != (other.ActiveDecodeTargetsBitmask == nil) {
		return false
	}
	if d.ActiveDecodeTargetsBitmask != nil && *d.ActiveDecodeTargetsBitmask != *other.ActiveDecodeTargetsBitmask {
		return false
	}
	return d.StartOfFrame == other.StartOfFrame &&
		d.EndOfFrame == other.EndOfFrame &&
		d.FrameDependencyTemplateId == other.FrameDependencyTemplateId &&
		d.FrameNumber == other.FrameNumber &&
		d.AttachedStructure.Equal(other.AttachedStructure) &&
		optionalEqual(d.CustomDecodeTargetIndications, other.CustomDecodeTargetIndications) &&
		optionalEqual(d.CustomFrameDiffs, other.CustomFrameDiffs) &&
		optionalEqual(d.CustomFrameDiffsChains, other.CustomFrameDiffsChains)
}

func optionalEqual[S ~[]E, E comparable](a, b S) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return slices.Equal(a, b)
}

func formatBitmask(b *uint32) string {
	if b == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*b), 2)
}

func (d *DependencyDescriptor) String() string {
	return fmt.Sprintf("DependencyDescriptor{StartOfFrame: %v, EndOfFrame: %v, TemplateId: %d, FrameNumber: %d, ActiveDecodeTargetsBitmask: %s, CustomDtis: %s, CustomFdiffs: %v, CustomChains: %v, AttachedStructure: %v}",
		d.StartOfFrame,
		d.EndOfFrame,
		d.FrameDependencyTemplateId,
		d.FrameNumber,
		formatBitmask(d.ActiveDecodeTargetsBitmask),
		formatDecodeTargetIndications(d.CustomDecodeTargetIndications),
		d.CustomFrameDiffs,
		d.CustomFrameDiffsChains,
		d.AttachedStructure,
	)
}
