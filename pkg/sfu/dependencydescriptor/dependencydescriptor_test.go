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
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustDecodeHex(t *testing.T, h string) []byte {
	t.Helper()
	buf, err := hex.DecodeString(h)
	require.NoError(t, err)
	return buf
}

func TestNonSymmetric(t *testing.T) {
	t.Run("five values", func(t *testing.T) {
		expected := []byte{0x00, 0x40, 0x80, 0xc0, 0xe0}
		for val := uint32(0); val < 5; val++ {
			w := NewBitWriter(1)
			w.WriteNonSymmetric(val, 5)
			require.NoError(t, w.Error())
			require.Equal(t, []byte{expected[val]}, w.Bytes(), "val: %d", val)
			require.Equal(t, SizeNonSymmetricBits(val, 5), w.BitsWritten())

			r := NewBitReader(w.Bytes())
			require.Equal(t, val, r.ReadNonSymmetric(5))
			require.NoError(t, r.Error())
		}
	})

	t.Run("round trip", func(t *testing.T) {
		for numValues := uint32(1); numValues <= 40; numValues++ {
			for val := uint32(0); val < numValues; val++ {
				w := NewBitWriter(2)
				w.WriteNonSymmetric(val, numValues)
				// trailing marker to catch width mistakes
				w.WriteBits(0b101, 3)
				require.NoError(t, w.Error())

				r := NewBitReader(w.Bytes())
				require.Equal(t, val, r.ReadNonSymmetric(numValues), "val: %d, numValues: %d", val, numValues)
				require.Equal(t, uint64(0b101), r.ReadBits(3))
				require.NoError(t, r.Error())
			}
		}
	})

	t.Run("single value takes no bits", func(t *testing.T) {
		w := NewBitWriter(1)
		w.WriteNonSymmetric(0, 1)
		require.Zero(t, w.BitsWritten())

		r := NewBitReader(nil)
		require.Zero(t, r.ReadNonSymmetric(1))
		require.NoError(t, r.Error())
	})

	t.Run("out of range", func(t *testing.T) {
		w := NewBitWriter(1)
		w.WriteNonSymmetric(5, 5)
		require.ErrorIs(t, w.Error(), ErrBitWriterValueRange)

		r := NewBitReader([]byte{0xff})
		r.ReadNonSymmetric(0)
		require.ErrorIs(t, r.Error(), ErrBitReaderInvalidNs)
	})
}

func TestBitReaderStickyError(t *testing.T) {
	r := NewBitReader([]byte{0xa5})
	require.Equal(t, uint64(0b1010), r.ReadBits(4))
	require.Equal(t, 4, r.RemainingBits())

	require.Zero(t, r.ReadBits(5))
	require.ErrorIs(t, r.Error(), ErrBitReaderOverrun)

	// enough bits left, but the reader has already failed
	require.Zero(t, r.ReadBits(1))
	require.False(t, r.Ok())
	require.Zero(t, r.RemainingBits())
}

func TestBitWriter(t *testing.T) {
	w := NewBitWriter(0)
	w.WriteBool(true)
	w.WriteBits(0x1234, 16)
	w.WriteBits(0, 3)
	require.NoError(t, w.Error())
	require.Equal(t, 20, w.BitsWritten())
	require.Equal(t, []byte{0x89, 0x1a, 0x00}, w.Bytes())

	w.WriteBits(4, 2)
	require.ErrorIs(t, w.Error(), ErrBitWriterValueRange)

	// nothing is written after a failure
	w.WriteBits(1, 1)
	require.Equal(t, 20, w.BitsWritten())
}

func TestParseAttachedStructure(t *testing.T) {
	buf := mustDecodeHex(t, "8000018000e204fe03be")
	d, n, err := ParseDependencyDescriptor(buf, nil)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	require.True(t, d.StartOfFrame)
	require.False(t, d.EndOfFrame)
	require.Equal(t, 0, d.FrameDependencyTemplateId)
	require.Equal(t, uint16(1), d.FrameNumber)
	require.Nil(t, d.ActiveDecodeTargetsBitmask)

	expected := &TemplateDependencyStructure{
		StructureId:      0,
		NumDecodeTargets: 1,
		NumChains:        0,
		Resolutions:      []RenderResolution{{Width: 640, Height: 480}},
		Templates: []*FrameDependencyTemplate{
			{
				SpatialId:               0,
				TemporalId:              0,
				DecodeTargetIndications: []DecodeTargetIndication{DecodeTargetSwitch},
			},
		},
	}
	require.True(t, expected.Equal(d.AttachedStructure), "got: %s", d.AttachedStructure)

	mask, ok := d.ActiveDecodeTargets()
	require.True(t, ok)
	require.Equal(t, uint32(1), mask)

	out, err := d.Serialize(nil)
	require.NoError(t, err)
	require.Equal(t, buf, out)
}

func l2t2KeyShiftStructure() *TemplateDependencyStructure {
	return &TemplateDependencyStructure{
		StructureId:                  7,
		NumDecodeTargets:             4,
		NumChains:                    2,
		DecodeTargetProtectedByChain: []int{0, 0, 1, 1},
		Resolutions: []RenderResolution{
			{Width: 240, Height: 180},
			{Width: 480, Height: 360},
		},
		Templates: []*FrameDependencyTemplate{
			{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("SSSS"), ChainDiffs: []int{0, 0}},
			{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("SS--"), FrameDiffs: []int{2}, ChainDiffs: []int{2, 1}},
			{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("SS--"), FrameDiffs: []int{4}, ChainDiffs: []int{4, 1}},
			{SpatialId: 0, TemporalId: 1, DecodeTargetIndications: ParseDecodeTargetIndications("-D--"), FrameDiffs: []int{2}, ChainDiffs: []int{2, 3}},
			{SpatialId: 1, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("--SS"), FrameDiffs: []int{1}, ChainDiffs: []int{1, 1}},
			{SpatialId: 1, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("--SS"), FrameDiffs: []int{4}, ChainDiffs: []int{3, 4}},
			{SpatialId: 1, TemporalId: 1, DecodeTargetIndications: ParseDecodeTargetIndications("---D"), FrameDiffs: []int{2}, ChainDiffs: []int{1, 2}},
		},
	}
}

func TestL2T2KeyShift(t *testing.T) {
	buf := mustDecodeHex(t, "c700c680e3061eaa82804028280514d14134518010a091889a09403bc02cc077c059c0")
	d, n, err := ParseDependencyDescriptor(buf, nil)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	require.True(t, d.StartOfFrame)
	require.True(t, d.EndOfFrame)
	require.Equal(t, 7, d.FrameDependencyTemplateId)
	require.Equal(t, uint16(198), d.FrameNumber)

	expected := l2t2KeyShiftStructure()
	require.True(t, expected.Equal(d.AttachedStructure), "got: %s", d.AttachedStructure)

	// template id 7 is the first template of a structure with id 7
	tmpl, err := d.AttachedStructure.GetTemplate(7)
	require.NoError(t, err)
	require.True(t, expected.Templates[0].Equal(tmpl))
	require.False(t, d.AttachedStructure.ContainsTemplate(6))
	require.True(t, d.AttachedStructure.ContainsTemplate(13))
	require.False(t, d.AttachedStructure.ContainsTemplate(14))

	out, err := d.Serialize(nil)
	require.NoError(t, err)
	require.Equal(t, buf, out)

	// building the same descriptor from scratch gives the same bytes
	built := &DependencyDescriptor{
		StartOfFrame:              true,
		EndOfFrame:                true,
		FrameDependencyTemplateId: 7,
		FrameNumber:               198,
		AttachedStructure:         expected,
	}
	out, err = built.Serialize(nil)
	require.NoError(t, err)
	require.Equal(t, buf, out)
}

func TestCapturedSequence(t *testing.T) {
	hexes := []string{
		"c1017280081485214eafffaaaa863cf0430c10c302afc0aaa0063c00430010c002a000a80006000040001d954926e082b04a0941b820ac1282503157f974000ca864330e222222eca8655304224230eca877530077004200ef008601df010d",
		"86017340fc",
		"46017340fc",
		"c3017540fc",
		"88017640fc",
		"48017640fc",
		"c2017840fc",
		"860173",
		"460173",
		"8b0174",
		"0b0174",
		"c30175",
	}

	var structure *TemplateDependencyStructure
	for i, h := range hexes {
		buf := mustDecodeHex(t, h)
		d, n, err := ParseDependencyDescriptor(buf, structure)
		require.NoError(t, err, "packet: %d", i)
		require.Equal(t, len(buf), n, "packet: %d", i)

		if i == 0 {
			require.NotNil(t, d.AttachedStructure)
			require.Equal(t, 1, d.FrameDependencyTemplateId)
			require.Equal(t, uint16(370), d.FrameNumber)

			s := d.AttachedStructure
			require.Equal(t, 9, s.NumDecodeTargets)
			require.Equal(t, 3, s.NumChains)
			require.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, s.DecodeTargetProtectedByChain)
			require.Len(t, s.Templates, 15)
			require.Equal(t, 3, s.NumSpatialLayers())
			require.Equal(t, []RenderResolution{{120, 67}, {240, 135}, {480, 270}}, s.Resolutions)
		}
		if i == 1 {
			mask, ok := d.ActiveDecodeTargets()
			require.True(t, ok)
			require.Equal(t, uint32(0b111111), mask)
		}

		out, err := d.Serialize(structure)
		require.NoError(t, err, "packet: %d", i)
		require.Equal(t, buf, out, "packet: %d", i)

		if d.AttachedStructure != nil {
			structure = d.AttachedStructure
		}
	}
}

func TestRoundTrip(t *testing.T) {
	structure := &TemplateDependencyStructure{
		StructureId:                  0,
		NumDecodeTargets:             2,
		NumChains:                    2,
		DecodeTargetProtectedByChain: []int{0, 0},
		Templates: []*FrameDependencyTemplate{
			{
				SpatialId:               0,
				TemporalId:              0,
				DecodeTargetIndications: ParseDecodeTargetIndications("SR"),
				FrameDiffs:              []int{1},
				ChainDiffs:              []int{2, 2},
			},
		},
	}
	activeMask := uint32(0b11)
	emptyMask := uint32(0)

	testCases := []struct {
		name       string
		descriptor *DependencyDescriptor
		structure  *TemplateDependencyStructure
		expected   string
	}{
		{
			name: "attached structure and active decode targets",
			descriptor: &DependencyDescriptor{
				StartOfFrame:               true,
				EndOfFrame:                 true,
				AttachedStructure:          structure,
				ActiveDecodeTargetsBitmask: &activeMask,
			},
			expected: "c00000c001ee0c2260",
		},
		{
			name: "custom dtis fdiffs and chains",
			descriptor: &DependencyDescriptor{
				CustomDecodeTargetIndications: ParseDecodeTargetIndications("SR"),
				CustomFrameDiffs:              []int{1},
				CustomFrameDiffsChains:        []int{2, 2},
			},
			structure: structure,
			expected:  "0000003da0010100",
		},
		{
			name: "custom fdiffs of every size",
			descriptor: &DependencyDescriptor{
				StartOfFrame:     true,
				FrameNumber:      0xffff,
				CustomFrameDiffs: []int{1, 17, 300},
			},
			structure: structure,
			expected:  "80ffff1210862560",
		},
		{
			name: "mandatory fields only",
			descriptor: &DependencyDescriptor{
				EndOfFrame:  true,
				FrameNumber: 42,
			},
			structure: structure,
			expected:  "40002a",
		},
		{
			name: "empty custom fdiffs",
			descriptor: &DependencyDescriptor{
				CustomFrameDiffs: []int{},
			},
			structure: structure,
		},
		{
			name: "no active decode targets",
			descriptor: &DependencyDescriptor{
				ActiveDecodeTargetsBitmask: &emptyMask,
			},
			structure: structure,
		},
		{
			name: "structure without chains",
			descriptor: &DependencyDescriptor{
				StartOfFrame:              true,
				FrameDependencyTemplateId: 12,
				FrameNumber:               1000,
				AttachedStructure: &TemplateDependencyStructure{
					StructureId:      10,
					NumDecodeTargets: 3,
					Templates: []*FrameDependencyTemplate{
						{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("SSS")},
						{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("SSS"), FrameDiffs: []int{4}},
						{SpatialId: 0, TemporalId: 1, DecodeTargetIndications: ParseDecodeTargetIndications("-DS"), FrameDiffs: []int{2}},
						{SpatialId: 0, TemporalId: 2, DecodeTargetIndications: ParseDecodeTargetIndications("--D"), FrameDiffs: []int{1, 16}},
					},
				},
			},
		},
		{
			name: "key shifted structure with overrides",
			descriptor: &DependencyDescriptor{
				FrameDependencyTemplateId:     11,
				FrameNumber:                   7,
				CustomDecodeTargetIndications: ParseDecodeTargetIndications("--SR"),
				CustomFrameDiffsChains:        []int{255, 0},
			},
			structure: l2t2KeyShiftStructure(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.descriptor.Serialize(tc.structure)
			require.NoError(t, err)
			if tc.expected != "" {
				require.Equal(t, tc.expected, hex.EncodeToString(buf))
			}

			size, err := tc.descriptor.MarshalSize(tc.structure)
			require.NoError(t, err)
			require.Equal(t, len(buf), size)

			parsed, n, err := ParseDependencyDescriptor(buf, tc.structure)
			require.NoError(t, err)
			require.Equal(t, len(buf), n)
			require.True(t, tc.descriptor.Equal(parsed), "expected: %s, got: %s", tc.descriptor, parsed)
		})
	}
}

func TestFrameDependencies(t *testing.T) {
	structure := l2t2KeyShiftStructure()

	d := &DependencyDescriptor{FrameDependencyTemplateId: 11}
	fd, err := d.FrameDependencies(structure)
	require.NoError(t, err)
	require.Equal(t, 1, fd.SpatialId)
	require.Equal(t, 0, fd.TemporalId)
	require.Equal(t, []int{1}, fd.FrameDiffs)
	require.Equal(t, []int{1, 1}, fd.ChainDiffs)

	d.CustomFrameDiffs = []int{3, 5}
	d.CustomFrameDiffsChains = []int{0, 9}
	fd, err = d.FrameDependencies(structure)
	require.NoError(t, err)
	require.Equal(t, []int{3, 5}, fd.FrameDiffs)
	require.Equal(t, []int{0, 9}, fd.ChainDiffs)
	require.Equal(t, ParseDecodeTargetIndications("--SS"), fd.DecodeTargetIndications)

	// resolved dependencies do not alias the structure
	fd.DecodeTargetIndications[0] = DecodeTargetRequired
	require.Equal(t, DecodeTargetNotPresent, structure.Templates[4].DecodeTargetIndications[0])

	_, err = (&DependencyDescriptor{FrameDependencyTemplateId: 3}).FrameDependencies(structure)
	require.ErrorIs(t, err, ErrInvalidTemplateIndex)

	_, err = d.FrameDependencies(nil)
	require.ErrorIs(t, err, ErrNoStructure)
}

func TestParseErrors(t *testing.T) {
	keyShift := mustDecodeHex(t, "c700c680e3061eaa82804028280514d14134518010a091889a09403bc02cc077c059c0")

	testCases := []struct {
		name      string
		buf       []byte
		structure *TemplateDependencyStructure
		err       error
	}{
		{
			name: "too short",
			buf:  []byte{0x80, 0x00},
			err:  ErrBitReaderOverrun,
		},
		{
			name: "truncated structure",
			buf:  keyShift[:20],
			err:  ErrBitReaderOverrun,
		},
		{
			name: "no structure",
			buf:  []byte{0x80, 0x00, 0x01},
			err:  ErrNoStructure,
		},
		{
			name:      "template id before structure id",
			buf:       []byte{0x80, 0x00, 0x01},
			structure: l2t2KeyShiftStructure(),
			err:       ErrInvalidTemplateIndex,
		},
		{
			name:      "template id past last template",
			buf:       []byte{0x8e, 0x00, 0x01},
			structure: l2t2KeyShiftStructure(),
			err:       ErrInvalidTemplateIndex,
		},
		{
			name: "custom dtis missing",
			// custom dtis flag set, nothing after it
			buf:       []byte{0x87, 0x00, 0x01, 0x20},
			structure: l2t2KeyShiftStructure(),
			err:       ErrBitReaderOverrun,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, n, err := ParseDependencyDescriptor(tc.buf, tc.structure)
			require.ErrorIs(t, err, tc.err)
			require.Nil(t, d)
			require.Zero(t, n)
		})
	}

	d, n, err := ParseDependencyDescriptor([]byte{0x87, 0x00, 0x05}, l2t2KeyShiftStructure())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 7, d.FrameDependencyTemplateId)
	require.Equal(t, uint16(5), d.FrameNumber)
	require.False(t, d.HasExtendedFields())
}

func TestSerializeErrors(t *testing.T) {
	structure := l2t2KeyShiftStructure()
	tooWide := uint32(0b10000)

	testCases := []struct {
		name       string
		descriptor *DependencyDescriptor
		structure  *TemplateDependencyStructure
		err        error
	}{
		{
			name:       "no structure",
			descriptor: &DependencyDescriptor{},
			err:        ErrNoStructure,
		},
		{
			name:       "invalid template",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 2},
			structure:  structure,
			err:        ErrInvalidTemplateIndex,
		},
		{
			name:       "dti count",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 7, CustomDecodeTargetIndications: ParseDecodeTargetIndications("SS")},
			structure:  structure,
			err:        ErrNumDTIMismatch,
		},
		{
			name:       "chain count",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 7, CustomFrameDiffsChains: []int{1}},
			structure:  structure,
			err:        ErrNumChainDiffsMismatch,
		},
		{
			name:       "active decode targets too wide",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 7, ActiveDecodeTargetsBitmask: &tooWide},
			structure:  structure,
			err:        ErrActiveDecodeTargetsNoRoom,
		},
		{
			name:       "fdiff too large",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 7, CustomFrameDiffs: []int{4097}},
			structure:  structure,
			err:        ErrInvalidFrameDiff,
		},
		{
			name:       "zero fdiff",
			descriptor: &DependencyDescriptor{FrameDependencyTemplateId: 7, CustomFrameDiffs: []int{0}},
			structure:  structure,
			err:        ErrInvalidFrameDiff,
		},
		{
			name: "invalid layer order",
			descriptor: &DependencyDescriptor{
				AttachedStructure: &TemplateDependencyStructure{
					NumDecodeTargets: 1,
					Templates: []*FrameDependencyTemplate{
						{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("S")},
						{SpatialId: 0, TemporalId: 2, DecodeTargetIndications: ParseDecodeTargetIndications("S")},
					},
				},
			},
			err: ErrInvalidNextLayer,
		},
		{
			name: "template fdiff too large",
			descriptor: &DependencyDescriptor{
				AttachedStructure: &TemplateDependencyStructure{
					NumDecodeTargets: 1,
					Templates: []*FrameDependencyTemplate{
						{SpatialId: 0, TemporalId: 0, DecodeTargetIndications: ParseDecodeTargetIndications("S"), FrameDiffs: []int{17}},
					},
				},
			},
			err: ErrInvalidFrameDiff,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.descriptor.Serialize(tc.structure)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDecodeTargetLayers(t *testing.T) {
	layers := DecodeTargetLayers(l2t2KeyShiftStructure())
	require.Equal(t, []DecodeTargetLayer{
		{Target: 0, Spatial: 0, Temporal: 0},
		{Target: 1, Spatial: 0, Temporal: 1},
		{Target: 2, Spatial: 1, Temporal: 0},
		{Target: 3, Spatial: 1, Temporal: 1},
	}, layers)

	require.Nil(t, DecodeTargetLayers(nil))
}

func TestParseDecodeTargetIndications(t *testing.T) {
	dtis := ParseDecodeTargetIndications("SRD-")
	require.Equal(t, []DecodeTargetIndication{
		DecodeTargetSwitch,
		DecodeTargetRequired,
		DecodeTargetDiscardable,
		DecodeTargetNotPresent,
	}, dtis)
	require.Equal(t, "SRD-", formatDecodeTargetIndications(dtis))
}
