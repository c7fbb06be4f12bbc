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

package transponder

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"
	"github.com/livekit/svc-forwarder/pkg/sfu/rtcpfeedback"
)

const (
	sourceSSRC = 1
	outSSRC    = 2
	senderSSRC = 9
)

// temporal layer of picture i, L1T3
var vp8TemporalPattern = []uint8{0, 2, 1, 2}

func vp8Payload(t *testing.T, pictureId uint16, tl0PicIdx uint8, tid uint8, keyFrame bool) []byte {
	vp8 := buffer.VP8{
		FirstByte:  0x10,
		S:          true,
		I:          true,
		M:          true,
		PictureID:  pictureId,
		L:          true,
		TL0PICIDX:  tl0PicIdx,
		T:          true,
		TID:        tid,
		Y:          true,
		HeaderSize: 6,
	}
	buf, err := vp8.Marshal()
	require.NoError(t, err)

	frameHeader := byte(0x01)
	if keyFrame {
		frameHeader = 0x00
	}
	return append(buf, frameHeader, 0xaa, 0xbb)
}

// one packet pictures: sequence number 100+i, picture id 200+i
func vp8Packet(t *testing.T, s *buffer.Stream, i int, arrival time.Time, keyFrame bool) *buffer.ExtPacket {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           sourceSSRC,
			SequenceNumber: uint16(100 + i),
			Timestamp:      uint32(3000 * i),
			Marker:         true,
		},
		Payload: vp8Payload(t, uint16(200+i), uint8(10+i/4), vp8TemporalPattern[i%4], keyFrame),
	}
	extPkt, err := s.Process(pkt, arrival)
	require.NoError(t, err)
	return extPkt
}

func newVP8Transponder(t *testing.T, onKeyFrameRequest func(pkts []rtcp.Packet)) (*Transponder, *buffer.Stream) {
	tr, err := New(Params{
		MimeType:            "video/VP8",
		SSRC:                outSSRC,
		SourceSSRC:          sourceSSRC,
		SenderSSRC:          senderSSRC,
		SequenceNumberStart: 1000,
		TimestampStart:      5000,
		Logger:              logger.GetLogger(),
		OnKeyFrameRequest:   onKeyFrameRequest,
	})
	require.NoError(t, err)

	s := buffer.NewStream(buffer.StreamParams{
		SSRC:      sourceSSRC,
		MimeType:  "video/VP8",
		ClockRate: 90000,
	})
	return tr, s
}

// forwards pictures 0..11 at T1, the odd ones (T2) are dropped
func forwardL1T3AtT1(t *testing.T, tr *Transponder, s *buffer.Stream) []*rtp.Packet {
	tr.SelectLayer(0, 1)

	var out []*rtp.Packet
	now := time.Now()
	for i := 0; i < 12; i++ {
		pkt, ok := tr.Forward(vp8Packet(t, s, i, now, i == 0))
		if i%2 == 1 {
			require.False(t, ok, "picture: %d", i)
			require.Nil(t, pkt)
			continue
		}
		require.True(t, ok, "picture: %d", i)
		out = append(out, pkt)
	}
	return out
}

func TestNewUnsupportedCodec(t *testing.T) {
	_, err := New(Params{MimeType: "audio/opus"})
	require.Error(t, err)
}

func TestTransponderContiguousAcrossDroppedLayers(t *testing.T) {
	tr, s := newVP8Transponder(t, nil)
	out := forwardL1T3AtT1(t, tr, s)
	require.Len(t, out, 6)

	for j, pkt := range out {
		require.Equal(t, uint16(1000+j), pkt.SequenceNumber)
		require.Equal(t, uint32(5000+3000*2*j), pkt.Timestamp)
		require.Equal(t, uint32(outSSRC), pkt.SSRC)
		require.True(t, pkt.Marker)

		var vp8 buffer.VP8
		require.NoError(t, vp8.Unmarshal(pkt.Payload))
		require.Equal(t, uint16(200+j), vp8.PictureID, "packet: %d", j)
		require.Equal(t, uint8(10+2*j/4), vp8.TL0PICIDX, "packet: %d", j)
		require.Equal(t, []byte{0xaa, 0xbb}, pkt.Payload[vp8.HeaderSize+1:])
	}

	stats := tr.Stats()
	require.Equal(t, uint64(6), stats.Forwarded)
	require.Equal(t, uint64(6), stats.Dropped)
	require.Equal(t, uint64(0), stats.KeyFrameRequests)
	require.Equal(t, uint64(1), stats.LayerSwitches)

	spatial, temporal := tr.GetCurrentLayer()
	require.Equal(t, uint8(0), spatial)
	require.Equal(t, uint8(1), temporal)
	require.False(t, tr.IsWaitingForIntra())
}

func TestTransponderMute(t *testing.T) {
	var requests [][]rtcp.Packet
	tr, s := newVP8Transponder(t, func(pkts []rtcp.Packet) {
		requests = append(requests, pkts)
	})
	out := forwardL1T3AtT1(t, tr, s)
	require.Len(t, out, 6)

	tr.Mute(true)
	require.True(t, tr.IsMuted())
	for i := 12; i < 14; i++ {
		_, ok := tr.Forward(vp8Packet(t, s, i, time.Now(), false))
		require.False(t, ok)
	}
	require.Empty(t, requests)

	tr.Mute(false)
	require.Len(t, requests, 1)
	require.Equal(t, []rtcp.Packet{&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: sourceSSRC}}, requests[0])

	// picture 14 is T1
	pkt, ok := tr.Forward(vp8Packet(t, s, 14, time.Now(), false))
	require.True(t, ok)
	require.Equal(t, uint16(1006), pkt.SequenceNumber)

	var vp8 buffer.VP8
	require.NoError(t, vp8.Unmarshal(pkt.Payload))
	require.Equal(t, uint16(206), vp8.PictureID)
}

func TestTransponderKeyFrameRequestThrottle(t *testing.T) {
	var requests []rtcp.Packet
	tr, s := newVP8Transponder(t, func(pkts []rtcp.Packet) {
		requests = append(requests, pkts...)
	})
	tr.SelectLayer(0, 2)

	start := time.Now()
	for i := 0; i < 15; i++ {
		_, ok := tr.Forward(vp8Packet(t, s, i, start.Add(time.Duration(i)*100*time.Millisecond), false))
		require.False(t, ok)
		require.True(t, tr.IsWaitingForIntra())
	}

	// at 0 and 1s
	require.Len(t, requests, 2)
	for _, pkt := range requests {
		require.Equal(t, &rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: sourceSSRC}, pkt)
	}
	require.Equal(t, uint64(2), tr.Stats().KeyFrameRequests)

	pkt, ok := tr.Forward(vp8Packet(t, s, 16, start.Add(1600*time.Millisecond), true))
	require.True(t, ok)
	require.Equal(t, uint16(1000), pkt.SequenceNumber)
	require.False(t, tr.IsWaitingForIntra())
	require.Len(t, requests, 2)
}

func TestTransponderSpatialChangeRequestsKeyFrame(t *testing.T) {
	var requests int
	tr, err := New(Params{
		MimeType:   "video/VP9",
		SourceSSRC: sourceSSRC,
		OnKeyFrameRequest: func(pkts []rtcp.Packet) {
			requests++
		},
	})
	require.NoError(t, err)

	tr.SelectLayer(0, 2)
	require.Zero(t, requests)

	tr.SelectLayer(0, 1)
	require.Zero(t, requests)

	tr.SelectLayer(2, 1)
	require.Equal(t, 1, requests)

	spatial, temporal, ok := tr.GetTargetLayer()
	require.True(t, ok)
	require.Equal(t, uint8(2), spatial)
	require.Equal(t, uint8(1), temporal)

	// throttled
	tr.SelectLayer(1, 1)
	require.Equal(t, 1, requests)
}

func TestTransponderTranslateNack(t *testing.T) {
	tr, s := newVP8Transponder(t, nil)
	forwardL1T3AtT1(t, tr, s)

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: 100,
		MediaSSRC:  outSSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{1001, 1003, 1500}),
	}
	translated := tr.TranslateNack(nack)
	require.NotNil(t, translated)
	require.Equal(t, uint32(senderSSRC), translated.SenderSSRC)
	require.Equal(t, uint32(sourceSSRC), translated.MediaSSRC)

	var sns []uint16
	for _, pair := range translated.Nacks {
		sns = append(sns, pair.PacketList()...)
	}
	require.Equal(t, []uint16{102, 106}, sns)

	// never forwarded
	require.Nil(t, tr.TranslateNack(&rtcp.TransportLayerNack{
		Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{999, 1500}),
	}))
	require.Nil(t, tr.TranslateNack(nil))
}

func TestTransponderHandleFeedback(t *testing.T) {
	tr, s := newVP8Transponder(t, nil)
	forwardL1T3AtT1(t, tr, s)

	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: 100, MediaSSRC: outSSRC},
		&rtcp.TransportLayerNack{
			SenderSSRC: 100,
			MediaSSRC:  outSSRC,
			Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{1000}),
		},
	})
	require.NoError(t, err)

	feedbacks, err := rtcpfeedback.Parse(buf)
	require.NoError(t, err)

	upstream := tr.HandleFeedback(feedbacks, time.Now())
	require.Len(t, upstream, 2)
	require.Equal(t, &rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: sourceSSRC}, upstream[0])
	nack, ok := upstream[1].(*rtcp.TransportLayerNack)
	require.True(t, ok)
	require.Equal(t, []uint16{100}, nack.Nacks[0].PacketList())

	// key frame requests are throttled
	upstream = tr.HandleFeedback(feedbacks, time.Now())
	require.Len(t, upstream, 1)
}

// -----------------------------------------------------------

const ddExtID = 5

func l1t3Structure() *dd.TemplateDependencyStructure {
	template := func(temporal int, dtis string, fdiffs []int, chains []int) *dd.FrameDependencyTemplate {
		return &dd.FrameDependencyTemplate{
			TemporalId:              temporal,
			DecodeTargetIndications: dd.ParseDecodeTargetIndications(dtis),
			FrameDiffs:              fdiffs,
			ChainDiffs:              chains,
		}
	}
	return &dd.TemplateDependencyStructure{
		NumDecodeTargets:             3,
		NumChains:                    1,
		DecodeTargetProtectedByChain: []int{0, 0, 0},
		Templates: []*dd.FrameDependencyTemplate{
			template(0, "SSS", []int{}, []int{0}),
			template(0, "SSS", []int{4}, []int{4}),
			template(1, "-DS", []int{2}, []int{2}),
			template(2, "--D", []int{1}, []int{1}),
			template(2, "--D", []int{1}, []int{3}),
		},
	}
}

func ddPacket(t *testing.T, structure *dd.TemplateDependencyStructure, seq uint16, frameNumber uint16, templateId int, attach bool) *rtp.Packet {
	descriptor := &dd.DependencyDescriptor{
		StartOfFrame:              true,
		EndOfFrame:                true,
		FrameDependencyTemplateId: templateId,
		FrameNumber:               frameNumber,
	}
	if attach {
		descriptor.AttachedStructure = structure
	}
	buf, err := descriptor.Serialize(structure)
	require.NoError(t, err)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           sourceSSRC,
			SequenceNumber: seq,
			Timestamp:      uint32(frameNumber) * 3000,
			Marker:         true,
			Extension:      true,
			// two byte header extensions, a structure does not fit in 16 bytes
			ExtensionProfile: 0x1000,
		},
		Payload: []byte{0x10, 0x01, 0x02},
	}
	require.NoError(t, pkt.Header.SetExtension(ddExtID, buf))
	return pkt
}

func TestTransponderDependencyDescriptor(t *testing.T) {
	tr, err := New(Params{
		MimeType:                  "video/AV1",
		DependencyDescriptorExtID: ddExtID,
		SourceSSRC:                sourceSSRC,
		SequenceNumberStart:       500,
	})
	require.NoError(t, err)
	tr.SelectLayer(0, 1)

	s := buffer.NewStream(buffer.StreamParams{
		SSRC:                      sourceSSRC,
		MimeType:                  "video/AV1",
		ClockRate:                 90000,
		DependencyDescriptorExtID: ddExtID,
	})

	structure := l1t3Structure()
	templates := []int{0, 3, 2, 4, 1, 3}
	var forwarded []*rtp.Packet
	var sourceSNs []uint16
	for i, templateId := range templates {
		extPkt, err := s.Process(ddPacket(t, structure, uint16(10+i), uint16(1+i), templateId, i == 0), time.Now())
		require.NoError(t, err)

		if pkt, ok := tr.Forward(extPkt); ok {
			forwarded = append(forwarded, pkt)
			sourceSNs = append(sourceSNs, extPkt.Packet.SequenceNumber)
		}
	}
	require.Equal(t, []uint16{10, 12, 14}, sourceSNs)
	for j, pkt := range forwarded {
		require.Equal(t, uint16(500+j), pkt.SequenceNumber)
	}

	mask, isRestricted := tr.GetForwardedDecodeTargets()
	require.True(t, isRestricted)
	require.Equal(t, uint32(0b011), mask)

	// the structure carrying packet announces only the forwarded decode targets
	descriptor, _, err := dd.ParseDependencyDescriptor(forwarded[0].GetExtension(ddExtID), nil)
	require.NoError(t, err)
	require.NotNil(t, descriptor.AttachedStructure)
	require.NotNil(t, descriptor.ActiveDecodeTargetsBitmask)
	require.Equal(t, uint32(0b011), *descriptor.ActiveDecodeTargetsBitmask)

	descriptor, _, err = dd.ParseDependencyDescriptor(forwarded[1].GetExtension(ddExtID), structure)
	require.NoError(t, err)
	require.Nil(t, descriptor.ActiveDecodeTargetsBitmask)
}

func TestTransponderDependencyDescriptorLayerChange(t *testing.T) {
	tr, err := New(Params{
		MimeType:                  "video/AV1",
		DependencyDescriptorExtID: ddExtID,
		SourceSSRC:                sourceSSRC,
	})
	require.NoError(t, err)
	tr.SelectLayer(0, 1)

	s := buffer.NewStream(buffer.StreamParams{
		SSRC:                      sourceSSRC,
		MimeType:                  "video/AV1",
		ClockRate:                 90000,
		DependencyDescriptorExtID: ddExtID,
	})

	structure := l1t3Structure()
	templates := []int{0, 3, 2, 4, 1, 3, 2, 4}
	var forwarded []*rtp.Packet
	var sourceSNs []uint16
	for i, templateId := range templates {
		if i == 6 {
			tr.SelectLayer(0, 2)
		}

		extPkt, err := s.Process(ddPacket(t, structure, uint16(10+i), uint16(1+i), templateId, i == 0), time.Now())
		require.NoError(t, err)

		if pkt, ok := tr.Forward(extPkt); ok {
			forwarded = append(forwarded, pkt)
			sourceSNs = append(sourceSNs, extPkt.Packet.SequenceNumber)
		}
	}
	require.Equal(t, []uint16{10, 12, 14, 16, 17}, sourceSNs)

	_, isRestricted := tr.GetForwardedDecodeTargets()
	require.False(t, isRestricted)

	expectedMasks := []*uint32{ptr(uint32(0b011)), nil, nil, ptr(uint32(0b111)), nil}
	for i, pkt := range forwarded {
		descriptor, _, err := dd.ParseDependencyDescriptor(pkt.GetExtension(ddExtID), structure)
		require.NoError(t, err)
		require.Equal(t, expectedMasks[i], descriptor.ActiveDecodeTargetsBitmask, "packet: %d", i)
	}
}

func ptr[T any](v T) *T {
	return &v
}
