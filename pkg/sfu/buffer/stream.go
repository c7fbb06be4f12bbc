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
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/atomic"

	"github.com/livekit/svc-forwarder/pkg/sfu/utils"

	"github.com/livekit/protocol/logger"
)

type StreamParams struct {
	SSRC      uint32
	MimeType  string
	ClockRate uint32
	// 0 when the stream does not negotiate the dependency descriptor
	DependencyDescriptorExtID uint8
	Logger                    logger.Logger
	OnMaxLayerChanged         func(ssrc uint32, maxLayer VideoLayer)
}

type StreamStats struct {
	Packets     uint64
	Bytes       uint64
	KeyFrames   uint64
	ParseErrors uint64
	LastArrival time.Time
}

// Stream turns the RTP packets of one SSRC into ExtPackets. Process must be
// called from a single goroutine; Stats may be called from anywhere.
type Stream struct {
	params   StreamParams
	mime     utils.MimeType
	logger   logger.Logger
	snRange  *utils.WrapExtender[uint16]
	tsRange  *utils.WrapExtender[uint32]
	ddParser *DependencyDescriptorParser

	packets     atomic.Uint64
	bytes       atomic.Uint64
	keyFrames   atomic.Uint64
	parseErrors atomic.Uint64
	lastArrival atomic.Int64
}

func NewStream(params StreamParams) *Stream {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	s := &Stream{
		params:  params,
		mime:    utils.MatchMimeType(params.MimeType),
		logger:  params.Logger.WithValues("ssrc", params.SSRC, "mime", params.MimeType),
		snRange: utils.NewWrapExtender[uint16](),
		tsRange: utils.NewWrapExtender[uint32](),
	}
	if params.DependencyDescriptorExtID != 0 {
		s.ddParser = NewDependencyDescriptorParser(params.DependencyDescriptorExtID, s.logger, s.onMaxLayerChanged)
	}
	return s
}

func (s *Stream) SSRC() uint32 {
	return s.params.SSRC
}

func (s *Stream) MimeType() utils.MimeType {
	return s.mime
}

func (s *Stream) HasDependencyDescriptor() bool {
	return s.ddParser != nil
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Packets:     s.packets.Load(),
		Bytes:       s.bytes.Load(),
		KeyFrames:   s.keyFrames.Load(),
		ParseErrors: s.parseErrors.Load(),
		LastArrival: time.Unix(0, s.lastArrival.Load()),
	}
}

// Process unwraps the packet's sequence number and timestamp and parses the
// codec payload and dependency descriptor. A malformed dependency descriptor
// is not fatal: the packet is returned without one and the error reported.
func (s *Stream) Process(pkt *rtp.Packet, arrival time.Time) (*ExtPacket, error) {
	if pkt == nil {
		return nil, errNilPacket
	}
	if pkt.SSRC != s.params.SSRC {
		return nil, fmt.Errorf("%w: %d, expected %d", ErrUnknownSSRC, pkt.SSRC, s.params.SSRC)
	}

	ep := &ExtPacket{
		VideoLayer:        VideoLayer{Spatial: 0, Temporal: 0},
		Arrival:           arrival,
		ExtSequenceNumber: s.snRange.Extend(pkt.SequenceNumber),
		ExtTimestamp:      s.tsRange.Extend(pkt.Timestamp),
		Packet:            pkt,
	}

	s.packets.Inc()
	s.bytes.Add(uint64(pkt.MarshalSize()))
	s.lastArrival.Store(arrival.UnixNano())

	if err := s.parsePayload(ep); err != nil {
		s.parseErrors.Inc()
		return nil, err
	}

	var ddErr error
	if s.ddParser != nil {
		extDD, layer, err := s.ddParser.Parse(pkt)
		if err != nil {
			s.parseErrors.Inc()
			ddErr = fmt.Errorf("%w: %w", ErrInvalidDependencyDescriptor, err)
			s.logger.Debugw("could not parse dependency descriptor", "error", err, "sn", pkt.SequenceNumber)
		} else if extDD != nil {
			ep.DependencyDescriptor = extDD
			ep.VideoLayer = layer
			if d := extDD.Descriptor; d.AttachedStructure != nil && d.StartOfFrame {
				if fd, err := d.FrameDependencies(extDD.Structure); err == nil && len(fd.FrameDiffs) == 0 {
					ep.KeyFrame = true
				}
			}
		}
	}

	if ep.KeyFrame {
		s.keyFrames.Inc()
	}
	return ep, ddErr
}

func (s *Stream) parsePayload(ep *ExtPacket) error {
	payload := ep.Packet.Payload
	switch s.mime {
	case utils.MimeTypeVP8:
		var vp8 VP8
		if err := vp8.Unmarshal(payload); err != nil {
			return err
		}
		ep.Payload = vp8
		ep.KeyFrame = vp8.IsKeyFrame
		if vp8.T {
			ep.VideoLayer.Temporal = int32(vp8.TID)
		}

	case utils.MimeTypeVP9:
		var vp9 codecs.VP9Packet
		if _, err := vp9.Unmarshal(payload); err != nil {
			return err
		}
		ep.Payload = vp9
		ep.KeyFrame = IsVP9KeyFrame(&vp9)
		if vp9.L {
			ep.VideoLayer = VideoLayer{Spatial: int32(vp9.SID), Temporal: int32(vp9.TID)}
		}

	case utils.MimeTypeH264:
		if len(payload) == 0 {
			return ErrNoPayload
		}
		ep.KeyFrame = IsH264KeyFrame(payload)

	case utils.MimeTypeAV1:
		if len(payload) == 0 {
			return ErrNoPayload
		}
		ep.KeyFrame = IsAV1KeyFrame(payload)
	}
	return nil
}

func (s *Stream) onMaxLayerChanged(maxLayer VideoLayer) {
	s.logger.Infow("max layer changed", "maxLayer", maxLayer)
	if s.params.OnMaxLayerChanged != nil {
		s.params.OnMaxLayerChanged(s.params.SSRC, maxLayer)
	}
}
