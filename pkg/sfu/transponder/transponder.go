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
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
	"github.com/livekit/svc-forwarder/pkg/sfu/rtcpfeedback"
	"github.com/livekit/svc-forwarder/pkg/sfu/utils"
	"github.com/livekit/svc-forwarder/pkg/sfu/videolayerselector"
	"github.com/livekit/svc-forwarder/pkg/telemetry/prometheus"
)

const (
	DefaultPLIThrottle = time.Second
)

type Params struct {
	MimeType string
	// select on the dependency descriptor whatever the codec
	UseDependencyDescriptor   bool
	DependencyDescriptorExtID uint8

	// outgoing SSRC, 0 keeps the source one
	SSRC       uint32
	SourceSSRC uint32
	SenderSSRC uint32

	PLIThrottle time.Duration
	UseFIR      bool
	HistorySize int

	SequenceNumberStart uint16
	TimestampStart      uint32

	Logger            logger.Logger
	OnKeyFrameRequest func(pkts []rtcp.Packet)
}

type Stats struct {
	Forwarded        uint64
	Dropped          uint64
	KeyFrameRequests uint64
	LayerSwitches    uint64
}

// Transponder forwards one source to one output. It owns the layer selector
// for that output and rewrites what it forwards so the output looks like a
// single continuous stream.
type Transponder struct {
	params Params
	logger logger.Logger
	codec  string

	selector          videolayerselector.VideoLayerSelector
	keyFrameRequester *rtcpfeedback.KeyFrameRequester

	muted atomic.Bool

	lock           sync.Mutex
	rtpMunger      *rtpMunger
	vp8Munger      *vp8Munger
	history        *forwardHistory
	hasTarget      bool
	targetSpatial  uint8
	targetTemporal uint8

	// active decode targets as sent by the source and as last seen by the receiver
	sourceDecodeTargets    uint32
	announcedDecodeTargets uint32

	forwarded        atomic.Uint64
	dropped          atomic.Uint64
	keyFrameRequests atomic.Uint64
	layerSwitches    atomic.Uint64
}

func New(params Params) (*Transponder, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.PLIThrottle <= 0 {
		params.PLIThrottle = DefaultPLIThrottle
	}

	l := params.Logger.WithValues("sourceSSRC", params.SourceSSRC, "mime", params.MimeType)

	var (
		selector videolayerselector.VideoLayerSelector
		err      error
	)
	if params.UseDependencyDescriptor {
		selector, err = videolayerselector.CreateForDependencyDescriptor(params.MimeType, l)
	} else {
		selector, err = videolayerselector.Create(params.MimeType, l)
	}
	if err != nil {
		return nil, err
	}

	mime := utils.MatchMimeType(params.MimeType)
	t := &Transponder{
		params:   params,
		logger:   l,
		codec:    mime.String(),
		selector: selector,
		keyFrameRequester: rtcpfeedback.NewKeyFrameRequester(rtcpfeedback.KeyFrameRequesterParams{
			SenderSSRC:  params.SenderSSRC,
			MediaSSRC:   params.SourceSSRC,
			UseFIR:      params.UseFIR,
			MinInterval: params.PLIThrottle,
		}),
		rtpMunger: newRTPMunger(params.SequenceNumberStart, params.TimestampStart, l),
		history:   newForwardHistory(params.HistorySize),
	}
	if mime == utils.MimeTypeVP8 {
		t.vp8Munger = newVP8Munger(l)
	}
	return t, nil
}

// Forward runs the packet through the selector and returns the rewritten
// packet to send when it is selected. The returned packet shares the
// payload of the source packet unless it had to be rewritten.
func (t *Transponder) Forward(extPkt *buffer.ExtPacket) (*rtp.Packet, bool) {
	if extPkt == nil || extPkt.Packet == nil {
		return nil, false
	}

	t.lock.Lock()
	pkt, keyFrameRequest := t.forwardLocked(extPkt)
	t.lock.Unlock()

	t.sendKeyFrameRequest(keyFrameRequest)
	return pkt, pkt != nil
}

func (t *Transponder) forwardLocked(extPkt *buffer.ExtPacket) (*rtp.Packet, []rtcp.Packet) {
	if t.muted.Load() {
		t.dropLocked(extPkt, prometheus.DropReasonMuted)
		return nil, nil
	}

	result := t.selector.Select(extPkt)
	if result.IsSwitching {
		t.layerSwitches.Inc()
		prometheus.IncrementLayerSwitch(t.codec)
	}

	var keyFrameRequest []rtcp.Packet
	if t.selector.IsWaitingForIntra() {
		keyFrameRequest = t.requestKeyFrame(arrivalTime(extPkt), "waiting for intra")
	}

	if !result.IsSelected {
		reason := prometheus.DropReasonLayer
		if t.selector.IsWaitingForIntra() {
			reason = prometheus.DropReasonIntra
		}
		t.dropLocked(extPkt, reason)
		return nil, keyFrameRequest
	}

	payload := extPkt.Packet.Payload
	if t.vp8Munger != nil {
		munged, err := t.vp8Munger.munge(extPkt)
		if err != nil {
			t.logger.Debugw("could not munge VP8", "error", err, "sn", extPkt.GetSeqNum())
			t.dropped.Inc()
			prometheus.IncrementDropped(t.codec, prometheus.DropReasonMunge)
			return nil, keyFrameRequest
		}
		payload = munged
	}

	tp, err := t.rtpMunger.updateAndGetSnTs(extPkt)
	if err != nil {
		t.logger.Debugw("could not translate sequence number", "error", err, "sn", extPkt.GetSeqNum())
		t.dropped.Inc()
		prometheus.IncrementDropped(t.codec, prometheus.DropReasonOutOfOrder)
		return nil, keyFrameRequest
	}

	pkt := &rtp.Packet{
		Header:      extPkt.Packet.Header.Clone(),
		Payload:     payload,
		PaddingSize: extPkt.Packet.PaddingSize,
	}
	pkt.SequenceNumber = tp.sequenceNumber
	pkt.Timestamp = tp.timestamp
	pkt.Marker = result.RTPMarker
	if t.params.SSRC != 0 {
		pkt.SSRC = t.params.SSRC
	}
	t.rewriteDependencyDescriptor(extPkt, pkt)

	t.history.push(extPkt.Packet.SequenceNumber, pkt.SequenceNumber)
	t.forwarded.Inc()
	prometheus.IncrementForwarded(t.codec, pkt.MarshalSize())
	return pkt, keyFrameRequest
}

func (t *Transponder) dropLocked(extPkt *buffer.ExtPacket, reason string) {
	if t.rtpMunger.isStarted() {
		t.rtpMunger.packetDropped(extPkt)
		if t.vp8Munger != nil {
			t.vp8Munger.pictureDropped(extPkt)
		}
	}

	t.dropped.Inc()
	prometheus.IncrementDropped(t.codec, reason)
}

// rewriteDependencyDescriptor narrows the active decode targets announced to
// the receiver to the ones being forwarded. The mask goes out on structure
// carrying packets and on the first packet after the forwarded set changes.
func (t *Transponder) rewriteDependencyDescriptor(extPkt *buffer.ExtPacket, pkt *rtp.Packet) {
	if t.params.DependencyDescriptorExtID == 0 {
		return
	}
	descriptor := extPkt.GetDependencyDescriptor()
	structure := extPkt.GetTemplateDependencyStructure()
	if descriptor == nil || structure == nil {
		return
	}

	// what the receiver will apply if the packet goes out as is
	announced := t.announcedDecodeTargets
	if current, ok := descriptor.ActiveDecodeTargets(); ok {
		t.sourceDecodeTargets = current
		announced = current
	}

	active := t.sourceDecodeTargets & structure.AllDecodeTargetsBitmask()
	if mask, isRestricted := t.selector.GetForwardedDecodeTargets(); isRestricted {
		active &= mask
	}
	if active == announced {
		t.announcedDecodeTargets = active
		return
	}

	rewritten := *descriptor
	rewritten.ActiveDecodeTargetsBitmask = &active
	buf, err := rewritten.Serialize(structure)
	if err != nil {
		t.logger.Warnw("could not serialize dependency descriptor", err, "sn", extPkt.GetSeqNum())
		t.announcedDecodeTargets = announced
		return
	}
	if err := pkt.Header.SetExtension(t.params.DependencyDescriptorExtID, buf); err != nil {
		t.logger.Warnw("could not set dependency descriptor", err, "sn", extPkt.GetSeqNum())
		t.announcedDecodeTargets = announced
		return
	}
	t.announcedDecodeTargets = active
	t.logger.Debugw("announcing active decode targets", "mask", active, "sn", extPkt.GetSeqNum())
}

// SelectLayer sets the target layers. A change of spatial layer asks the
// source for a key frame.
func (t *Transponder) SelectLayer(spatial uint8, temporal uint8) {
	t.lock.Lock()
	spatialChanged := t.hasTarget && spatial != t.targetSpatial
	t.hasTarget = true
	t.targetSpatial = spatial
	t.targetTemporal = temporal
	t.lock.Unlock()

	t.selector.SelectSpatialLayer(spatial)
	t.selector.SelectTemporalLayer(temporal)

	if spatialChanged {
		t.sendKeyFrameRequest(t.requestKeyFrame(time.Now(), "spatial layer change"))
	}
}

func (t *Transponder) GetTargetLayer() (uint8, uint8, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.targetSpatial, t.targetTemporal, t.hasTarget
}

// GetCurrentLayer returns the layer being forwarded.
func (t *Transponder) GetCurrentLayer() (uint8, uint8) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.selector.GetSpatialLayer(), t.selector.GetTemporalLayer()
}

func (t *Transponder) GetForwardedDecodeTargets() (uint32, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.selector.GetForwardedDecodeTargets()
}

func (t *Transponder) IsWaitingForIntra() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.selector.IsWaitingForIntra()
}

// Mute drops everything while muted. Unmuting asks for a key frame.
func (t *Transponder) Mute(muted bool) {
	if t.muted.Swap(muted) == muted {
		return
	}

	t.logger.Infow("setting mute", "muted", muted)
	if !muted {
		t.sendKeyFrameRequest(t.requestKeyFrame(time.Now(), "unmute"))
	}
}

func (t *Transponder) IsMuted() bool {
	return t.muted.Load()
}

// TranslateNack maps the sequence numbers a receiver asks for back to the
// source ones. Packets that were never forwarded, or are too old, are left
// out. Returns nil when nothing is left.
func (t *Transponder) TranslateNack(nack *rtcp.TransportLayerNack) *rtcp.TransportLayerNack {
	if nack == nil {
		return nil
	}

	requested := 0
	var sns []uint16
	t.lock.Lock()
	for _, pair := range nack.Nacks {
		for _, outSN := range pair.PacketList() {
			requested++
			if sourceSN, ok := t.history.lookup(outSN); ok {
				sns = append(sns, sourceSN)
			}
		}
	}
	t.lock.Unlock()

	prometheus.IncrementNack(prometheus.Incoming, requested)
	if len(sns) == 0 {
		return nil
	}

	prometheus.IncrementNack(prometheus.Outgoing, len(sns))
	return &rtcp.TransportLayerNack{
		SenderSSRC: t.params.SenderSSRC,
		MediaSSRC:  t.params.SourceSSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(sns),
	}
}

// HandleFeedback reacts to feedback from the receiver of this output and
// returns what should be sent to the source.
func (t *Transponder) HandleFeedback(feedbacks []rtcpfeedback.Feedback, now time.Time) []rtcp.Packet {
	var upstream []rtcp.Packet
	for _, fb := range feedbacks {
		switch {
		case fb.Kind == rtcpfeedback.KindNack:
			if nack, ok := fb.Packet.(*rtcp.TransportLayerNack); ok {
				if translated := t.TranslateNack(nack); translated != nil {
					upstream = append(upstream, translated)
				}
			}

		case fb.Kind.IsKeyFrameRequest():
			upstream = append(upstream, t.requestKeyFrame(now, "receiver request")...)
		}
	}
	return upstream
}

func (t *Transponder) Stats() Stats {
	return Stats{
		Forwarded:        t.forwarded.Load(),
		Dropped:          t.dropped.Load(),
		KeyFrameRequests: t.keyFrameRequests.Load(),
		LayerSwitches:    t.layerSwitches.Load(),
	}
}

func (t *Transponder) requestKeyFrame(now time.Time, reason string) []rtcp.Packet {
	pkts := t.keyFrameRequester.Request(now)
	if len(pkts) == 0 {
		return nil
	}

	kind := t.keyFrameRequester.Kind().String()
	t.keyFrameRequests.Inc()
	prometheus.IncrementKeyFrameRequest(kind)
	t.logger.Debugw("requesting key frame", "reason", reason, "kind", kind)
	return pkts
}

func (t *Transponder) sendKeyFrameRequest(pkts []rtcp.Packet) {
	if len(pkts) != 0 && t.params.OnKeyFrameRequest != nil {
		t.params.OnKeyFrameRequest(pkts)
	}
}

func arrivalTime(extPkt *buffer.ExtPacket) time.Time {
	if extPkt.Arrival.IsZero() {
		return time.Now()
	}
	return extPkt.Arrival
}
