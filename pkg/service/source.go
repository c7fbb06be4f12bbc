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

package service

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/config"
	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"
	"github.com/livekit/svc-forwarder/pkg/sfu/rtcpfeedback"
	"github.com/livekit/svc-forwarder/pkg/sfu/transponder"
	"github.com/livekit/svc-forwarder/pkg/telemetry/prometheus"
)

// output is a receiver shared by the forwarders of all sources.
type output struct {
	conf   config.ReplayOutputConfig
	logger logger.Logger

	lock        sync.Mutex
	writer      *CaptureWriter
	writeErrors atomic.Uint64
}

func newOutput(conf config.ReplayOutputConfig, l logger.Logger) (*output, error) {
	o := &output{
		conf:   conf,
		logger: l.WithValues("output", conf.Name),
	}
	if conf.Path != "" {
		writer, err := CreateCapture(conf.Path, 5006)
		if err != nil {
			return nil, err
		}
		o.writer = writer
	}
	return o, nil
}

func (o *output) write(pkt *rtp.Packet, at time.Time) {
	if o.writer == nil {
		return
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	if err := o.writer.WriteRTP(pkt, at); err != nil {
		if o.writeErrors.Inc() == 1 {
			o.logger.Warnw("could not write packet", err, "ssrc", pkt.SSRC, "sn", pkt.SequenceNumber)
		}
	}
}

func (o *output) close() {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.writer != nil {
		if err := o.writer.Close(); err != nil {
			o.logger.Warnw("could not close capture", err)
		}
		o.writer = nil
	}
}

// -----------------------------------------------------------

// forwarder feeds one source to one output. Packets are forwarded in order
// on a single worker so that sources and outputs proceed in parallel.
type forwarder struct {
	output      *output
	transponder *transponder.Transponder
	pool        *workerpool.WorkerPool
	advisor     *rtcpfeedback.REMBLayerAdvisor

	bytes atomic.Uint64
}

func (f *forwarder) submit(extPkt *buffer.ExtPacket) {
	f.pool.Submit(func() {
		pkt, ok := f.transponder.Forward(extPkt)
		if !ok {
			return
		}

		f.bytes.Add(uint64(pkt.MarshalSize()))
		f.output.write(pkt, extPkt.Arrival)
	})
}

func (f *forwarder) stop() {
	f.pool.StopWait()
}

// -----------------------------------------------------------

// source is an ingest stream with its loss tracking and forwarders.
// process is called from the goroutine reading the stream's capture.
type source struct {
	conf       *config.Config
	inputIndex int
	input      config.ReplayInputConfig
	logger     logger.Logger
	stream *buffer.Stream

	forwarders []*forwarder

	lock      sync.Mutex
	nackQueue *rtcpfeedback.NackQueue
	started   bool
	highestSN uint64
	lastFrame *frameInfo
	lastNack  time.Time
	lost      uint64
	nacked    uint64
	errors    uint64
}

type frameInfo struct {
	number        uint16
	decodeTargets uint32
}

func newSource(conf *config.Config, inputIndex int, input config.ReplayInputConfig, stream *buffer.Stream, outputs []*output, l logger.Logger) (*source, error) {
	s := &source{
		conf:       conf,
		inputIndex: inputIndex,
		input:      input,
		logger:     l.WithValues("ssrc", stream.SSRC()),
		stream:     stream,
		nackQueue: rtcpfeedback.NewNackQueue(rtcpfeedback.NackQueueParams{
			MaxNackTimes: conf.RTCP.Nack.MaxNackTimes,
			Capacity:     conf.RTCP.Nack.Capacity,
		}),
	}

	for _, o := range outputs {
		f, err := s.newForwarder(o)
		if err != nil {
			s.stop()
			return nil, err
		}
		s.forwarders = append(s.forwarders, f)
	}
	return s, nil
}

func (s *source) newForwarder(o *output) (*forwarder, error) {
	l := s.logger.WithValues("output", o.conf.Name)
	tr, err := transponder.New(transponder.Params{
		MimeType:                  s.input.MimeType,
		UseDependencyDescriptor:   s.conf.Selector.UseDependencyDescriptor && s.input.DependencyDescriptorExtID != 0,
		DependencyDescriptorExtID: s.input.DependencyDescriptorExtID,
		SourceSSRC:                s.stream.SSRC(),
		SenderSSRC:                s.conf.Replay.SenderSSRC,
		PLIThrottle:               s.conf.RTCP.PLIThrottle,
		UseFIR:                    s.conf.RTCP.UseFIR,
		HistorySize:               s.conf.Selector.HistorySize,
		SequenceNumberStart:       1,
		Logger:                    l,
		OnKeyFrameRequest: func(pkts []rtcp.Packet) {
			l.Debugw("key frame request", "packets", len(pkts))
		},
	})
	if err != nil {
		return nil, err
	}

	f := &forwarder{
		output:      o,
		transponder: tr,
		pool:        workerpool.New(1),
	}

	if o.conf.EstimatedBitrate == 0 {
		tr.SelectLayer(o.conf.SpatialLayer, o.conf.TemporalLayer)
		return f, nil
	}

	advisor, err := rtcpfeedback.NewREMBLayerAdvisor(rtcpfeedback.REMBLayerAdvisorParams{
		Thresholds: s.conf.RTCP.REMB.Thresholds,
		Debounce:   s.conf.RTCP.REMB.Debounce,
		Logger:     l,
		OnAdvice:   tr.SelectLayer,
	})
	if err != nil {
		f.stop()
		return nil, err
	}
	f.advisor = advisor
	tr.SelectLayer(advisor.LayerForBitrate(o.conf.EstimatedBitrate))
	advisor.OnREMB(&rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: s.conf.Replay.SenderSSRC,
		Bitrate:    float32(o.conf.EstimatedBitrate),
		SSRCs:      []uint32{s.stream.SSRC()},
	})
	return f, nil
}

func (s *source) process(pkt *rtp.Packet, arrival time.Time) {
	extPkt, err := s.stream.Process(pkt, arrival)
	if extPkt == nil {
		s.lock.Lock()
		s.errors++
		s.lock.Unlock()
		s.logger.Debugw("dropping unparseable packet", "error", err, "sn", pkt.SequenceNumber)
		return
	}

	s.trackLoss(extPkt)
	for _, f := range s.forwarders {
		f.submit(extPkt)
	}
}

func (s *source) trackLoss(extPkt *buffer.ExtPacket) {
	s.lock.Lock()
	defer s.lock.Unlock()

	frame := getFrameInfo(extPkt)
	extSN := extPkt.ExtSequenceNumber
	switch {
	case !s.started:
		s.started = true
		s.highestSN = extSN

	case extSN > s.highestSN:
		// a gap inside a frame belongs to that frame
		var decodeTargets uint32
		if frame != nil && s.lastFrame != nil && frame.number == s.lastFrame.number {
			decodeTargets = frame.decodeTargets
		}
		from := s.highestSN + 1
		s.lost += extSN - from
		if capacity := uint64(s.nackCapacity()); extSN-from > capacity {
			from = extSN - capacity
		}
		for missing := from; missing < extSN; missing++ {
			s.nackQueue.Push(uint16(missing), decodeTargets, extPkt.Arrival)
		}
		s.highestSN = extSN

	default:
		// late arrival of a packet considered lost
		s.nackQueue.Remove(uint16(extSN))
		if s.lost > 0 {
			s.lost--
		}
		return
	}
	s.lastFrame = frame

	if extPkt.Arrival.Sub(s.lastNack) < s.conf.RTCP.Nack.Interval {
		return
	}
	s.lastNack = extPkt.Arrival

	s.nackQueue.SetForwardedDecodeTargets(s.forwardedDecodeTargets())
	if nack := s.nackQueue.Build(s.conf.Replay.SenderSSRC, s.stream.SSRC(), extPkt.Arrival); nack != nil {
		count := 0
		for _, pair := range nack.Nacks {
			count += len(pair.PacketList())
		}
		s.nacked += uint64(count)
		prometheus.IncrementNack(prometheus.Outgoing, count)
	}
}

// forwardedDecodeTargets is the union over all forwarders, unrestricted if
// any of them is.
func (s *source) forwardedDecodeTargets() (uint32, bool) {
	var mask uint32
	for _, f := range s.forwarders {
		m, isRestricted := f.transponder.GetForwardedDecodeTargets()
		if !isRestricted {
			return 0, false
		}
		mask |= m
	}
	return mask, len(s.forwarders) != 0
}

func (s *source) onREMB(remb *rtcp.ReceiverEstimatedMaximumBitrate) {
	for _, f := range s.forwarders {
		if f.advisor != nil {
			f.advisor.OnREMB(remb)
		}
	}
}

func (s *source) nackCapacity() int {
	if s.conf.RTCP.Nack.Capacity <= 0 {
		return rtcpfeedback.DefaultNackCapacity
	}
	return s.conf.RTCP.Nack.Capacity
}

func (s *source) stop() {
	for _, f := range s.forwarders {
		f.stop()
	}
}

func getFrameInfo(extPkt *buffer.ExtPacket) *frameInfo {
	descriptor := extPkt.GetDependencyDescriptor()
	structure := extPkt.GetTemplateDependencyStructure()
	if descriptor == nil || structure == nil {
		return nil
	}

	template, err := structure.GetTemplate(descriptor.FrameDependencyTemplateId)
	if err != nil {
		return nil
	}

	var decodeTargets uint32
	for dt, dti := range descriptor.EffectiveDecodeTargetIndications(template) {
		if dti != dd.DecodeTargetNotPresent {
			decodeTargets |= 1 << dt
		}
	}
	return &frameInfo{number: descriptor.FrameNumber, decodeTargets: decodeTargets}
}
