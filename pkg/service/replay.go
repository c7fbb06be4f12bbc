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
	"context"
	"io"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/config"
	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
	"github.com/livekit/svc-forwarder/pkg/sfu/rtcpfeedback"
)

// Replay pushes captured RTP through one transponder per stream and output,
// the way a forwarding node would, and reports what every output received.
type Replay struct {
	conf     *config.Config
	logger   logger.Logger
	registry *buffer.StreamRegistry
	outputs  []*output

	stop    core.Fuse
	running atomic.Bool
	drained atomic.Bool

	lock      sync.Mutex
	startedAt time.Time
	endedAt   time.Time
	inputs    []*inputStats
	sources   *orderedmap.OrderedMap[uint32, *source]
}

type inputStats struct {
	path        string
	rtpPackets  atomic.Uint64
	rtcpPackets atomic.Uint64
	feedback    atomic.Uint64
	filtered    atomic.Uint64
	conflicts   atomic.Uint64
	skipped     atomic.Uint64
	twccReports atomic.Uint64
}

func NewReplay(conf *config.Config, registry *buffer.StreamRegistry, l logger.Logger) (*Replay, error) {
	if err := conf.ValidateReplay(); err != nil {
		return nil, errors.Wrap(ErrInvalidReplayConfig, err.Error())
	}

	r := &Replay{
		conf:     conf,
		logger:   l,
		registry: registry,
		stop:     core.NewFuse(),
		sources:  orderedmap.NewOrderedMap[uint32, *source](),
	}
	for _, oc := range conf.Replay.Outputs {
		o, err := newOutput(oc, l)
		if err != nil {
			r.closeOutputs()
			return nil, err
		}
		r.outputs = append(r.outputs, o)
	}
	return r, nil
}

// Run replays every input concurrently and returns once all of them are
// done, the context is cancelled or Stop is called.
func (r *Replay) Run(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrReplayRunning
	}

	r.lock.Lock()
	r.startedAt = time.Now()
	r.lock.Unlock()
	r.logger.Infow("starting replay", "inputs", len(r.conf.Replay.Inputs), "outputs", len(r.outputs))

	g, ctx := errgroup.WithContext(ctx)
	for idx, input := range r.conf.Replay.Inputs {
		idx, input := idx, input
		g.Go(func() error {
			return r.replayInput(ctx, idx, input)
		})
	}
	err := g.Wait()

	r.drain()
	r.logger.Infow("replay done", "sources", r.numSources(), "duration", r.duration())
	return err
}

func (r *Replay) Stop() {
	r.stop.Once(func() {
		r.logger.Infow("stopping replay")
	})
}

// replayInput feeds one capture. A source belongs to the first input that
// carries its SSRC, other inputs skip its packets.
func (r *Replay) replayInput(ctx context.Context, idx int, input config.ReplayInputConfig) error {
	reader, err := OpenCapture(input.Path)
	if err != nil {
		return err
	}
	defer reader.Close()

	stats := &inputStats{path: input.Path}
	r.lock.Lock()
	r.inputs = append(r.inputs, stats)
	r.lock.Unlock()

	l := r.logger.WithValues("input", input.Path)
	conflicting := make(map[uint32]struct{})
	twccExtID := r.conf.RTCP.TWCC.ExtensionID
	var twcc *rtcpfeedback.TWCCResponder
	if twccExtID != 0 {
		twcc = rtcpfeedback.NewTWCCResponder(r.conf.Replay.SenderSSRC, 0)
		twcc.OnFeedback(func(_ *rtcp.TransportLayerCC) {
			stats.twccReports.Inc()
		})
	}

	defer func() {
		stats.skipped.Store(uint64(reader.Skipped()))
		if twcc != nil && twcc.Flush() != nil {
			stats.twccReports.Inc()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop.Watch():
			return nil
		default:
		}

		cp, err := reader.Next()
		if err == io.EOF {
			l.Debugw("input done", "packets", stats.rtpPackets.Load())
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "could not read %s", input.Path)
		}

		if cp.RTCP != nil {
			stats.rtcpPackets.Inc()
			if feedbacks, err := rtcpfeedback.Parse(cp.RTCP); err == nil {
				stats.feedback.Add(uint64(len(feedbacks)))
				r.handleFeedback(feedbacks)
			}
			continue
		}

		pkt := cp.RTP
		if len(input.SSRCs) != 0 && !funk.ContainsUInt32(input.SSRCs, pkt.SSRC) {
			stats.filtered.Inc()
			continue
		}
		stats.rtpPackets.Inc()

		if twcc != nil {
			if sn, ok := transportSequenceNumber(pkt, twccExtID); ok {
				twcc.Push(sn, cp.Arrival, pkt.Marker)
			}
		}

		src, err := r.getOrCreateSource(idx, input, pkt.SSRC)
		if err != nil {
			return err
		}
		if src.inputIndex != idx {
			stats.conflicts.Inc()
			if _, ok := conflicting[pkt.SSRC]; !ok {
				conflicting[pkt.SSRC] = struct{}{}
				l.Warnw("skipping ssrc owned by another input", nil, "ssrc", pkt.SSRC, "owner", src.input.Path)
			}
			continue
		}
		src.process(pkt, cp.Arrival)
	}
}

func (r *Replay) getOrCreateSource(idx int, input config.ReplayInputConfig, ssrc uint32) (*source, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if src, ok := r.sources.Get(ssrc); ok {
		return src, nil
	}

	stream, _ := r.registry.GetOrCreate(buffer.StreamParams{
		SSRC:                      ssrc,
		MimeType:                  input.MimeType,
		ClockRate:                 input.ClockRate,
		DependencyDescriptorExtID: input.DependencyDescriptorExtID,
		Logger:                    r.logger.WithValues("ssrc", ssrc),
		OnMaxLayerChanged: func(ssrc uint32, maxLayer buffer.VideoLayer) {
			r.logger.Debugw("max layer changed", "ssrc", ssrc, "maxLayer", maxLayer)
		},
	})
	src, err := newSource(r.conf, idx, input, stream, r.outputs, r.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create source %d", ssrc)
	}
	r.sources.Set(ssrc, src)
	r.logger.Infow("new source", "ssrc", ssrc, "mime", input.MimeType, "input", input.Path)
	return src, nil
}

// handleFeedback passes bandwidth estimates found in the capture to the
// forwarders of the sources they name.
func (r *Replay) handleFeedback(feedbacks []rtcpfeedback.Feedback) {
	for _, fb := range feedbacks {
		remb, ok := fb.Packet.(*rtcp.ReceiverEstimatedMaximumBitrate)
		if !ok {
			continue
		}
		for _, ssrc := range fb.MediaSSRCs {
			r.lock.Lock()
			src, found := r.sources.Get(ssrc)
			r.lock.Unlock()
			if found {
				src.onREMB(remb)
			}
		}
	}
}

// drain waits for every forwarder to finish what was submitted.
func (r *Replay) drain() {
	if r.drained.Swap(true) {
		return
	}

	r.lock.Lock()
	sources := make([]*source, 0, r.sources.Len())
	for el := r.sources.Front(); el != nil; el = el.Next() {
		sources = append(sources, el.Value)
	}
	r.lock.Unlock()

	for _, src := range sources {
		src.stop()
	}
	r.closeOutputs()

	r.lock.Lock()
	r.endedAt = time.Now()
	r.lock.Unlock()
}

func (r *Replay) closeOutputs() {
	for _, o := range r.outputs {
		o.close()
	}
}

func (r *Replay) numSources() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.sources.Len()
}

func (r *Replay) duration() time.Duration {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.startedAt.IsZero() {
		return 0
	}
	if r.endedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.endedAt.Sub(r.startedAt)
}

func transportSequenceNumber(pkt *rtp.Packet, extID uint8) (uint16, bool) {
	ext := pkt.GetExtension(extID)
	if ext == nil {
		return 0, false
	}

	var tcc rtp.TransportCCExtension
	if err := tcc.Unmarshal(ext); err != nil {
		return 0, false
	}
	return tcc.TransportSequence, true
}
