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

package rtcpfeedback

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/rtcp"

	"github.com/livekit/svc-forwarder/pkg/sfu/utils"
)

const (
	twccReportInterval          = 100 * time.Millisecond
	twccReportIntervalAfterMark = 50 * time.Millisecond
	twccMinPackets              = 20
	twccMaxPackets              = 100

	twccReferenceTimeUnit = 64000 // us
	twccMaxRunLength      = 1<<13 - 1
	twccMaxStatusCount    = 1 << 15
)

type twccArrival struct {
	extSN     uint64
	arrivalUs int64
}

// TWCCResponder records the arrival time of every transport wide sequence
// number and periodically reports them back to the sender as transport wide
// congestion control feedback.
type TWCCResponder struct {
	senderSSRC uint32
	mediaSSRC  uint32

	lock           sync.Mutex
	snExtender     *utils.WrapExtender[uint16]
	arrivals       deque.Deque[twccArrival]
	lastReport     time.Time
	lastReportedSN uint64
	hasReported    bool
	fbPktCount     uint8

	onFeedback func(fb *rtcp.TransportLayerCC)
}

func NewTWCCResponder(senderSSRC uint32, mediaSSRC uint32) *TWCCResponder {
	return &TWCCResponder{
		senderSSRC: senderSSRC,
		mediaSSRC:  mediaSSRC,
		snExtender: utils.NewWrapExtender[uint16](),
	}
}

func (t *TWCCResponder) OnFeedback(f func(fb *rtcp.TransportLayerCC)) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.onFeedback = f
}

// Push records the arrival of a transport wide sequence number.
func (t *TWCCResponder) Push(sn uint16, arrival time.Time, marker bool) {
	t.lock.Lock()
	t.arrivals.PushBack(twccArrival{
		extSN:     t.snExtender.Extend(sn),
		arrivalUs: arrival.UnixMicro(),
	})
	if t.lastReport.IsZero() {
		t.lastReport = arrival
	}

	var fb *rtcp.TransportLayerCC
	since := arrival.Sub(t.lastReport)
	if t.arrivals.Len() > twccMinPackets &&
		(since >= twccReportInterval || t.arrivals.Len() > twccMaxPackets || (marker && since >= twccReportIntervalAfterMark)) {
		fb = t.buildLocked()
		t.lastReport = arrival
	}
	onFeedback := t.onFeedback
	t.lock.Unlock()

	if fb != nil && onFeedback != nil {
		onFeedback(fb)
	}
}

// Flush reports everything recorded so far, nil if there is nothing.
func (t *TWCCResponder) Flush() *rtcp.TransportLayerCC {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.buildLocked()
}

func (t *TWCCResponder) buildLocked() *rtcp.TransportLayerCC {
	arrivals := make([]twccArrival, 0, t.arrivals.Len())
	for t.arrivals.Len() != 0 {
		a := t.arrivals.PopFront()
		if t.hasReported && a.extSN <= t.lastReportedSN {
			// already reported or too late
			continue
		}
		arrivals = append(arrivals, a)
	}
	if len(arrivals) == 0 {
		return nil
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivals[i].extSN < arrivals[j].extSN
	})

	baseSN := arrivals[0].extSN
	lastSN := arrivals[len(arrivals)-1].extSN
	if lastSN-baseSN >= twccMaxStatusCount {
		baseSN = lastSN - twccMaxStatusCount + 1
		idx := sort.Search(len(arrivals), func(i int) bool { return arrivals[i].extSN >= baseSN })
		arrivals = arrivals[idx:]
	}

	referenceTime := arrivals[0].arrivalUs / twccReferenceTimeUnit
	prevUs := referenceTime * twccReferenceTimeUnit

	statuses := make([]uint16, 0, lastSN-baseSN+1)
	var deltas []*rtcp.RecvDelta
	idx := 0
	for sn := baseSN; sn <= lastSN; sn++ {
		if idx >= len(arrivals) || arrivals[idx].extSN != sn {
			statuses = append(statuses, rtcp.TypeTCCPacketNotReceived)
			continue
		}

		delta := (arrivals[idx].arrivalUs - prevUs) / rtcp.TypeTCCDeltaScaleFactor
		status := rtcp.TypeTCCPacketReceivedSmallDelta
		if delta < 0 || delta > math.MaxUint8 {
			status = rtcp.TypeTCCPacketReceivedLargeDelta
			delta = max(math.MinInt16, min(math.MaxInt16, delta))
		}
		statuses = append(statuses, status)
		deltas = append(deltas, &rtcp.RecvDelta{Type: status, Delta: delta * rtcp.TypeTCCDeltaScaleFactor})

		// receiver accumulates quantized deltas
		prevUs += delta * rtcp.TypeTCCDeltaScaleFactor

		// duplicates
		for idx < len(arrivals) && arrivals[idx].extSN == sn {
			idx++
		}
	}

	t.lastReportedSN = lastSN
	t.hasReported = true

	fb := &rtcp.TransportLayerCC{
		SenderSSRC:         t.senderSSRC,
		MediaSSRC:          t.mediaSSRC,
		BaseSequenceNumber: uint16(baseSN),
		PacketStatusCount:  uint16(len(statuses)),
		ReferenceTime:      uint32(referenceTime) & 0xffffff,
		FbPktCount:         t.fbPktCount,
		PacketChunks:       encodeStatusChunks(statuses),
		RecvDeltas:         deltas,
	}
	t.fbPktCount++

	unpadded := 4 + 16 + 2*len(fb.PacketChunks)
	for _, d := range deltas {
		if d.Type == rtcp.TypeTCCPacketReceivedSmallDelta {
			unpadded++
		} else {
			unpadded += 2
		}
	}
	fb.Header = rtcp.Header{
		Padding: unpadded%4 != 0,
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
		Length:  uint16(fb.MarshalSize()/4 - 1),
	}
	return fb
}

// encodeStatusChunks uses run length chunks for runs that would not fit
// a status vector and status vectors for everything else.
func encodeStatusChunks(statuses []uint16) []rtcp.PacketStatusChunk {
	var chunks []rtcp.PacketStatusChunk
	for i := 0; i < len(statuses); {
		run := 1
		for i+run < len(statuses) && statuses[i+run] == statuses[i] && run < twccMaxRunLength {
			run++
		}
		if run >= 7 {
			chunks = append(chunks, &rtcp.RunLengthChunk{
				Type:               rtcp.TypeTCCRunLengthChunk,
				PacketStatusSymbol: statuses[i],
				RunLength:          uint16(run),
			})
			i += run
			continue
		}

		end := min(i+14, len(statuses))
		symbolSize := uint16(rtcp.TypeTCCSymbolSizeOneBit)
		for _, s := range statuses[i:end] {
			if s == rtcp.TypeTCCPacketReceivedLargeDelta {
				symbolSize = rtcp.TypeTCCSymbolSizeTwoBit
				end = min(i+7, len(statuses))
				break
			}
		}
		chunks = append(chunks, &rtcp.StatusVectorChunk{
			Type:       rtcp.TypeTCCStatusVectorChunk,
			SymbolSize: symbolSize,
			SymbolList: append([]uint16{}, statuses[i:end]...),
		})
		i = end
	}
	return chunks
}
