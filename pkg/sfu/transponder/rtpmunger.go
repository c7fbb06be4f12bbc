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
	"sort"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
)

const (
	// late packets further than this behind the highest incoming one are not translated
	lateWindow = 2000
)

type snTs struct {
	sequenceNumber uint16
	timestamp      uint32
}

// rtpMunger keeps outgoing sequence numbers contiguous across the packets
// the selector drops. Lost packets keep their slot so that the receiver can
// still NACK them.
//
//	out = snStart + (extSN - extFirstSN) - dropped before extSN
type rtpMunger struct {
	logger logger.Logger

	snStart uint16
	tsStart uint32

	started      bool
	extFirstSN   uint64
	extFirstTS   uint64
	extHighestSN uint64

	// in order drops within lateWindow, ascending
	drops       deque.Deque[uint64]
	prunedDrops uint64
}

func newRTPMunger(snStart uint16, tsStart uint32, logger logger.Logger) *rtpMunger {
	return &rtpMunger{
		logger:  logger,
		snStart: snStart,
		tsStart: tsStart,
	}
}

func (r *rtpMunger) isStarted() bool {
	return r.started
}

func (r *rtpMunger) numDropped() uint64 {
	return r.prunedDrops + uint64(r.drops.Len())
}

// packetDropped records a packet the selector did not pick. Only drops ahead
// of the highest incoming sequence number shift later packets.
func (r *rtpMunger) packetDropped(extPkt *buffer.ExtPacket) {
	if !r.started || extPkt.ExtSequenceNumber <= r.extHighestSN {
		return
	}

	r.extHighestSN = extPkt.ExtSequenceNumber
	r.drops.PushBack(extPkt.ExtSequenceNumber)
	for r.drops.Len() != 0 && r.drops.Front()+lateWindow < r.extHighestSN {
		r.drops.PopFront()
		r.prunedDrops++
	}
}

func (r *rtpMunger) updateAndGetSnTs(extPkt *buffer.ExtPacket) (snTs, error) {
	extSN := extPkt.ExtSequenceNumber
	if !r.started {
		r.started = true
		r.extFirstSN = extSN
		r.extFirstTS = extPkt.ExtTimestamp
		r.extHighestSN = extSN
		r.logger.Debugw("starting munger", "sn", extSN, "ts", extPkt.ExtTimestamp, "snStart", r.snStart, "tsStart", r.tsStart)
		return snTs{sequenceNumber: r.snStart, timestamp: r.tsStart}, nil
	}

	dropped := r.numDropped()
	switch {
	case extSN == r.extHighestSN:
		return snTs{}, ErrDuplicatePacket

	case extSN < r.extHighestSN:
		if extSN < r.extFirstSN || r.extHighestSN-extSN > lateWindow {
			return snTs{}, ErrOutOfOrderSequenceNumberCacheMiss
		}

		idx := sort.Search(r.drops.Len(), func(i int) bool { return r.drops.At(i) >= extSN })
		if idx < r.drops.Len() && r.drops.At(idx) == extSN {
			// was dropped, its slot is gone
			return snTs{}, ErrOutOfOrderSequenceNumberCacheMiss
		}
		dropped = r.prunedDrops + uint64(idx)

	default:
		r.extHighestSN = extSN
	}

	return snTs{
		sequenceNumber: uint16(uint64(r.snStart) + extSN - r.extFirstSN - dropped),
		timestamp:      r.tsStart + uint32(extPkt.ExtTimestamp-r.extFirstTS),
	}, nil
}
