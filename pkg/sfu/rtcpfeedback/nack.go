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
	"time"

	"github.com/pion/rtcp"
)

const (
	DefaultMaxNackTimes = 5   // max number of times a sequence number is NACKed
	DefaultNackCapacity = 100 // max sequence numbers tracked

	minNackInterval   = 20 * time.Millisecond  // minimum interval between NACK tries for the same sequence number
	maxNackInterval   = 400 * time.Millisecond // maximum interval between NACK tries for the same sequence number
	initialNackDelay  = 10 * time.Millisecond  // wait for out of order packets before the first NACK
	nackBackoffFactor = float64(1.25)
)

type NackQueueParams struct {
	MaxNackTimes int
	Capacity     int
}

// NackQueue tracks missing sequence numbers of a source and builds NACK
// pairs for them, retrying with exponential backoff.
//
// Every missing sequence number may carry the decode targets it is believed
// to belong to. While forwarding is restricted to a set of decode targets,
// losses relevant only to other decode targets are not requested.
type NackQueue struct {
	params NackQueueParams

	nacks []*nack
	rtt   uint32

	forwardedDecodeTargets uint32
	isRestricted           bool
}

func NewNackQueue(params NackQueueParams) *NackQueue {
	if params.MaxNackTimes <= 0 {
		params.MaxNackTimes = DefaultMaxNackTimes
	}
	if params.Capacity <= 0 {
		params.Capacity = DefaultNackCapacity
	}
	return &NackQueue{
		params: params,
		nacks:  make([]*nack, 0, params.Capacity),
	}
}

// SetRTT in milliseconds.
func (n *NackQueue) SetRTT(rtt uint32) {
	n.rtt = rtt
}

// SetForwardedDecodeTargets takes the result of
// VideoLayerSelector.GetForwardedDecodeTargets.
func (n *NackQueue) SetForwardedDecodeTargets(mask uint32, isRestricted bool) {
	n.forwardedDecodeTargets = mask
	n.isRestricted = isRestricted
}

func (n *NackQueue) Len() int {
	return len(n.nacks)
}

func (n *NackQueue) Remove(sn uint16) {
	for idx, nack := range n.nacks {
		if nack.seqNum != sn {
			continue
		}

		copy(n.nacks[idx:], n.nacks[idx+1:])
		n.nacks = n.nacks[:len(n.nacks)-1]
		break
	}
}

// Push adds a missing sequence number, decodeTargets of 0 means unknown.
func (n *NackQueue) Push(sn uint16, decodeTargets uint32, at time.Time) {
	// if at capacity, pop the first one
	if len(n.nacks) == cap(n.nacks) {
		copy(n.nacks[0:], n.nacks[1:])
		n.nacks = n.nacks[:len(n.nacks)-1]
	}

	n.nacks = append(n.nacks, &nack{
		seqNum:        sn,
		decodeTargets: decodeTargets,
		addedAt:       at,
	})
}

func (n *NackQueue) Pairs(now time.Time) ([]rtcp.NackPair, int) {
	if len(n.nacks) == 0 {
		return nil, 0
	}

	// set it far back to get the first pair
	baseSN := n.nacks[0].seqNum - 17

	snsToPurge := make([]uint16, 0)

	numSeqNumsNacked := 0
	isPairActive := false
	var np rtcp.NackPair
	var nps []rtcp.NackPair
	for _, nack := range n.nacks {
		if n.isRestricted && nack.decodeTargets != 0 && nack.decodeTargets&n.forwardedDecodeTargets == 0 {
			snsToPurge = append(snsToPurge, nack.seqNum)
			continue
		}

		shouldSend, shouldRemove := nack.getNack(now, n.rtt, n.params.MaxNackTimes)
		if shouldRemove {
			snsToPurge = append(snsToPurge, nack.seqNum)
			continue
		}
		if !shouldSend {
			continue
		}

		sn := nack.seqNum
		numSeqNumsNacked++
		if (sn - baseSN) > 16 {
			// need a new nack pair
			if isPairActive {
				nps = append(nps, np)
			}

			baseSN = sn

			np.PacketID = sn
			np.LostPackets = 0

			isPairActive = true
		} else {
			np.LostPackets |= 1 << (sn - baseSN - 1)
		}
	}

	// add any left over
	if isPairActive {
		nps = append(nps, np)
	}

	for _, sn := range snsToPurge {
		n.Remove(sn)
	}

	return nps, numSeqNumsNacked
}

// Build returns nil when nothing is due.
func (n *NackQueue) Build(senderSSRC uint32, mediaSSRC uint32, now time.Time) *rtcp.TransportLayerNack {
	pairs, _ := n.Pairs(now)
	if len(pairs) == 0 {
		return nil
	}
	return &rtcp.TransportLayerNack{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
		Nacks:      pairs,
	}
}

// -----------------------------------------------------------------

type nack struct {
	seqNum        uint16
	decodeTargets uint32
	tries         int
	addedAt       time.Time
	lastNackedAt  time.Time
}

func (n *nack) getNack(now time.Time, rtt uint32, maxTries int) (shouldSend bool, shouldRemove bool) {
	if n.tries >= maxTries {
		shouldRemove = true
		return
	}

	if n.tries == 0 {
		if now.Sub(n.addedAt) < initialNackDelay {
			return
		}
	} else {
		// exponentially backoff retries, but cap maximum spacing between retries
		requiredInterval := maxNackInterval
		backoffInterval := time.Duration(float64(rtt)*math.Pow(nackBackoffFactor, float64(n.tries-1))) * time.Millisecond
		if backoffInterval < requiredInterval {
			requiredInterval = backoffInterval
		}
		if requiredInterval < minNackInterval {
			requiredInterval = minNackInterval
		}
		if now.Sub(n.lastNackedAt) < requiredInterval {
			return
		}
	}

	n.tries++
	n.lastNackedAt = now
	shouldSend = true
	return
}
