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
	"github.com/gammazero/deque"
)

const (
	DefaultHistorySize = 500
)

type forwardedPacket struct {
	sourceSN uint16
	outSN    uint16
}

// forwardHistory remembers which source packet went out under which
// sequence number, for the last `size` forwarded packets.
type forwardHistory struct {
	size    int
	packets deque.Deque[forwardedPacket]
}

func newForwardHistory(size int) *forwardHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	h := &forwardHistory{size: size}
	h.packets.SetMinCapacity(6)
	return h
}

func (h *forwardHistory) push(sourceSN uint16, outSN uint16) {
	h.packets.PushBack(forwardedPacket{sourceSN: sourceSN, outSN: outSN})
	for h.packets.Len() > h.size {
		h.packets.PopFront()
	}
}

func (h *forwardHistory) lookup(outSN uint16) (uint16, bool) {
	// recent packets are the most likely to be asked for
	idx := h.packets.RIndex(func(p forwardedPacket) bool { return p.outSN == outSN })
	if idx < 0 {
		return 0, false
	}
	return h.packets.At(idx).sourceSN, true
}

func (h *forwardHistory) len() int {
	return h.packets.Len()
}
