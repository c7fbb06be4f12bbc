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
	"sync"
	"time"

	"github.com/pion/rtcp"
)

const (
	DefaultKeyFrameRequestInterval = time.Second
)

type KeyFrameRequesterParams struct {
	SenderSSRC  uint32
	MediaSSRC   uint32
	UseFIR      bool
	MinInterval time.Duration
}

// KeyFrameRequester builds PLI or FIR messages for a media source, at most one
// per MinInterval.
type KeyFrameRequester struct {
	params KeyFrameRequesterParams

	lock        sync.Mutex
	lastRequest time.Time
	firSeqNum   uint8
}

func NewKeyFrameRequester(params KeyFrameRequesterParams) *KeyFrameRequester {
	if params.MinInterval <= 0 {
		params.MinInterval = DefaultKeyFrameRequestInterval
	}
	return &KeyFrameRequester{
		params: params,
	}
}

// Request returns nil while throttled.
func (k *KeyFrameRequester) Request(now time.Time) []rtcp.Packet {
	k.lock.Lock()
	defer k.lock.Unlock()

	if !k.lastRequest.IsZero() && now.Sub(k.lastRequest) < k.params.MinInterval {
		return nil
	}
	k.lastRequest = now

	if k.params.UseFIR {
		k.firSeqNum++
		return []rtcp.Packet{
			&rtcp.FullIntraRequest{
				SenderSSRC: k.params.SenderSSRC,
				MediaSSRC:  k.params.MediaSSRC,
				FIR: []rtcp.FIREntry{
					{
						SSRC:           k.params.MediaSSRC,
						SequenceNumber: k.firSeqNum,
					},
				},
			},
		}
	}

	return []rtcp.Packet{
		&rtcp.PictureLossIndication{
			SenderSSRC: k.params.SenderSSRC,
			MediaSSRC:  k.params.MediaSSRC,
		},
	}
}

func (k *KeyFrameRequester) Kind() Kind {
	if k.params.UseFIR {
		return KindFIR
	}
	return KindPLI
}

func (k *KeyFrameRequester) LastRequest() time.Time {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.lastRequest
}
