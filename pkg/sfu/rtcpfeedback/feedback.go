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
	"fmt"

	"github.com/pion/rtcp"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNack
	KindPLI
	KindFIR
	KindREMB
	KindTWCC
)

func (k Kind) String() string {
	switch k {
	case KindNack:
		return "NACK"
	case KindPLI:
		return "PLI"
	case KindFIR:
		return "FIR"
	case KindREMB:
		return "REMB"
	case KindTWCC:
		return "TWCC"
	default:
		return fmt.Sprintf("%d", int(k))
	}
}

// IsKeyFrameRequest reports whether the receiver asked for an intra frame.
func (k Kind) IsKeyFrameRequest() bool {
	return k == KindPLI || k == KindFIR
}

type Feedback struct {
	Kind       Kind
	MediaSSRCs []uint32
	Packet     rtcp.Packet
}

// Parse splits a compound RTCP packet and returns the feedback messages in
// it. Reports and other packet types are skipped.
func Parse(buf []byte) ([]Feedback, error) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, err
	}

	var feedbacks []Feedback
	for _, pkt := range pkts {
		kind := classify(pkt)
		if kind == KindUnknown {
			continue
		}
		feedbacks = append(feedbacks, Feedback{
			Kind:       kind,
			MediaSSRCs: pkt.DestinationSSRC(),
			Packet:     pkt,
		})
	}
	if len(feedbacks) == 0 {
		return nil, ErrNoFeedback
	}
	return feedbacks, nil
}

func classify(pkt rtcp.Packet) Kind {
	switch pkt.(type) {
	case *rtcp.TransportLayerNack:
		return KindNack
	case *rtcp.PictureLossIndication:
		return KindPLI
	case *rtcp.FullIntraRequest:
		return KindFIR
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		return KindREMB
	case *rtcp.TransportLayerCC:
		return KindTWCC
	default:
		return KindUnknown
	}
}
