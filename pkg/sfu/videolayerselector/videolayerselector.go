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

package videolayerselector

import (
	"errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/buffer"
	"github.com/livekit/svc-forwarder/pkg/sfu/utils"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

type VideoLayerSelectorResult struct {
	IsSelected  bool
	IsSwitching bool
	IsResuming  bool
	RTPMarker   bool
}

// VideoLayerSelector decides, packet by packet, what part of an encoded
// video source is forwarded. Targets may be set from any goroutine,
// everything else must be called from the single goroutine feeding Select.
type VideoLayerSelector interface {
	SelectSpatialLayer(id uint8)
	SelectTemporalLayer(id uint8)

	Select(extPkt *buffer.ExtPacket) VideoLayerSelectorResult

	// active layers, may lag the selected ones until a switch point
	GetSpatialLayer() uint8
	GetTemporalLayer() uint8

	IsWaitingForIntra() bool

	// GetForwardedDecodeTargets returns false when forwarding is not restricted.
	GetForwardedDecodeTargets() (uint32, bool)

	GetLayerIds(extPkt *buffer.ExtPacket) buffer.LayerInfo
}

// Create returns the selector for the negotiated codec.
func Create(mimeType string, logger logger.Logger) (VideoLayerSelector, error) {
	switch utils.MatchMimeType(mimeType) {
	case utils.MimeTypeVP8:
		return NewVP8(logger), nil
	case utils.MimeTypeVP9:
		return NewVP9(logger), nil
	case utils.MimeTypeAV1:
		return NewDependencyDescriptor(logger), nil
	case utils.MimeTypeH264:
		return NewH264(logger), nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// CreateForDependencyDescriptor selects on the dependency descriptor whatever
// the codec, for senders that negotiated the extension.
func CreateForDependencyDescriptor(mimeType string, logger logger.Logger) (VideoLayerSelector, error) {
	if utils.MatchMimeType(mimeType) == utils.MimeTypeUnknown {
		return nil, ErrUnsupportedCodec
	}
	return NewDependencyDescriptor(logger), nil
}
