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

package buffer

import (
	"time"

	"github.com/pion/rtp"

	dd "github.com/livekit/svc-forwarder/pkg/sfu/dependencydescriptor"
)

type ExtDependencyDescriptor struct {
	Descriptor *dd.DependencyDescriptor

	// structure in effect when the descriptor was parsed, either attached to
	// this packet or cached by the stream
	Structure     *dd.TemplateDependencyStructure
	DecodeTargets []dd.DecodeTargetLayer

	StructureUpdated           bool
	ActiveDecodeTargetsUpdated bool
}

type ExtPacket struct {
	VideoLayer
	Arrival              time.Time
	ExtSequenceNumber    uint64
	ExtTimestamp         uint64
	Packet               *rtp.Packet
	Payload              interface{}
	KeyFrame             bool
	DependencyDescriptor *ExtDependencyDescriptor
}

func (e *ExtPacket) GetDependencyDescriptor() *dd.DependencyDescriptor {
	if e.DependencyDescriptor == nil {
		return nil
	}
	return e.DependencyDescriptor.Descriptor
}

func (e *ExtPacket) GetTemplateDependencyStructure() *dd.TemplateDependencyStructure {
	if e.DependencyDescriptor == nil {
		return nil
	}
	return e.DependencyDescriptor.Structure
}

// HasTemplateDependencyStructure reports whether this packet (re)declares the
// structure.
func (e *ExtPacket) HasTemplateDependencyStructure() bool {
	d := e.GetDependencyDescriptor()
	return d != nil && d.AttachedStructure != nil
}

func (e *ExtPacket) GetMark() bool {
	return e.Packet != nil && e.Packet.Marker
}

func (e *ExtPacket) GetSeqNum() uint16 {
	if e.Packet == nil {
		return 0
	}
	return e.Packet.SequenceNumber
}

func (e *ExtPacket) GetExtSeqNum() uint64 {
	return e.ExtSequenceNumber
}
