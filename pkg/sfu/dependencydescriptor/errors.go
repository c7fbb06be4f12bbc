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

package dependencydescriptor

import (
	"errors"
)

var (
	ErrNoStructure               = errors.New("dependency descriptor: no template dependency structure")
	ErrInvalidTemplateIndex      = errors.New("dependency descriptor: invalid template index")
	ErrTooManyTemplates          = errors.New("dependency descriptor: too many templates")
	ErrTooManyTemporalLayers     = errors.New("dependency descriptor: too many temporal layers")
	ErrTooManySpatialLayers      = errors.New("dependency descriptor: too many spatial layers")
	ErrInvalidNextLayer          = errors.New("dependency descriptor: templates not ordered by layer")
	ErrInvalidDecodeTargets      = errors.New("dependency descriptor: invalid number of decode targets")
	ErrInvalidStructureId        = errors.New("dependency descriptor: invalid structure id")
	ErrNumDTIMismatch            = errors.New("dependency descriptor: decode target indications length mismatch with structure")
	ErrNumChainDiffsMismatch     = errors.New("dependency descriptor: chain diffs length mismatch with structure")
	ErrInvalidChain              = errors.New("dependency descriptor: invalid chain")
	ErrInvalidFrameDiff          = errors.New("dependency descriptor: frame diff out of range")
	ErrInvalidResolution         = errors.New("dependency descriptor: invalid resolution")
	ErrResolutionsMismatch       = errors.New("dependency descriptor: resolutions length mismatch with spatial layers")
	ErrActiveDecodeTargetsNoRoom = errors.New("dependency descriptor: active decode targets bitmask wider than decode targets")
)
