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
	"fmt"
)

var (
	InvalidLayer = VideoLayer{
		Spatial:  InvalidLayerSpatial,
		Temporal: InvalidLayerTemporal,
	}
)

type VideoLayer struct {
	Spatial  int32
	Temporal int32
}

func (v VideoLayer) String() string {
	return fmt.Sprintf("VideoLayer{s: %d, t: %d}", v.Spatial, v.Temporal)
}

func (v VideoLayer) GreaterThan(v2 VideoLayer) bool {
	return v.Spatial > v2.Spatial || (v.Spatial == v2.Spatial && v.Temporal > v2.Temporal)
}

// Within reports whether both components are at or below the limit.
func (v VideoLayer) Within(limit VideoLayer) bool {
	return v.Spatial <= limit.Spatial && v.Temporal <= limit.Temporal
}

func (v VideoLayer) IsValid() bool {
	return v.Spatial != InvalidLayerSpatial && v.Temporal != InvalidLayerTemporal
}

func (v VideoLayer) LayerInfo() LayerInfo {
	if !v.IsValid() {
		return LayerInfo{Spatial: MaxLayerId, Temporal: MaxLayerId}
	}
	return LayerInfo{Spatial: uint8(v.Spatial), Temporal: uint8(v.Temporal)}
}

// ------------------------------------------------------------------

// LayerInfo is the layer a packet belongs to, as reported to statistics.
// MaxLayerId in a field means the layer is unknown or unrestricted.
type LayerInfo struct {
	Spatial  uint8
	Temporal uint8
}

func (l LayerInfo) String() string {
	return fmt.Sprintf("LayerInfo{s: %d, t: %d}", l.Spatial, l.Temporal)
}
