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

// DecodeTargetLayer is the highest layer a decode target reaches.
type DecodeTargetLayer struct {
	Target   int
	Spatial  int
	Temporal int
}

// DecodeTargetLayers derives, for every decode target, the highest spatial and
// temporal layer of the templates that are part of it.
func DecodeTargetLayers(s *TemplateDependencyStructure) []DecodeTargetLayer {
	if s == nil {
		return nil
	}

	layers := make([]DecodeTargetLayer, s.NumDecodeTargets)
	for dt := range layers {
		layers[dt] = DecodeTargetLayer{Target: dt, Spatial: -1, Temporal: -1}
		for _, t := range s.Templates {
			if dt >= len(t.DecodeTargetIndications) || t.DecodeTargetIndications[dt] == DecodeTargetNotPresent {
				continue
			}
			layers[dt].Spatial = max(layers[dt].Spatial, t.SpatialId)
			layers[dt].Temporal = max(layers[dt].Temporal, t.TemporalId)
		}
	}
	return layers
}
