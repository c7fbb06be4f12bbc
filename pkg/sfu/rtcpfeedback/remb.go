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
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/rtcp"

	"github.com/livekit/protocol/logger"
)

const (
	DefaultREMBDebounce = 500 * time.Millisecond
)

// LayerThreshold is the minimum estimated bitrate needed to forward a layer.
type LayerThreshold struct {
	Bitrate  uint64 `yaml:"bitrate,omitempty"`
	Spatial  uint8  `yaml:"spatial,omitempty"`
	Temporal uint8  `yaml:"temporal,omitempty"`
}

type REMBLayerAdvisorParams struct {
	Thresholds []LayerThreshold
	Debounce   time.Duration
	Logger     logger.Logger
	OnAdvice   func(spatial uint8, temporal uint8)
}

// REMBLayerAdvisor turns receiver bandwidth estimates into layer targets.
// Estimates fluctuate, so advice is only given once they settle.
type REMBLayerAdvisor struct {
	params     REMBLayerAdvisorParams
	thresholds []LayerThreshold
	debounced  func(f func())

	lock         sync.Mutex
	lastEstimate uint64
	advised      LayerThreshold
	hasAdvised   bool
}

func NewREMBLayerAdvisor(params REMBLayerAdvisorParams) (*REMBLayerAdvisor, error) {
	if len(params.Thresholds) == 0 {
		return nil, ErrInvalidThresholds
	}
	if params.Debounce <= 0 {
		params.Debounce = DefaultREMBDebounce
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	thresholds := append([]LayerThreshold{}, params.Thresholds...)
	sort.Slice(thresholds, func(i, j int) bool {
		return thresholds[i].Bitrate < thresholds[j].Bitrate
	})

	return &REMBLayerAdvisor{
		params:     params,
		thresholds: thresholds,
		debounced:  debounce.New(params.Debounce),
	}, nil
}

// LayerForBitrate returns the highest layer the estimate affords, the lowest
// configured one when it affords none.
func (r *REMBLayerAdvisor) LayerForBitrate(bitrate uint64) (uint8, uint8) {
	selected := r.thresholds[0]
	for _, t := range r.thresholds {
		if t.Bitrate > bitrate {
			break
		}
		selected = t
	}
	return selected.Spatial, selected.Temporal
}

func (r *REMBLayerAdvisor) OnREMB(remb *rtcp.ReceiverEstimatedMaximumBitrate) {
	if remb == nil {
		return
	}

	bitrate := uint64(remb.Bitrate)
	r.lock.Lock()
	r.lastEstimate = bitrate
	r.lock.Unlock()

	r.debounced(r.advise)
}

func (r *REMBLayerAdvisor) LastEstimate() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.lastEstimate
}

func (r *REMBLayerAdvisor) advise() {
	r.lock.Lock()
	bitrate := r.lastEstimate
	spatial, temporal := r.LayerForBitrate(bitrate)
	advice := LayerThreshold{Bitrate: bitrate, Spatial: spatial, Temporal: temporal}
	if r.hasAdvised && r.advised.Spatial == spatial && r.advised.Temporal == temporal {
		r.lock.Unlock()
		return
	}
	r.advised = advice
	r.hasAdvised = true
	r.lock.Unlock()

	r.params.Logger.Debugw("layer advice", "bitrate", bitrate, "spatial", spatial, "temporal", temporal)
	if r.params.OnAdvice != nil {
		r.params.OnAdvice(spatial, temporal)
	}
}
