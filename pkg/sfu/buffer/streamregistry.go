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
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

const (
	DefaultMaxStreams = 1024
)

// StreamRegistry holds the ingest streams keyed by SSRC. The least recently
// used stream is dropped when the registry is full.
type StreamRegistry struct {
	logger  logger.Logger
	streams *lru.Cache[uint32, *Stream]
}

func NewStreamRegistry(maxStreams int, logger logger.Logger) (*StreamRegistry, error) {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}

	r := &StreamRegistry{
		logger: logger,
	}
	streams, err := lru.NewWithEvict[uint32, *Stream](maxStreams, r.onEvicted)
	if err != nil {
		return nil, errors.Wrap(err, "could not create stream registry")
	}
	r.streams = streams
	return r, nil
}

// GetOrCreate returns the stream for params.SSRC, creating it from params if
// it is not known yet. The second return value is true for a new stream.
func (r *StreamRegistry) GetOrCreate(params StreamParams) (*Stream, bool) {
	if s, ok := r.streams.Get(params.SSRC); ok {
		return s, false
	}

	if params.Logger == nil {
		params.Logger = r.logger
	}
	s := NewStream(params)
	if prev, ok, _ := r.streams.PeekOrAdd(params.SSRC, s); ok {
		return prev, false
	}
	r.logger.Debugw("stream added", "ssrc", params.SSRC, "mime", params.MimeType)
	return s, true
}

func (r *StreamRegistry) Get(ssrc uint32) (*Stream, bool) {
	return r.streams.Get(ssrc)
}

func (r *StreamRegistry) Remove(ssrc uint32) bool {
	return r.streams.Remove(ssrc)
}

func (r *StreamRegistry) Len() int {
	return r.streams.Len()
}

func (r *StreamRegistry) SSRCs() []uint32 {
	return r.streams.Keys()
}

func (r *StreamRegistry) onEvicted(ssrc uint32, s *Stream) {
	stats := s.Stats()
	r.logger.Infow("stream removed", "ssrc", ssrc, "packets", stats.Packets, "keyFrames", stats.KeyFrames)
}
