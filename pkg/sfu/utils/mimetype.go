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

package utils

import (
	"strings"
)

const (
	MimeTypeStringVP8  = "video/VP8"
	MimeTypeStringVP9  = "video/VP9"
	MimeTypeStringH264 = "video/H264"
	MimeTypeStringAV1  = "video/AV1"
)

type MimeType int

const (
	MimeTypeUnknown MimeType = iota
	MimeTypeVP8
	MimeTypeVP9
	MimeTypeH264
	MimeTypeAV1
)

func (m MimeType) String() string {
	switch m {
	case MimeTypeVP8:
		return MimeTypeStringVP8
	case MimeTypeVP9:
		return MimeTypeStringVP9
	case MimeTypeH264:
		return MimeTypeStringH264
	case MimeTypeAV1:
		return MimeTypeStringAV1
	default:
		return "unknown"
	}
}

// IsScalable returns true for codecs that can carry more than one layer in a
// single RTP stream.
func (m MimeType) IsScalable() bool {
	return m == MimeTypeVP8 || m == MimeTypeVP9 || m == MimeTypeAV1
}

// MatchMimeType accepts both full mime types ("video/vp9") and bare codec
// names ("VP9"), case insensitive.
func MatchMimeType(mimeType string) MimeType {
	name := mimeType
	if idx := strings.IndexByte(mimeType, '/'); idx >= 0 {
		if !strings.EqualFold(mimeType[:idx], "video") {
			return MimeTypeUnknown
		}
		name = mimeType[idx+1:]
	}

	switch {
	case strings.EqualFold(name, "vp8"):
		return MimeTypeVP8
	case strings.EqualFold(name, "vp9"):
		return MimeTypeVP9
	case strings.EqualFold(name, "h264"):
		return MimeTypeH264
	case strings.EqualFold(name, "av1"):
		return MimeTypeAV1
	}
	return MimeTypeUnknown
}
