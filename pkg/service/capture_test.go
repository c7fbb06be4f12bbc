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

package service

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func testRTPPacket(ssrc uint32, sn uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SSRC:           ssrc,
			SequenceNumber: sn,
			Timestamp:      uint32(sn) * 3000,
			Marker:         true,
		},
		Payload: []byte{0x10, 0x20, 0x30},
	}
}

func writeTestCapture(t *testing.T) (*bytes.Buffer, time.Time) {
	var buf bytes.Buffer
	w, err := NewCaptureWriter(&buf, 5004)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	require.NoError(t, w.WriteRTP(testRTPPacket(1, 10), start))

	pli, err := (&rtcp.PictureLossIndication{SenderSSRC: 9, MediaSSRC: 1}).Marshal()
	require.NoError(t, err)
	require.NoError(t, w.WriteRTCP(pli, start.Add(10*time.Millisecond)))

	// STUN on a muxed port
	require.NoError(t, w.write([]byte{0x00, 0x01, 0x00, 0x00}, start.Add(15*time.Millisecond)))

	require.NoError(t, w.WriteRTP(testRTPPacket(1, 11), start.Add(20*time.Millisecond)))
	require.NoError(t, w.Close())
	return &buf, start
}

func requireTestCapture(t *testing.T, r *CaptureReader, start time.Time) {
	cp, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, cp.RTP)
	require.Nil(t, cp.RTCP)
	require.Equal(t, uint16(10), cp.RTP.SequenceNumber)
	require.Equal(t, uint32(1), cp.RTP.SSRC)
	require.True(t, cp.RTP.Marker)
	require.Equal(t, []byte{0x10, 0x20, 0x30}, cp.RTP.Payload)
	require.True(t, start.Equal(cp.Arrival))

	cp, err = r.Next()
	require.NoError(t, err)
	require.Nil(t, cp.RTP)
	pkts, err := rtcp.Unmarshal(cp.RTCP)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.IsType(t, &rtcp.PictureLossIndication{}, pkts[0])

	cp, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(11), cp.RTP.SequenceNumber)
	require.True(t, start.Add(20*time.Millisecond).Equal(cp.Arrival))

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
	require.Equal(t, 1, r.Skipped())
}

func TestCaptureRoundTrip(t *testing.T) {
	buf, start := writeTestCapture(t)

	r, err := NewCaptureReader(buf)
	require.NoError(t, err)
	requireTestCapture(t, r, start)
	require.NoError(t, r.Close())
}

func TestCapturePcapng(t *testing.T) {
	buf, start := writeTestCapture(t)

	// same frames in a pcapng file
	pcap, err := pcapgo.NewReader(buf)
	require.NoError(t, err)

	var ng bytes.Buffer
	ngWriter, err := pcapgo.NewNgWriter(&ng, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for {
		data, ci, err := pcap.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, ngWriter.WritePacket(ci, data))
	}
	require.NoError(t, ngWriter.Flush())

	r, err := NewCaptureReader(&ng)
	require.NoError(t, err)
	requireTestCapture(t, r, start)
}

func TestCaptureWriterClosed(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCaptureWriter(&buf, 5004)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.WriteRTP(testRTPPacket(1, 1), time.Now()), ErrCaptureWriterClosed)
}

func TestCaptureReaderEmpty(t *testing.T) {
	_, err := NewCaptureReader(bytes.NewReader(nil))
	require.Error(t, err)
}
