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
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const (
	captureSnapLen = 65536

	rtcpPayloadTypeMin = 192
	rtcpPayloadTypeMax = 223
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// CapturedPacket is an RTP or RTCP datagram read from a capture. Exactly one
// of RTP and RTCP is set.
type CapturedPacket struct {
	Arrival time.Time
	RTP     *rtp.Packet
	RTCP    []byte
}

type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// CaptureReader reads RTP and RTCP over UDP from pcap or pcapng files.
// Anything else in the capture is skipped.
type CaptureReader struct {
	closer  io.Closer
	source  packetDataSource
	skipped int
}

func OpenCapture(path string) (*CaptureReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open capture")
	}

	c, err := NewCaptureReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "could not read capture %s", path)
	}
	c.closer = f
	return c, nil
}

func NewCaptureReader(r io.Reader) (*CaptureReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, err
	}

	var source packetDataSource
	if bytes.Equal(magic, pcapngMagic) {
		source, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		source, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}

	return &CaptureReader{source: source}, nil
}

// Next returns io.EOF at the end of the capture.
func (c *CaptureReader) Next() (*CapturedPacket, error) {
	for {
		data, ci, err := c.source.ReadPacketData()
		if err != nil {
			return nil, err
		}

		packet := gopacket.NewPacket(data, c.source.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			c.skipped++
			continue
		}

		udp, _ := udpLayer.(*layers.UDP)
		payload := udp.Payload
		if len(payload) < 2 || payload[0]>>6 != 2 {
			// not RTP version 2, STUN or DTLS on a muxed port
			c.skipped++
			continue
		}

		if payload[1] >= rtcpPayloadTypeMin && payload[1] <= rtcpPayloadTypeMax {
			return &CapturedPacket{
				Arrival: ci.Timestamp,
				RTCP:    append([]byte(nil), payload...),
			}, nil
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), payload...)); err != nil {
			c.skipped++
			continue
		}
		return &CapturedPacket{
			Arrival: ci.Timestamp,
			RTP:     pkt,
		}, nil
	}
}

// Skipped returns the number of datagrams that were not RTP or RTCP.
func (c *CaptureReader) Skipped() int {
	return c.skipped
}

func (c *CaptureReader) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// -----------------------------------------------------------

// CaptureWriter writes RTP packets as Ethernet/IPv4/UDP frames of a pcap
// file, loopback to loopback.
type CaptureWriter struct {
	closer io.Closer
	writer *pcapgo.Writer
	buf    gopacket.SerializeBuffer
	closed bool

	eth layers.Ethernet
	ip  layers.IPv4
	udp layers.UDP
}

func CreateCapture(path string, dstPort uint16) (*CaptureWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not create capture")
	}

	c, err := NewCaptureWriter(f, dstPort)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

func NewCaptureWriter(w io.Writer, dstPort uint16) (*CaptureWriter, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, errors.Wrap(err, "could not write capture header")
	}

	c := &CaptureWriter{
		writer: writer,
		buf:    gopacket.NewSerializeBuffer(),
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		},
		udp: layers.UDP{
			SrcPort: 5004,
			DstPort: layers.UDPPort(dstPort),
		},
	}
	if err := c.udp.SetNetworkLayerForChecksum(&c.ip); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CaptureWriter) WriteRTP(pkt *rtp.Packet, at time.Time) error {
	payload, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return c.write(payload, at)
}

func (c *CaptureWriter) WriteRTCP(buf []byte, at time.Time) error {
	return c.write(buf, at)
}

func (c *CaptureWriter) write(payload []byte, at time.Time) error {
	if c.closed {
		return ErrCaptureWriterClosed
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(c.buf, opts, &c.eth, &c.ip, &c.udp, gopacket.Payload(payload)); err != nil {
		return errors.Wrap(err, "could not serialize frame")
	}

	data := c.buf.Bytes()
	return c.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func (c *CaptureWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
