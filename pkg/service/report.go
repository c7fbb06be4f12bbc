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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/livekit/svc-forwarder/pkg/telemetry/prometheus"
)

const (
	ReportFormatYAML  = "yaml"
	ReportFormatJSON  = "json"
	ReportFormatTable = "table"
)

type Report struct {
	Duration time.Duration  `yaml:"duration" json:"duration"`
	Inputs   []InputReport  `yaml:"inputs" json:"inputs"`
	Sources  []SourceReport `yaml:"sources" json:"sources"`
	Totals   TotalsReport   `yaml:"totals" json:"totals"`
}

type InputReport struct {
	Path        string `yaml:"path" json:"path"`
	RTPPackets  uint64 `yaml:"rtp_packets" json:"rtp_packets"`
	RTCPPackets uint64 `yaml:"rtcp_packets" json:"rtcp_packets"`
	Feedback    uint64 `yaml:"feedback" json:"feedback"`
	Filtered    uint64 `yaml:"filtered" json:"filtered"`
	Conflicts   uint64 `yaml:"conflicts" json:"conflicts"`
	Skipped     uint64 `yaml:"skipped" json:"skipped"`
	TWCCReports uint64 `yaml:"twcc_reports" json:"twcc_reports"`
}

type SourceReport struct {
	SSRC        uint32         `yaml:"ssrc" json:"ssrc"`
	MimeType    string         `yaml:"mime_type" json:"mime_type"`
	Packets     uint64         `yaml:"packets" json:"packets"`
	Bytes       uint64         `yaml:"bytes" json:"bytes"`
	KeyFrames   uint64         `yaml:"key_frames" json:"key_frames"`
	ParseErrors uint64         `yaml:"parse_errors" json:"parse_errors"`
	Lost        uint64         `yaml:"lost" json:"lost"`
	Nacked      uint64         `yaml:"nacked" json:"nacked"`
	Errors      uint64         `yaml:"errors" json:"errors"`
	Outputs     []OutputReport `yaml:"outputs" json:"outputs"`
}

type OutputReport struct {
	Name             string `yaml:"name" json:"name"`
	Forwarded        uint64 `yaml:"forwarded" json:"forwarded"`
	Dropped          uint64 `yaml:"dropped" json:"dropped"`
	Bytes            uint64 `yaml:"bytes" json:"bytes"`
	LayerSwitches    uint64 `yaml:"layer_switches" json:"layer_switches"`
	KeyFrameRequests uint64 `yaml:"key_frame_requests" json:"key_frame_requests"`
	CurrentSpatial   uint8  `yaml:"current_spatial" json:"current_spatial"`
	CurrentTemporal  uint8  `yaml:"current_temporal" json:"current_temporal"`
	TargetSpatial    uint8  `yaml:"target_spatial" json:"target_spatial"`
	TargetTemporal   uint8  `yaml:"target_temporal" json:"target_temporal"`
	EstimatedBitrate uint64 `yaml:"estimated_bitrate,omitempty" json:"estimated_bitrate,omitempty"`
}

type TotalsReport struct {
	Forwarded        uint64 `yaml:"forwarded" json:"forwarded"`
	ForwardedBytes   uint64 `yaml:"forwarded_bytes" json:"forwarded_bytes"`
	Dropped          uint64 `yaml:"dropped" json:"dropped"`
	KeyFrameRequests uint64 `yaml:"key_frame_requests" json:"key_frame_requests"`
	Nacks            uint64 `yaml:"nacks" json:"nacks"`
	LayerSwitches    uint64 `yaml:"layer_switches" json:"layer_switches"`
}

// Report is a snapshot, safe to take while the replay is running.
func (r *Replay) Report() *Report {
	report := &Report{
		Duration: r.duration(),
	}

	r.lock.Lock()
	inputs := append([]*inputStats{}, r.inputs...)
	sources := make([]*source, 0, r.sources.Len())
	for el := r.sources.Front(); el != nil; el = el.Next() {
		sources = append(sources, el.Value)
	}
	r.lock.Unlock()

	for _, in := range inputs {
		report.Inputs = append(report.Inputs, InputReport{
			Path:        in.path,
			RTPPackets:  in.rtpPackets.Load(),
			RTCPPackets: in.rtcpPackets.Load(),
			Feedback:    in.feedback.Load(),
			Filtered:    in.filtered.Load(),
			Conflicts:   in.conflicts.Load(),
			Skipped:     in.skipped.Load(),
			TWCCReports: in.twccReports.Load(),
		})
	}

	for _, src := range sources {
		report.Sources = append(report.Sources, src.report())
	}

	totals := prometheus.GetPacketStats()
	report.Totals = TotalsReport{
		Forwarded:        totals.Forwarded,
		ForwardedBytes:   totals.ForwardedBytes,
		Dropped:          totals.Dropped,
		KeyFrameRequests: totals.KeyFrameRequests,
		Nacks:            totals.Nacks,
		LayerSwitches:    totals.LayerSwitches,
	}
	return report
}

func (s *source) report() SourceReport {
	stats := s.stream.Stats()

	s.lock.Lock()
	sr := SourceReport{
		SSRC:        s.stream.SSRC(),
		MimeType:    s.stream.MimeType().String(),
		Packets:     stats.Packets,
		Bytes:       stats.Bytes,
		KeyFrames:   stats.KeyFrames,
		ParseErrors: stats.ParseErrors,
		Lost:        s.lost,
		Nacked:      s.nacked,
		Errors:      s.errors,
	}
	s.lock.Unlock()

	for _, f := range s.forwarders {
		sr.Outputs = append(sr.Outputs, f.report())
	}
	return sr
}

func (f *forwarder) report() OutputReport {
	stats := f.transponder.Stats()
	currentSpatial, currentTemporal := f.transponder.GetCurrentLayer()
	targetSpatial, targetTemporal, _ := f.transponder.GetTargetLayer()

	out := OutputReport{
		Name:             f.output.conf.Name,
		Forwarded:        stats.Forwarded,
		Dropped:          stats.Dropped,
		Bytes:            f.bytes.Load(),
		LayerSwitches:    stats.LayerSwitches,
		KeyFrameRequests: stats.KeyFrameRequests,
		CurrentSpatial:   currentSpatial,
		CurrentTemporal:  currentTemporal,
		TargetSpatial:    targetSpatial,
		TargetTemporal:   targetTemporal,
	}
	if f.advisor != nil {
		out.EstimatedBitrate = f.advisor.LastEstimate()
	}
	return out
}

// Render writes the report as yaml, json or a table.
func (r *Report) Render(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", ReportFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()

	case ReportFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)

	case ReportFormatTable:
		r.renderTable(w)
		return nil

	default:
		return ErrUnknownReportFormat
	}
}

func (r *Report) renderTable(w io.Writer) {
	inputs := tablewriter.NewWriter(w)
	inputs.SetHeader([]string{"Input", "RTP", "RTCP", "Feedback", "Filtered", "Conflicts", "Skipped", "TWCC"})
	inputs.SetAutoWrapText(false)
	for _, in := range r.Inputs {
		inputs.Append([]string{
			in.Path,
			humanize.Comma(int64(in.RTPPackets)),
			humanize.Comma(int64(in.RTCPPackets)),
			humanize.Comma(int64(in.Feedback)),
			humanize.Comma(int64(in.Filtered)),
			humanize.Comma(int64(in.Conflicts)),
			humanize.Comma(int64(in.Skipped)),
			humanize.Comma(int64(in.TWCCReports)),
		})
	}
	inputs.Render()

	outputs := tablewriter.NewWriter(w)
	outputs.SetHeader([]string{"SSRC", "Codec", "Output", "Forwarded", "Dropped", "Bytes", "Switches", "Key Frame Req", "Layer", "Target"})
	outputs.SetAutoWrapText(false)
	outputs.SetRowLine(true)
	outputs.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER,
	})
	for _, src := range r.Sources {
		for _, o := range src.Outputs {
			outputs.Append([]string{
				fmt.Sprintf("%d", src.SSRC),
				src.MimeType,
				o.Name,
				humanize.Comma(int64(o.Forwarded)),
				humanize.Comma(int64(o.Dropped)),
				humanize.Bytes(o.Bytes),
				humanize.Comma(int64(o.LayerSwitches)),
				humanize.Comma(int64(o.KeyFrameRequests)),
				fmt.Sprintf("S%dT%d", o.CurrentSpatial, o.CurrentTemporal),
				fmt.Sprintf("S%dT%d", o.TargetSpatial, o.TargetTemporal),
			})
		}
	}
	outputs.Render()

	_, _ = fmt.Fprintf(w, "forwarded %s packets (%s), dropped %s, %s nacks in %s\n",
		humanize.Comma(int64(r.Totals.Forwarded)),
		humanize.Bytes(r.Totals.ForwardedBytes),
		humanize.Comma(int64(r.Totals.Dropped)),
		humanize.Comma(int64(r.Totals.Nacks)),
		r.Duration.Round(time.Millisecond),
	)
}
