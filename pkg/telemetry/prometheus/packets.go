package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

const (
	DropReasonMuted      = "muted"
	DropReasonLayer      = "layer"
	DropReasonIntra      = "waiting_for_intra"
	DropReasonOutOfOrder = "out_of_order"
	DropReasonMunge      = "munge"
)

type PacketStats struct {
	Forwarded        uint64
	ForwardedBytes   uint64
	Dropped          uint64
	KeyFrameRequests uint64
	Nacks            uint64
	LayerSwitches    uint64
}

var (
	atomicForwarded        atomic.Uint64
	atomicForwardedBytes   atomic.Uint64
	atomicDropped          atomic.Uint64
	atomicKeyFrameRequests atomic.Uint64
	atomicNacks            atomic.Uint64
	atomicLayerSwitches    atomic.Uint64

	promForwardedTotal       *prometheus.CounterVec
	promForwardedBytes       *prometheus.CounterVec
	promDroppedTotal         *prometheus.CounterVec
	promKeyFrameRequestTotal *prometheus.CounterVec
	promNackTotal            *prometheus.CounterVec
	promLayerSwitchTotal     *prometheus.CounterVec
)

func initPacketStats(nodeID string, registerer prometheus.Registerer) error {
	constLabels := prometheus.Labels{"node_id": nodeID}
	promForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "packet",
		Name:        "forwarded_total",
		ConstLabels: constLabels,
	}, []string{"codec"})
	promForwardedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "packet",
		Name:        "forwarded_bytes",
		ConstLabels: constLabels,
	}, []string{"codec"})
	promDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "packet",
		Name:        "dropped_total",
		ConstLabels: constLabels,
	}, []string{"codec", "reason"})
	promKeyFrameRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "keyframe_request",
		Name:        "total",
		ConstLabels: constLabels,
	}, []string{"kind"})
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "nack",
		Name:        "total",
		ConstLabels: constLabels,
	}, []string{"direction"})
	promLayerSwitchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcForwarderNamespace,
		Subsystem:   "layer",
		Name:        "switch_total",
		ConstLabels: constLabels,
	}, []string{"codec"})

	for _, c := range []prometheus.Collector{
		promForwardedTotal,
		promForwardedBytes,
		promDroppedTotal,
		promKeyFrameRequestTotal,
		promNackTotal,
		promLayerSwitchTotal,
	} {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func IncrementForwarded(codec string, bytes int) {
	atomicForwarded.Inc()
	atomicForwardedBytes.Add(uint64(bytes))
	if initialized.Load() {
		promForwardedTotal.WithLabelValues(codec).Inc()
		promForwardedBytes.WithLabelValues(codec).Add(float64(bytes))
	}
}

func IncrementDropped(codec string, reason string) {
	atomicDropped.Inc()
	if initialized.Load() {
		promDroppedTotal.WithLabelValues(codec, reason).Inc()
	}
}

func IncrementKeyFrameRequest(kind string) {
	atomicKeyFrameRequests.Inc()
	if initialized.Load() {
		promKeyFrameRequestTotal.WithLabelValues(kind).Inc()
	}
}

func IncrementNack(direction Direction, count int) {
	if count <= 0 {
		return
	}
	atomicNacks.Add(uint64(count))
	if initialized.Load() {
		promNackTotal.WithLabelValues(string(direction)).Add(float64(count))
	}
}

func IncrementLayerSwitch(codec string) {
	atomicLayerSwitches.Inc()
	if initialized.Load() {
		promLayerSwitchTotal.WithLabelValues(codec).Inc()
	}
}

// GetPacketStats returns the process wide totals.
func GetPacketStats() PacketStats {
	return PacketStats{
		Forwarded:        atomicForwarded.Load(),
		ForwardedBytes:   atomicForwardedBytes.Load(),
		Dropped:          atomicDropped.Load(),
		KeyFrameRequests: atomicKeyFrameRequests.Load(),
		Nacks:            atomicNacks.Load(),
		LayerSwitches:    atomicLayerSwitches.Load(),
	}
}
