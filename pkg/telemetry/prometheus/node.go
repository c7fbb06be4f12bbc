package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	svcForwarderNamespace string = "svc_forwarder"
)

var (
	initialized atomic.Bool
)

// Init creates and registers the forwarding metrics. Until it is called the
// Increment functions only update the in process totals.
func Init(nodeID string, registerer prometheus.Registerer) error {
	if initialized.Load() {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	if err := initPacketStats(nodeID, registerer); err != nil {
		return err
	}

	initialized.Store(true)
	return nil
}
